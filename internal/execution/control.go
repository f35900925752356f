package execution

import (
	"fmt"

	clierr "github.com/ggonzalez94/vault-cli/internal/errors"
	"github.com/ggonzalez94/vault-cli/internal/metrics"
)

// Retry returns the failed step for (chainID, kind) to pending and resumes execution
// from it. A paired deposit that was failed alongside an approval stays failed.
func (e *Engine) Retry(chainID int64, kind StepKind) error {
	e.mu.Lock()
	if e.inFlight != nil {
		e.mu.Unlock()
		return clierr.New(clierr.CodeInvariant, "cannot retry while another step is in flight")
	}
	index, matched := -1, false
	for i, step := range e.plan.Steps {
		if step.ChainID != chainID || step.Kind != kind {
			continue
		}
		matched = true
		if step.Status == StepStatusFailed {
			index = i
			break
		}
	}
	if !matched {
		e.mu.Unlock()
		return clierr.New(clierr.CodeInvariant, fmt.Sprintf("no %s step for chain %d in the current plan", kind, chainID))
	}
	if index < 0 {
		e.mu.Unlock()
		return clierr.New(clierr.CodeInvariant, fmt.Sprintf("%s step for chain %d has not failed", kind, chainID))
	}

	step := &e.plan.Steps[index]
	step.Status = StepStatusPending
	step.Error = ""
	step.ErrorCode = 0
	step.TxHash = ""
	e.plan.Cursor = index
	e.plan.UpdatedAt = e.now()
	if e.plan.FlowState != FlowExecuting {
		e.plan.FlowState = FlowExecuting
		e.beginRunLocked()
	}
	metrics.Retries.WithLabelValues(metrics.ChainLabel(chainID), string(kind)).Inc()
	e.log.InfoWithChain(chainID, "Retrying %s of %s", kind, step.Amount)

	fx := effects{changed: true}
	e.advanceLocked(&fx)
	e.unlockAndApply(fx)
	return nil
}

// Cancel abandons the current plan from any state. In-flight signer calls are
// cancelled and their late outcomes ignored; nothing already on chain is undone.
func (e *Engine) Cancel() {
	e.discard("cancelled")
}

func (e *Engine) Reset() {
	e.discard("reset")
}

// ForceReset discards the plan even mid-step, for recovering a stuck session.
func (e *Engine) ForceReset() {
	e.discard("force reset")
}

func (e *Engine) discard(reason string) {
	e.mu.Lock()
	previous := e.plan
	e.stopRunLocked()
	e.plan = Plan{FlowState: FlowIdle, Steps: []Step{}}
	e.inFlight = nil
	if len(previous.Steps) > 0 {
		metrics.PlansCancelled.Inc()
		e.log.Notice("Plan %s %s in state %s", previous.ID, reason, previous.FlowState)
	}
	e.unlockAndApply(effects{changed: true})
}
