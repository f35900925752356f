package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	clierr "github.com/ggonzalez94/vault-cli/internal/errors"
	"github.com/ggonzalez94/vault-cli/internal/execution/signer"
	"github.com/ggonzalez94/vault-cli/internal/logger"
	"github.com/ggonzalez94/vault-cli/internal/metrics"
)

// Events is the set of signer outcomes the engine reacts to. Each call performs at
// most one step transition; refs that no longer match the in-flight step are ignored.
type Events interface {
	OnNetworkSwitched(ref StepRef)
	OnNetworkSwitchFailed(ref StepRef, err error)
	OnSignatureObtained(ref StepRef, txHash string)
	OnSignatureRejected(ref StepRef, err error)
	OnConfirmed(ref StepRef)
	OnConfirmationFailed(ref StepRef, err error)
}

// Dispatcher carries a pending step to the signer. Dispatch must not block; outcomes
// are reported through events. ctx is cancelled when the plan is cancelled or replaced.
type Dispatcher interface {
	Dispatch(ctx context.Context, ref StepRef, step Step, events Events)
}

type EngineOptions struct {
	Sink   HistorySink
	Logger logger.Logger
	// TokenAddress resolves the token recorded in history for a chain.
	TokenAddress func(chainID int64) string
	// OnUpdate is called with a copy of the plan after every transition, outside the engine lock.
	OnUpdate func(Plan)
	Now      func() time.Time
}

// Engine runs one plan at a time, strictly one step after another.
type Engine struct {
	dispatcher Dispatcher
	sink       HistorySink
	log        logger.Logger
	tokenOf    func(chainID int64) string
	onUpdate   func(Plan)
	now        func() time.Time

	mu          sync.Mutex
	plan        Plan
	inFlight    *StepRef
	stepStarted time.Time
	runCtx      context.Context
	runCancel   context.CancelFunc
	done        chan struct{}
}

var _ Events = (*Engine)(nil)

type dispatchRequest struct {
	ctx  context.Context
	ref  StepRef
	step Step
}

// effects are applied after the lock is released.
type effects struct {
	dispatch *dispatchRequest
	records  []ConfirmedOperationRecord
	changed  bool
	// passed holds the plan as it stood before each step advanceLocked passed over,
	// so observers see the cursor move one step at a time.
	passed []Plan
}

func NewEngine(dispatcher Dispatcher, opts EngineOptions) *Engine {
	e := &Engine{
		dispatcher: dispatcher,
		sink:       opts.Sink,
		log:        opts.Logger,
		tokenOf:    opts.TokenAddress,
		onUpdate:   opts.OnUpdate,
		now:        opts.Now,
		plan:       Plan{FlowState: FlowIdle, Steps: []Step{}},
	}
	if e.sink == nil {
		e.sink = NopSink{}
	}
	if e.log == nil {
		e.log = &logger.EmptyLogger{}
	}
	if e.tokenOf == nil {
		e.tokenOf = func(int64) string { return "" }
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	return e
}

// Start begins executing plan. It fails only when another plan is executing or the
// plan is empty; step failures are reported on the plan itself.
func (e *Engine) Start(plan Plan) error {
	e.mu.Lock()
	if e.plan.FlowState == FlowExecuting {
		e.mu.Unlock()
		return clierr.New(clierr.CodeInvariant, fmt.Sprintf("plan %s is still executing", e.plan.ID))
	}
	if len(plan.Steps) == 0 {
		e.mu.Unlock()
		return clierr.New(clierr.CodeUsage, "plan has no steps")
	}
	e.stopRunLocked()

	plan = plan.Clone()
	if plan.ID == "" {
		plan.ID = NewPlanID()
	}
	now := e.now()
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = now
	}
	plan.UpdatedAt = now
	plan.Cursor = 0
	plan.FlowState = FlowExecuting
	e.plan = plan
	e.inFlight = nil
	e.beginRunLocked()
	e.log.Info("Starting %s plan %s with %d steps", plan.Kind, plan.ID, len(plan.Steps))

	fx := effects{changed: true}
	e.advanceLocked(&fx)
	e.unlockAndApply(fx)
	return nil
}

func (e *Engine) OnNetworkSwitched(ref StepRef) {
	e.mu.Lock()
	step, ok := e.currentLocked(ref, StepStatusPending)
	if !ok {
		e.mu.Unlock()
		return
	}
	step.Status = StepStatusAwaitingSignature
	e.plan.UpdatedAt = e.now()
	e.log.NoticeWithChain(step.ChainID, "Awaiting signature for %s of %s", step.Kind, step.Amount)
	e.unlockAndApply(effects{changed: true})
}

func (e *Engine) OnNetworkSwitchFailed(ref StepRef, err error) {
	e.mu.Lock()
	if _, ok := e.currentLocked(ref, StepStatusPending); !ok {
		e.mu.Unlock()
		return
	}
	fx := e.failLocked(ref.Index, err, clierr.StepFailureCode(err, clierr.CodeNetworkSwitch))
	e.unlockAndApply(fx)
}

func (e *Engine) OnSignatureObtained(ref StepRef, txHash string) {
	if txHash == "" {
		return
	}
	e.mu.Lock()
	step, ok := e.currentLocked(ref, StepStatusAwaitingSignature)
	if !ok {
		e.mu.Unlock()
		return
	}
	step.Status = StepStatusConfirming
	step.TxHash = txHash
	e.plan.UpdatedAt = e.now()
	e.log.InfoWithChain(step.ChainID, "%s submitted, waiting for confirmation: %s", step.Kind, txHash)
	e.unlockAndApply(effects{changed: true})
}

func (e *Engine) OnSignatureRejected(ref StepRef, err error) {
	e.mu.Lock()
	if _, ok := e.currentLocked(ref, StepStatusAwaitingSignature); !ok {
		e.mu.Unlock()
		return
	}
	code := clierr.StepFailureCode(err, clierr.CodeSubmission)
	if errors.Is(err, signer.ErrUserRejected) {
		code = clierr.CodeRejected
	}
	fx := e.failLocked(ref.Index, err, code)
	e.unlockAndApply(fx)
}

func (e *Engine) OnConfirmed(ref StepRef) {
	e.mu.Lock()
	step, ok := e.currentLocked(ref, StepStatusConfirming)
	if !ok {
		e.mu.Unlock()
		return
	}
	now := e.now()
	step.Status = StepStatusCompleted
	e.plan.UpdatedAt = now
	e.inFlight = nil
	e.observeFinishedLocked(*step)
	e.log.NoticeWithChain(step.ChainID, "%s of %s confirmed", step.Kind, step.Amount)

	rec := ConfirmedOperationRecord{
		ID:        NewRecordID(),
		PlanID:    e.plan.ID,
		ChainID:   step.ChainID,
		Kind:      step.Kind,
		TxHash:    step.TxHash,
		Amount:    step.Amount,
		Token:     e.tokenOf(step.ChainID),
		Timestamp: now,
		Status:    StepStatusCompleted,
	}
	e.plan.Cursor = ref.Index + 1
	fx := effects{changed: true, records: []ConfirmedOperationRecord{rec}}
	e.advanceLocked(&fx)
	e.unlockAndApply(fx)
}

func (e *Engine) OnConfirmationFailed(ref StepRef, err error) {
	e.mu.Lock()
	if _, ok := e.currentLocked(ref, StepStatusConfirming); !ok {
		e.mu.Unlock()
		return
	}
	fx := e.failLocked(ref.Index, err, clierr.StepFailureCode(err, clierr.CodeConfirmation))
	e.unlockAndApply(fx)
}

// Plan returns a copy of the current plan.
func (e *Engine) Plan() Plan {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.plan.Clone()
}

// Snapshot projects the current plan for display.
func (e *Engine) Snapshot() ProgressSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Project(e.plan.Steps, e.plan.FlowState, e.plan.Cursor)
}

// Wait blocks until the plan is no longer executing and returns it.
func (e *Engine) Wait(ctx context.Context) (Plan, error) {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return e.Plan(), ctx.Err()
		}
	}
	return e.Plan(), nil
}

// currentLocked returns the step ref points at when it is the in-flight step in want status.
func (e *Engine) currentLocked(ref StepRef, want StepStatus) (*Step, bool) {
	if e.plan.FlowState != FlowExecuting || e.plan.ID != ref.PlanID {
		return nil, false
	}
	if e.inFlight == nil || *e.inFlight != ref {
		return nil, false
	}
	if ref.Index < 0 || ref.Index >= len(e.plan.Steps) {
		return nil, false
	}
	step := &e.plan.Steps[ref.Index]
	if step.Status != want {
		return nil, false
	}
	return step, true
}

// failLocked marks the step failed, applies the skip-pair rule and moves on.
func (e *Engine) failLocked(index int, cause error, code clierr.Code) effects {
	step := &e.plan.Steps[index]
	msg := "step failed"
	if cause != nil {
		msg = cause.Error()
	}
	step.Status = StepStatusFailed
	step.Error = msg
	step.ErrorCode = code
	e.plan.UpdatedAt = e.now()
	e.inFlight = nil
	e.observeFinishedLocked(*step)
	metrics.StepFailures.WithLabelValues(metrics.ChainLabel(step.ChainID), string(step.Kind), clierr.TypeName(code)).Inc()
	e.log.ErrorWithChain(step.ChainID, "%s of %s failed: %s", step.Kind, step.Amount, msg)

	next := index + 1
	if step.Kind == StepKindApproval && next < len(e.plan.Steps) {
		paired := &e.plan.Steps[next]
		if paired.Kind == StepKindDeposit && paired.ChainID == step.ChainID && paired.Status != StepStatusCompleted {
			paired.Status = StepStatusFailed
			paired.Error = "approval failed: " + msg
			paired.ErrorCode = code
			metrics.StepsSkipped.WithLabelValues(metrics.ChainLabel(paired.ChainID)).Inc()
			e.log.ErrorWithChain(paired.ChainID, "deposit of %s skipped because its approval failed", paired.Amount)
			next++
		}
	}
	e.plan.Cursor = next
	fx := effects{changed: true}
	e.advanceLocked(&fx)
	return fx
}

// advanceLocked dispatches the first pending step at or after the cursor, or finalizes.
// Passing over a step that is no longer pending counts as its own transition.
func (e *Engine) advanceLocked(fx *effects) {
	if e.plan.FlowState != FlowExecuting || e.inFlight != nil {
		return
	}
	for e.plan.Cursor < len(e.plan.Steps) {
		step := &e.plan.Steps[e.plan.Cursor]
		if step.Status != StepStatusPending {
			if e.onUpdate != nil {
				fx.passed = append(fx.passed, e.plan.Clone())
			}
			e.plan.Cursor++
			continue
		}
		step.Attempts++
		ref := StepRef{PlanID: e.plan.ID, Index: e.plan.Cursor}
		e.inFlight = &ref
		e.stepStarted = e.now()
		e.log.DebugWithChain(step.ChainID, "Dispatching step %d/%d: %s", ref.Index+1, len(e.plan.Steps), step.Kind)
		fx.dispatch = &dispatchRequest{ctx: e.runCtx, ref: ref, step: *step}
		return
	}
	e.finalizeLocked()
}

func (e *Engine) finalizeLocked() {
	e.plan.FlowState = FlowCompleted
	if e.plan.Failed() {
		e.plan.FlowState = FlowFailed
	}
	e.plan.UpdatedAt = e.now()
	metrics.PlansFinalized.WithLabelValues(string(e.plan.Kind), string(e.plan.FlowState)).Inc()
	if e.plan.FlowState == FlowCompleted {
		e.log.Notice("Plan %s completed", e.plan.ID)
	} else {
		e.log.Error("Plan %s finished with failed steps", e.plan.ID)
	}
	e.stopRunLocked()
}

func (e *Engine) observeFinishedLocked(step Step) {
	chain := metrics.ChainLabel(step.ChainID)
	metrics.StepsFinished.WithLabelValues(chain, string(step.Kind), string(step.Status)).Inc()
	if !e.stepStarted.IsZero() {
		metrics.StepDuration.WithLabelValues(chain, string(step.Kind)).Observe(e.now().Sub(e.stepStarted).Seconds())
	}
}

func (e *Engine) beginRunLocked() {
	e.runCtx, e.runCancel = context.WithCancel(context.Background())
	e.done = make(chan struct{})
}

// stopRunLocked cancels in-flight signer calls and releases waiters.
func (e *Engine) stopRunLocked() {
	if e.runCancel != nil {
		e.runCancel()
		e.runCancel = nil
	}
	if e.done != nil {
		close(e.done)
		e.done = nil
	}
}

func (e *Engine) unlockAndApply(fx effects) {
	var snapshot Plan
	if fx.changed && e.onUpdate != nil {
		snapshot = e.plan.Clone()
	}
	e.mu.Unlock()

	for _, rec := range fx.records {
		e.sink.Record(rec)
		metrics.RecordsSunk.WithLabelValues(metrics.ChainLabel(rec.ChainID), string(rec.Kind)).Inc()
	}
	if fx.changed && e.onUpdate != nil {
		for _, p := range fx.passed {
			e.onUpdate(p)
		}
		e.onUpdate(snapshot)
	}
	if fx.dispatch != nil {
		e.dispatcher.Dispatch(fx.dispatch.ctx, fx.dispatch.ref, fx.dispatch.step, e)
	}
}
