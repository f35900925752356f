package execution

import (
	"time"

	clierr "github.com/ggonzalez94/vault-cli/internal/errors"
)

type StepKind string

type StepStatus string

type FlowState string

type PlanKind string

const (
	StepKindApproval StepKind = "approval"
	StepKindDeposit  StepKind = "deposit"
	StepKindWithdraw StepKind = "withdraw"
)

const (
	StepStatusPending           StepStatus = "pending"
	StepStatusAwaitingSignature StepStatus = "awaiting_signature"
	StepStatusConfirming        StepStatus = "confirming"
	StepStatusCompleted         StepStatus = "completed"
	StepStatusFailed            StepStatus = "failed"
)

const (
	FlowIdle      FlowState = "idle"
	FlowExecuting FlowState = "executing"
	FlowCompleted FlowState = "completed"
	FlowFailed    FlowState = "failed"
)

const (
	PlanKindDeposit  PlanKind = "deposit"
	PlanKindWithdraw PlanKind = "withdraw"
)

// IsTerminal reports whether no further transition can happen without a retry.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed
}

// IsInFlight reports whether the step is waiting on the external signer.
func (s StepStatus) IsInFlight() bool {
	return s == StepStatusAwaitingSignature || s == StepStatusConfirming
}

func (f FlowState) IsTerminal() bool {
	return f == FlowCompleted || f == FlowFailed
}

type Step struct {
	ChainID   int64       `json:"chain_id"`
	Kind      StepKind    `json:"kind"`
	Amount    string      `json:"amount"`
	Status    StepStatus  `json:"status"`
	TxHash    string      `json:"tx_hash,omitempty"`
	Error     string      `json:"error,omitempty"`
	ErrorCode clierr.Code `json:"error_code,omitempty"`
	Attempts  int         `json:"attempts,omitempty"`
}

type Plan struct {
	ID        string    `json:"plan_id"`
	Kind      PlanKind  `json:"kind"`
	Steps     []Step    `json:"steps"`
	Cursor    int       `json:"cursor"`
	FlowState FlowState `json:"flow_state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy safe to hand out of the engine lock.
func (p Plan) Clone() Plan {
	out := p
	out.Steps = append([]Step(nil), p.Steps...)
	return out
}

// Failed reports whether any step is in the failed status.
func (p Plan) Failed() bool {
	for _, step := range p.Steps {
		if step.Status == StepStatusFailed {
			return true
		}
	}
	return false
}

// StepRef addresses one step of one plan. Events carrying a stale ref are ignored.
type StepRef struct {
	PlanID string `json:"plan_id"`
	Index  int    `json:"index"`
}

// ConfirmedOperationRecord is handed to the history sink once a step completes.
type ConfirmedOperationRecord struct {
	ID        string     `json:"id"`
	PlanID    string     `json:"plan_id"`
	ChainID   int64      `json:"chain_id"`
	Kind      StepKind   `json:"kind"`
	TxHash    string     `json:"tx_hash"`
	Amount    string     `json:"amount"`
	Token     string     `json:"token"`
	Timestamp time.Time  `json:"timestamp"`
	Status    StepStatus `json:"status"`
}
