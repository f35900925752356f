package execution

const (
	ProgressIdle       = "idle"
	ProgressInProgress = "in_progress"
	ProgressCompleted  = "completed"
	ProgressFailed     = "failed"
)

type ProgressStep struct {
	ChainID int64    `json:"chain_id"`
	Kind    StepKind `json:"kind"`
	Amount  string   `json:"amount"`
	Status  string   `json:"status"`
	TxHash  string   `json:"tx_hash,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// ProgressSnapshot is the display form of a plan. CurrentStep is 1-based.
type ProgressSnapshot struct {
	StatusLabel string         `json:"status"`
	CurrentStep int            `json:"current_step"`
	TotalSteps  int            `json:"total_steps"`
	Steps       []ProgressStep `json:"steps"`
}

// Project maps engine state to a snapshot. Wallet-side statuses collapse to in_progress.
func Project(steps []Step, flow FlowState, cursor int) ProgressSnapshot {
	total := len(steps)
	out := ProgressSnapshot{
		StatusLabel: projectFlow(flow),
		TotalSteps:  total,
		Steps:       make([]ProgressStep, 0, total),
	}
	if total > 0 {
		current := cursor + 1
		if current < 1 {
			current = 1
		}
		if current > total {
			current = total
		}
		out.CurrentStep = current
	}
	for _, step := range steps {
		out.Steps = append(out.Steps, ProgressStep{
			ChainID: step.ChainID,
			Kind:    step.Kind,
			Amount:  step.Amount,
			Status:  projectStatus(step.Status),
			TxHash:  step.TxHash,
			Error:   step.Error,
		})
	}
	return out
}

func projectFlow(flow FlowState) string {
	switch flow {
	case FlowExecuting:
		return ProgressInProgress
	case FlowCompleted:
		return ProgressCompleted
	case FlowFailed:
		return ProgressFailed
	default:
		return ProgressIdle
	}
}

func projectStatus(status StepStatus) string {
	if status.IsInFlight() {
		return ProgressInProgress
	}
	return string(status)
}
