package execution

import (
	"time"

	"github.com/google/uuid"
)

func NewPlanID() string {
	return "plan_" + uuid.NewString()
}

// NewPlan returns an idle plan with no steps.
func NewPlan(kind PlanKind) Plan {
	now := time.Now().UTC()
	return Plan{
		ID:        NewPlanID(),
		Kind:      kind,
		Steps:     []Step{},
		FlowState: FlowIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
