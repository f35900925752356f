package planner

import (
	"github.com/ggonzalez94/vault-cli/internal/execution"
)

// DepositInput is one leg of a deposit: an amount of the vault token on one chain.
type DepositInput struct {
	ChainID int64  `json:"chain_id"`
	Amount  string `json:"amount"`
}

type WithdrawInput struct {
	ChainID int64  `json:"chain_id"`
	Amount  string `json:"amount"`
}

// BuildDepositPlan expands deposit legs into Approval/Deposit step pairs in input order.
// Amounts are not validated here; callers filter non-positive legs before planning.
func BuildDepositPlan(deposits []DepositInput) execution.Plan {
	plan := execution.NewPlan(execution.PlanKindDeposit)
	plan.Steps = make([]execution.Step, 0, 2*len(deposits))
	for _, deposit := range deposits {
		plan.Steps = append(plan.Steps,
			newStep(deposit.ChainID, execution.StepKindApproval, deposit.Amount),
			newStep(deposit.ChainID, execution.StepKindDeposit, deposit.Amount),
		)
	}
	return plan
}

// BuildWithdrawPlan returns a single-step plan.
func BuildWithdrawPlan(req WithdrawInput) execution.Plan {
	plan := execution.NewPlan(execution.PlanKindWithdraw)
	plan.Steps = append(plan.Steps, newStep(req.ChainID, execution.StepKindWithdraw, req.Amount))
	return plan
}

func newStep(chainID int64, kind execution.StepKind, amount string) execution.Step {
	return execution.Step{
		ChainID: chainID,
		Kind:    kind,
		Amount:  amount,
		Status:  execution.StepStatusPending,
	}
}
