package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ggonzalez94/vault-cli/internal/config"
	clierr "github.com/ggonzalez94/vault-cli/internal/errors"
	"github.com/ggonzalez94/vault-cli/internal/execution"
	"github.com/ggonzalez94/vault-cli/internal/execution/planner"
	execsigner "github.com/ggonzalez94/vault-cli/internal/execution/signer"
	"github.com/ggonzalez94/vault-cli/internal/id"
	"github.com/ggonzalez94/vault-cli/internal/logger"
	"github.com/ggonzalez94/vault-cli/internal/registry"
	"github.com/spf13/cobra"
)

type signerInputs struct {
	keySource  string
	privateKey string
	confirm    func(execsigner.Operation) error
}

type signerFactory func(settings config.Settings, in signerInputs, log logger.Logger) (execsigner.Signer, func(), error)

func newLocalEVMSigner(settings config.Settings, in signerInputs, log logger.Logger) (execsigner.Signer, func(), error) {
	key, err := execsigner.NewLocalSignerFromInputs(in.keySource, in.privateKey)
	if err != nil {
		return nil, nil, clierr.Wrap(clierr.CodeSigner, "initialize local signer", err)
	}
	log.Debug("Signing as %s (key from %s)", key.Address().Hex(), key.Source())
	evm := execsigner.NewEVMSigner(key, execsigner.EVMOptions{
		PollInterval:       settings.PollInterval,
		StepTimeout:        settings.StepTimeout,
		GasMultiplier:      settings.GasMultiplier,
		MaxFeeGwei:         settings.MaxFeeGwei,
		MaxPriorityFeeGwei: settings.MaxPriorityFeeGwei,
		RPCOverrides:       settings.RPCURLs,
		Confirm:            in.confirm,
		Logger:             log,
	})
	return evm, evm.Close, nil
}

// runFlags are shared by every command that signs transactions. Unset flags
// fall back to the loaded settings.
type runFlags struct {
	keySource          string
	privateKey         string
	pollInterval       string
	stepTimeout        string
	gasMultiplier      float64
	maxFeeGwei         string
	maxPriorityFeeGwei string
	autoRetry          int
	confirm            bool
}

func (f *runFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.keySource, "key-source", execsigner.KeySourceAuto, "Key source (auto|env|file|keystore)")
	cmd.Flags().StringVar(&f.privateKey, "private-key", "", "Private key hex override for local signer (less safe)")
	cmd.Flags().StringVar(&f.pollInterval, "poll-interval", "2s", "Receipt polling interval")
	cmd.Flags().StringVar(&f.stepTimeout, "step-timeout", "2m", "Per-step receipt timeout")
	cmd.Flags().Float64Var(&f.gasMultiplier, "gas-multiplier", 1.2, "Gas estimate safety multiplier")
	cmd.Flags().StringVar(&f.maxFeeGwei, "max-fee-gwei", "", "Optional EIP-1559 max fee (gwei)")
	cmd.Flags().StringVar(&f.maxPriorityFeeGwei, "max-priority-fee-gwei", "", "Optional EIP-1559 max priority fee (gwei)")
	cmd.Flags().IntVar(&f.autoRetry, "auto-retry", 0, "Retry failed steps for up to N rounds")
	cmd.Flags().BoolVar(&f.confirm, "confirm", false, "Ask on stdin before signing each transaction")
}

func (f runFlags) apply(cmd *cobra.Command, settings *config.Settings) error {
	flags := cmd.Flags()
	if flags.Changed("key-source") {
		settings.KeySource = strings.ToLower(strings.TrimSpace(f.keySource))
	}
	if flags.Changed("poll-interval") {
		d, err := time.ParseDuration(f.pollInterval)
		if err != nil || d <= 0 {
			return clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid --poll-interval %q", f.pollInterval))
		}
		settings.PollInterval = d
	}
	if flags.Changed("step-timeout") {
		d, err := time.ParseDuration(f.stepTimeout)
		if err != nil || d <= 0 {
			return clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid --step-timeout %q", f.stepTimeout))
		}
		settings.StepTimeout = d
	}
	if flags.Changed("gas-multiplier") {
		if f.gasMultiplier <= 1 {
			return clierr.New(clierr.CodeUsage, "--gas-multiplier must be > 1")
		}
		settings.GasMultiplier = f.gasMultiplier
	}
	if flags.Changed("max-fee-gwei") {
		if err := execsigner.ValidateGwei(f.maxFeeGwei); err != nil {
			return clierr.Wrap(clierr.CodeUsage, "parse --max-fee-gwei", err)
		}
		settings.MaxFeeGwei = f.maxFeeGwei
	}
	if flags.Changed("max-priority-fee-gwei") {
		if err := execsigner.ValidateGwei(f.maxPriorityFeeGwei); err != nil {
			return clierr.Wrap(clierr.CodeUsage, "parse --max-priority-fee-gwei", err)
		}
		settings.MaxPriorityFeeGwei = f.maxPriorityFeeGwei
	}
	if flags.Changed("auto-retry") {
		if f.autoRetry < 0 {
			return clierr.New(clierr.CodeUsage, "--auto-retry must be >= 0")
		}
		settings.AutoRetry = f.autoRetry
	}
	return nil
}

type runResult struct {
	PlanID    string                     `json:"plan_id"`
	Kind      execution.PlanKind         `json:"kind"`
	Signer    string                     `json:"signer"`
	FlowState execution.FlowState        `json:"flow_state"`
	Retries   int                        `json:"retries"`
	Progress  execution.ProgressSnapshot `json:"progress"`
	Steps     []execution.Step           `json:"steps"`
}

func newRunResult(plan execution.Plan, signerAddr string, retries int) runResult {
	return runResult{
		PlanID:    plan.ID,
		Kind:      plan.Kind,
		Signer:    signerAddr,
		FlowState: plan.FlowState,
		Retries:   retries,
		Progress:  execution.Project(plan.Steps, plan.FlowState, plan.Cursor),
		Steps:     plan.Steps,
	}
}

func (s *runtimeState) newDepositCommand() *cobra.Command {
	var legs []string
	var rf runFlags
	cmd := &cobra.Command{
		Use:     "deposit",
		Short:   "Approve and deposit the vault token on one or more chains",
		Example: "  vault deposit --leg sepolia:10 --leg sei-testnet:2.5",
		RunE: func(cmd *cobra.Command, _ []string) error {
			inputs, err := parseDepositLegs(legs)
			if err != nil {
				return err
			}
			return s.executePlan(cmd, planner.BuildDepositPlan(inputs), rf)
		},
	}
	cmd.Flags().StringArrayVar(&legs, "leg", nil, "Deposit leg as <chain>:<amount> (repeatable)")
	_ = cmd.MarkFlagRequired("leg")
	rf.bind(cmd)
	return cmd
}

func (s *runtimeState) newWithdrawCommand() *cobra.Command {
	var chainArg, amountArg string
	var rf runFlags
	cmd := &cobra.Command{
		Use:   "withdraw",
		Short: "Withdraw the vault token on one chain",
		RunE: func(cmd *cobra.Command, _ []string) error {
			chainID, amount, err := parseChainAmount(chainArg, amountArg)
			if err != nil {
				return err
			}
			plan := planner.BuildWithdrawPlan(planner.WithdrawInput{ChainID: chainID, Amount: amount})
			return s.executePlan(cmd, plan, rf)
		},
	}
	cmd.Flags().StringVar(&chainArg, "chain", "", "Chain slug, id or CAIP-2")
	cmd.Flags().StringVar(&amountArg, "amount", "", "Amount in token units (up to 6 decimals)")
	_ = cmd.MarkFlagRequired("chain")
	_ = cmd.MarkFlagRequired("amount")
	rf.bind(cmd)
	return cmd
}

// parseDepositLegs splits <chain>:<amount> on the last colon so CAIP-2 chains work.
func parseDepositLegs(raw []string) ([]planner.DepositInput, error) {
	if len(raw) == 0 {
		return nil, clierr.New(clierr.CodeUsage, "at least one --leg is required")
	}
	out := make([]planner.DepositInput, 0, len(raw))
	for _, item := range raw {
		item = strings.TrimSpace(item)
		idx := strings.LastIndex(item, ":")
		if idx <= 0 || idx == len(item)-1 {
			return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid --leg %q, expected <chain>:<amount>", item))
		}
		chainID, amount, err := parseChainAmount(item[:idx], item[idx+1:])
		if err != nil {
			return nil, err
		}
		out = append(out, planner.DepositInput{ChainID: chainID, Amount: amount})
	}
	return out, nil
}

func parseChainAmount(chainArg, amountArg string) (int64, string, error) {
	chain, err := registry.ResolveChain(chainArg)
	if err != nil {
		if _, ok := clierr.As(err); ok {
			return 0, "", err
		}
		return 0, "", clierr.Wrap(clierr.CodeUnsupported, "resolve chain", err)
	}
	amount := strings.TrimSpace(amountArg)
	if err := id.ValidatePositiveAmount(amount, registry.TokenDecimals); err != nil {
		return 0, "", err
	}
	return chain.ChainID, id.NormalizeDecimal(amount), nil
}

func (s *runtimeState) executePlan(cmd *cobra.Command, plan execution.Plan, rf runFlags) error {
	if err := rf.apply(cmd, &s.settings); err != nil {
		return err
	}
	in := signerInputs{keySource: s.settings.KeySource, privateKey: rf.privateKey}
	if rf.confirm {
		in.confirm = s.promptConfirm
	}
	txSigner, closeSigner, err := s.runner.newSigner(s.settings, in, s.log)
	if err != nil {
		return err
	}
	defer closeSigner()
	s.lastSigner = txSigner.Address().Hex()
	s.lastPlanID = plan.ID

	driver := execution.NewSignerDriver(txSigner, s.log)
	engine := execution.NewEngine(driver, execution.EngineOptions{
		Sink:         s.store,
		Logger:       s.log,
		TokenAddress: registry.TokenAddress,
		OnUpdate: func(p execution.Plan) {
			snap := execution.Project(p.Steps, p.FlowState, p.Cursor)
			s.log.Debug("Plan %s %s: step %d/%d", p.ID, snap.StatusLabel, snap.CurrentStep, snap.TotalSteps)
		},
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := engine.Start(plan); err != nil {
		return err
	}
	final, retries, err := s.awaitPlan(ctx, engine, s.settings.AutoRetry)
	if err != nil {
		engine.Cancel()
		driver.Drain()
		s.lastData = newRunResult(final, s.lastSigner, retries)
		return clierr.Wrap(clierr.CodeActionPlan, "plan interrupted", err)
	}
	driver.Drain()

	result := newRunResult(final, s.lastSigner, retries)
	if final.FlowState == execution.FlowFailed {
		s.lastData = result
		return planFailure(final)
	}
	return s.emitSuccess(trimRootPath(cmd.CommandPath()), result, nil)
}

// awaitPlan waits for the plan to settle, then retries its failed steps for up to
// rounds passes. A deposit is only retried once its approval has gone through.
func (s *runtimeState) awaitPlan(ctx context.Context, engine *execution.Engine, rounds int) (execution.Plan, int, error) {
	plan, err := engine.Wait(ctx)
	if err != nil {
		return plan, 0, err
	}
	retries := 0
	for round := 0; round < rounds && plan.FlowState == execution.FlowFailed; round++ {
		s.log.Notice("Retrying failed steps (round %d of %d)", round+1, rounds)
		for _, target := range failedTargets(plan) {
			current := engine.Plan()
			idx := firstFailed(current, target)
			if idx < 0 || approvalStillFailed(current, idx) {
				continue
			}
			if err := engine.Retry(target.ChainID, target.Kind); err != nil {
				return current, retries, err
			}
			retries++
			if plan, err = engine.Wait(ctx); err != nil {
				return plan, retries, err
			}
		}
		plan = engine.Plan()
	}
	return plan, retries, nil
}

type stepTarget struct {
	ChainID int64
	Kind    execution.StepKind
}

func failedTargets(plan execution.Plan) []stepTarget {
	var out []stepTarget
	for _, step := range plan.Steps {
		if step.Status == execution.StepStatusFailed {
			out = append(out, stepTarget{ChainID: step.ChainID, Kind: step.Kind})
		}
	}
	return out
}

func firstFailed(plan execution.Plan, target stepTarget) int {
	for i, step := range plan.Steps {
		if step.ChainID == target.ChainID && step.Kind == target.Kind && step.Status == execution.StepStatusFailed {
			return i
		}
	}
	return -1
}

func approvalStillFailed(plan execution.Plan, idx int) bool {
	step := plan.Steps[idx]
	if step.Kind != execution.StepKindDeposit || idx == 0 {
		return false
	}
	prev := plan.Steps[idx-1]
	return prev.Kind == execution.StepKindApproval && prev.ChainID == step.ChainID && prev.Status == execution.StepStatusFailed
}

// planFailure reports a failed plan with the code of its first failed step.
func planFailure(plan execution.Plan) error {
	failed := 0
	first := -1
	for i, step := range plan.Steps {
		if step.Status != execution.StepStatusFailed {
			continue
		}
		failed++
		if first < 0 {
			first = i
		}
	}
	if first < 0 {
		return clierr.New(clierr.CodeActionPlan, fmt.Sprintf("plan %s failed", plan.ID))
	}
	step := plan.Steps[first]
	code := step.ErrorCode
	if code == 0 {
		code = clierr.CodeActionPlan
	}
	return clierr.New(code, fmt.Sprintf("%d of %d steps failed; step %d (%s on chain %d): %s",
		failed, len(plan.Steps), first+1, step.Kind, step.ChainID, step.Error))
}

func (s *runtimeState) promptConfirm(op execsigner.Operation) error {
	chain, _ := registry.LookupChain(op.ChainID)
	_, _ = fmt.Fprintf(s.runner.stderr, "Sign %s of %s %s on %s? [y/N]: ", op.Kind, op.Amount, chain.TokenSymbol, chain.Name)
	line, err := s.runner.stdin.ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("read confirmation: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return nil
	default:
		return execsigner.ErrUserRejected
	}
}
