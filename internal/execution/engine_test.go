package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	clierr "github.com/ggonzalez94/vault-cli/internal/errors"
	"github.com/ggonzalez94/vault-cli/internal/execution/signer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	chainX = int64(11155111)
	chainY = int64(1328)
)

type dispatched struct {
	ctx  context.Context
	ref  StepRef
	step Step
}

// recordingDispatcher captures dispatches so tests drive events by hand.
type recordingDispatcher struct {
	mu    sync.Mutex
	calls []dispatched
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, ref StepRef, step Step, _ Events) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dispatched{ctx: ctx, ref: ref, step: step})
}

func (d *recordingDispatcher) last(t *testing.T) dispatched {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.calls, "expected a dispatch")
	return d.calls[len(d.calls)-1]
}

func (d *recordingDispatcher) lastRef() StepRef {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[len(d.calls)-1].ref
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func depositPlan(legs ...depositLeg) Plan {
	plan := NewPlan(PlanKindDeposit)
	for _, leg := range legs {
		plan.Steps = append(plan.Steps,
			Step{ChainID: leg.ChainID, Kind: StepKindApproval, Amount: leg.Amount, Status: StepStatusPending},
			Step{ChainID: leg.ChainID, Kind: StepKindDeposit, Amount: leg.Amount, Status: StepStatusPending},
		)
	}
	return plan
}

type depositLeg struct {
	ChainID int64
	Amount  string
}

func newTestEngine(t *testing.T) (*Engine, *recordingDispatcher, *MemorySink) {
	t.Helper()
	d := &recordingDispatcher{}
	sink := NewMemorySink(0)
	e := NewEngine(d, EngineOptions{
		Sink:         sink,
		TokenAddress: func(chainID int64) string { return fmt.Sprintf("token-%d", chainID) },
	})
	return e, d, sink
}

// confirm drives the in-flight step through a successful round trip.
func confirm(e *Engine, ref StepRef, hash string) {
	e.OnNetworkSwitched(ref)
	e.OnSignatureObtained(ref, hash)
	e.OnConfirmed(ref)
}

func TestScenarioSingleDeposit(t *testing.T) {
	e, d, sink := newTestEngine(t)
	require.NoError(t, e.Start(depositPlan(depositLeg{chainX, "10"})))

	plan := e.Plan()
	assert.Equal(t, FlowExecuting, plan.FlowState)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, StepKindApproval, plan.Steps[0].Kind)
	assert.Equal(t, StepKindDeposit, plan.Steps[1].Kind)

	first := d.last(t)
	assert.Equal(t, 0, first.ref.Index)
	confirm(e, first.ref, "0xa1")
	second := d.last(t)
	assert.Equal(t, 1, second.ref.Index)
	confirm(e, second.ref, "0xa2")

	plan = e.Plan()
	assert.Equal(t, FlowCompleted, plan.FlowState)
	assert.Equal(t, 2, plan.Cursor)
	records := sink.Records()
	require.Len(t, records, 2)
	assert.Equal(t, StepKindDeposit, records[0].Kind)
	assert.Equal(t, "0xa2", records[0].TxHash)
	assert.Equal(t, "token-11155111", records[0].Token)
	assert.Equal(t, plan.ID, records[1].PlanID)
}

func TestScenarioBatchDepositApprovalRejected(t *testing.T) {
	e, d, sink := newTestEngine(t)
	require.NoError(t, e.Start(depositPlan(depositLeg{chainX, "5"}, depositLeg{chainY, "3"})))

	confirm(e, d.last(t).ref, "0x1")
	confirm(e, d.last(t).ref, "0x2")

	approvalY := d.last(t)
	assert.Equal(t, 2, approvalY.ref.Index)
	e.OnNetworkSwitched(approvalY.ref)
	e.OnSignatureRejected(approvalY.ref, clierr.Wrap(clierr.CodeRejected, "declined", signer.ErrUserRejected))

	plan := e.Plan()
	assert.Equal(t, FlowFailed, plan.FlowState)
	assert.Equal(t, StepStatusCompleted, plan.Steps[0].Status)
	assert.Equal(t, StepStatusCompleted, plan.Steps[1].Status)
	assert.Equal(t, StepStatusFailed, plan.Steps[2].Status)
	assert.Equal(t, clierr.CodeRejected, plan.Steps[2].ErrorCode)
	assert.Equal(t, StepStatusFailed, plan.Steps[3].Status)
	assert.Equal(t, 0, plan.Steps[3].Attempts, "skipped deposit must never be attempted")
	assert.Equal(t, 4, plan.Cursor)
	assert.Equal(t, 3, d.count())
	assert.Len(t, sink.Records(), 2)
}

func TestScenarioWithdraw(t *testing.T) {
	e, d, sink := newTestEngine(t)
	plan := NewPlan(PlanKindWithdraw)
	plan.Steps = []Step{{ChainID: chainX, Kind: StepKindWithdraw, Amount: "7", Status: StepStatusPending}}
	require.NoError(t, e.Start(plan))

	ref := d.last(t).ref
	e.OnNetworkSwitched(ref)
	e.OnSignatureObtained(ref, "0xw")
	assert.Empty(t, sink.Records(), "record must not be emitted before confirmation")
	assert.Equal(t, StepStatusConfirming, e.Plan().Steps[0].Status)
	e.OnConfirmed(ref)

	records := sink.Records()
	require.Len(t, records, 1)
	assert.Equal(t, StepKindWithdraw, records[0].Kind)
	assert.Equal(t, StepStatusCompleted, records[0].Status)
	assert.Equal(t, FlowCompleted, e.Plan().FlowState)
}

func TestScenarioRetryAfterRejectedApproval(t *testing.T) {
	e, d, sink := newTestEngine(t)
	require.NoError(t, e.Start(depositPlan(depositLeg{chainX, "5"}, depositLeg{chainY, "3"})))
	confirm(e, d.last(t).ref, "0x1")
	confirm(e, d.last(t).ref, "0x2")
	ref := d.last(t).ref
	e.OnNetworkSwitched(ref)
	e.OnSignatureRejected(ref, signer.ErrUserRejected)
	require.Equal(t, FlowFailed, e.Plan().FlowState)

	require.NoError(t, e.Retry(chainY, StepKindApproval))
	plan := e.Plan()
	assert.Equal(t, FlowExecuting, plan.FlowState)
	assert.Equal(t, 2, plan.Cursor)
	assert.Equal(t, StepStatusPending, plan.Steps[2].Status)
	assert.Equal(t, StepStatusFailed, plan.Steps[3].Status, "paired deposit stays failed")
	retried := d.last(t)
	assert.Equal(t, 2, retried.ref.Index)
	assert.Equal(t, 4, d.count(), "chain X steps are not re-executed")

	confirm(e, retried.ref, "0x3")
	plan = e.Plan()
	assert.Equal(t, FlowFailed, plan.FlowState)
	assert.Equal(t, StepStatusCompleted, plan.Steps[2].Status)
	assert.Equal(t, 2, plan.Steps[2].Attempts)

	require.NoError(t, e.Retry(chainY, StepKindDeposit))
	confirm(e, d.last(t).ref, "0x4")
	assert.Equal(t, FlowCompleted, e.Plan().FlowState)
	assert.Len(t, sink.Records(), 4)
}

func TestNetworkSwitchFailureSkipsPair(t *testing.T) {
	e, d, _ := newTestEngine(t)
	require.NoError(t, e.Start(depositPlan(depositLeg{chainY, "1"}, depositLeg{chainX, "2"})))
	e.OnNetworkSwitchFailed(d.last(t).ref, errors.New("chain not supported by wallet"))

	plan := e.Plan()
	assert.Equal(t, StepStatusFailed, plan.Steps[0].Status)
	assert.Equal(t, clierr.CodeNetworkSwitch, plan.Steps[0].ErrorCode)
	assert.Equal(t, StepStatusFailed, plan.Steps[1].Status)
	assert.Equal(t, 2, plan.Cursor)
	next := d.last(t)
	assert.Equal(t, 2, next.ref.Index)
	assert.Equal(t, chainX, next.step.ChainID)
}

func TestConfirmationFailureOnDepositAdvancesByOne(t *testing.T) {
	e, d, sink := newTestEngine(t)
	require.NoError(t, e.Start(depositPlan(depositLeg{chainX, "1"}, depositLeg{chainY, "2"})))
	confirm(e, d.last(t).ref, "0x1")
	ref := d.last(t).ref
	e.OnNetworkSwitched(ref)
	e.OnSignatureObtained(ref, "0x2")
	e.OnConfirmationFailed(ref, errors.New("transaction reverted"))

	plan := e.Plan()
	assert.Equal(t, StepStatusFailed, plan.Steps[1].Status)
	assert.Equal(t, clierr.CodeConfirmation, plan.Steps[1].ErrorCode)
	assert.Equal(t, "0x2", plan.Steps[1].TxHash)
	assert.Equal(t, 2, plan.Cursor)
	assert.Equal(t, StepStatusPending, plan.Steps[2].Status)
	assert.Len(t, sink.Records(), 1)
}

func TestSubmissionFailureKeepsTypedCode(t *testing.T) {
	e, d, _ := newTestEngine(t)
	plan := NewPlan(PlanKindWithdraw)
	plan.Steps = []Step{{ChainID: chainX, Kind: StepKindWithdraw, Amount: "1", Status: StepStatusPending}}
	require.NoError(t, e.Start(plan))
	ref := d.last(t).ref
	e.OnNetworkSwitched(ref)
	e.OnSignatureRejected(ref, errors.New("insufficient funds for gas"))
	got := e.Plan()
	assert.Equal(t, clierr.CodeSubmission, got.Steps[0].ErrorCode)
	assert.Equal(t, FlowFailed, got.FlowState)
}

func TestCursorIncreasesByOneOrTwo(t *testing.T) {
	var (
		mu      sync.Mutex
		cursors []int
	)
	d := &recordingDispatcher{}
	e := NewEngine(d, EngineOptions{OnUpdate: func(p Plan) {
		if p.FlowState != FlowExecuting {
			return
		}
		mu.Lock()
		cursors = append(cursors, p.Cursor)
		mu.Unlock()
	}})
	require.NoError(t, e.Start(depositPlan(depositLeg{chainX, "1"}, depositLeg{chainY, "2"}, depositLeg{chainX, "3"})))
	confirm(e, d.last(t).ref, "0x1")
	ref := d.last(t).ref
	e.OnNetworkSwitched(ref)
	e.OnSignatureRejected(ref, errors.New("boom"))
	ref = d.last(t).ref
	e.OnNetworkSwitchFailed(ref, errors.New("no"))
	confirm(e, d.last(t).ref, "0x4")
	confirm(e, d.last(t).ref, "0x5")

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(cursors); i++ {
		delta := cursors[i] - cursors[i-1]
		assert.GreaterOrEqual(t, delta, 0, "cursor must never decrease while executing")
		assert.LessOrEqual(t, delta, 2)
	}
	assert.Equal(t, FlowFailed, e.Plan().FlowState)
}

func TestCursorPassesSettledStepsOneAtATimeAfterRetry(t *testing.T) {
	var (
		mu      sync.Mutex
		cursors []int
	)
	d := &recordingDispatcher{}
	e := NewEngine(d, EngineOptions{OnUpdate: func(p Plan) {
		if p.FlowState != FlowExecuting {
			return
		}
		mu.Lock()
		cursors = append(cursors, p.Cursor)
		mu.Unlock()
	}})
	require.NoError(t, e.Start(depositPlan(depositLeg{chainX, "1"}, depositLeg{chainY, "2"}, depositLeg{chainX, "3"})))
	confirm(e, d.last(t).ref, "0x1")
	confirm(e, d.last(t).ref, "0x2")
	approvalY := d.last(t).ref
	e.OnNetworkSwitched(approvalY)
	e.OnSignatureRejected(approvalY, errors.New("declined"))
	confirm(e, d.last(t).ref, "0x5")
	confirm(e, d.last(t).ref, "0x6")
	require.Equal(t, FlowFailed, e.Plan().FlowState)

	mu.Lock()
	cursors = nil
	mu.Unlock()
	require.NoError(t, e.Retry(chainY, StepKindApproval))
	confirm(e, d.last(t).ref, "0x3")

	// The paired deposit stays failed, so the cursor walks 2 -> 3 -> 4 -> 5 and then finalizes.
	plan := e.Plan()
	assert.Equal(t, FlowFailed, plan.FlowState)
	assert.Equal(t, 6, plan.Cursor)
	assert.Equal(t, StepStatusFailed, plan.Steps[3].Status)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, cursors)
	assert.Equal(t, 2, cursors[0])
	assert.Equal(t, 5, cursors[len(cursors)-1])
	for i := 1; i < len(cursors); i++ {
		delta := cursors[i] - cursors[i-1]
		assert.GreaterOrEqual(t, delta, 0)
		assert.LessOrEqual(t, delta, 2, "cursor jumped from %d to %d", cursors[i-1], cursors[i])
	}
}

func TestStepErrorCodesStayInFailureTaxonomy(t *testing.T) {
	e, d, _ := newTestEngine(t)
	require.NoError(t, e.Start(depositPlan(depositLeg{chainX, "1"}, depositLeg{chainY, "2"})))

	approvalX := d.last(t).ref
	e.OnNetworkSwitched(approvalX)
	e.OnSignatureRejected(approvalX, clierr.New(clierr.CodeUsage, "amount must be greater than zero"))

	approvalY := d.last(t).ref
	e.OnNetworkSwitched(approvalY)
	e.OnSignatureObtained(approvalY, "0x3")
	e.OnConfirmationFailed(approvalY, clierr.New(clierr.CodeActionTimeout, "timed out"))

	plan := e.Plan()
	assert.Equal(t, clierr.CodeSubmission, plan.Steps[0].ErrorCode)
	assert.Equal(t, clierr.CodeSubmission, plan.Steps[1].ErrorCode)
	assert.Equal(t, clierr.CodeConfirmation, plan.Steps[2].ErrorCode)
	assert.Equal(t, clierr.CodeConfirmation, plan.Steps[3].ErrorCode)
}

func TestRetryOnNonFailedStepIsRejected(t *testing.T) {
	e, d, _ := newTestEngine(t)
	require.NoError(t, e.Start(depositPlan(depositLeg{chainX, "1"})))
	confirm(e, d.last(t).ref, "0x1")
	before := e.Plan()

	err := e.Retry(chainX, StepKindApproval)
	require.Error(t, err)
	assert.Equal(t, clierr.CodeInvariant, clierr.CodeOf(err, clierr.CodeInternal))
	err = e.Retry(chainY, StepKindApproval)
	assert.Equal(t, clierr.CodeInvariant, clierr.CodeOf(err, clierr.CodeInternal))
	assert.Equal(t, before, e.Plan())
}

func TestRetryWhileInFlightIsRejected(t *testing.T) {
	e, d, _ := newTestEngine(t)
	require.NoError(t, e.Start(depositPlan(depositLeg{chainX, "1"}, depositLeg{chainY, "2"})))
	ref := d.last(t).ref
	e.OnNetworkSwitchFailed(ref, errors.New("no"))
	before := e.Plan()
	require.Equal(t, StepStatusFailed, before.Steps[0].Status)

	err := e.Retry(chainX, StepKindApproval)
	assert.Equal(t, clierr.CodeInvariant, clierr.CodeOf(err, clierr.CodeInternal))
	assert.Equal(t, before, e.Plan())
}

func TestStartWhileExecutingIsRejected(t *testing.T) {
	e, _, _ := newTestEngine(t)
	require.NoError(t, e.Start(depositPlan(depositLeg{chainX, "1"})))
	before := e.Plan()
	err := e.Start(depositPlan(depositLeg{chainY, "1"}))
	assert.Equal(t, clierr.CodeInvariant, clierr.CodeOf(err, clierr.CodeInternal))
	assert.Equal(t, before, e.Plan())

	err = NewEngine(&recordingDispatcher{}, EngineOptions{}).Start(NewPlan(PlanKindDeposit))
	assert.Equal(t, clierr.CodeUsage, clierr.CodeOf(err, clierr.CodeInternal))
}

func TestCancelFromAnyState(t *testing.T) {
	states := map[string]func(e *Engine, d *recordingDispatcher){
		"idle": func(*Engine, *recordingDispatcher) {},
		"executing": func(e *Engine, _ *recordingDispatcher) {
			_ = e.Start(depositPlan(depositLeg{chainX, "1"}))
		},
		"completed": func(e *Engine, d *recordingDispatcher) {
			_ = e.Start(depositPlan(depositLeg{chainX, "1"}))
			confirm(e, d.calls[0].ref, "0x1")
			confirm(e, d.calls[1].ref, "0x2")
		},
		"failed": func(e *Engine, d *recordingDispatcher) {
			_ = e.Start(depositPlan(depositLeg{chainX, "1"}))
			e.OnNetworkSwitchFailed(d.calls[0].ref, errors.New("no"))
		},
	}
	discards := map[string]func(e *Engine){
		"cancel":      (*Engine).Cancel,
		"reset":       (*Engine).Reset,
		"force reset": (*Engine).ForceReset,
	}
	for op, discard := range discards {
		for name, setup := range states {
			t.Run(op+"/"+name, func(t *testing.T) {
				e, d, _ := newTestEngine(t)
				setup(e, d)
				discard(e)
				plan := e.Plan()
				assert.Equal(t, FlowIdle, plan.FlowState)
				assert.Empty(t, plan.Steps)
				assert.Equal(t, 0, plan.Cursor)
				if d.count() > 0 {
					assert.Error(t, d.last(t).ctx.Err(), "discarding must cancel signer calls")
				}
			})
		}
	}
}

func TestForceResetMidStepAllowsNewPlan(t *testing.T) {
	e, d, sink := newTestEngine(t)
	require.NoError(t, e.Start(depositPlan(depositLeg{chainX, "1"})))
	stuck := d.last(t)
	e.OnNetworkSwitched(stuck.ref)

	e.ForceReset()
	e.OnSignatureObtained(stuck.ref, "0xlate")
	e.OnConfirmed(stuck.ref)
	assert.Empty(t, sink.Records())

	require.NoError(t, e.Start(depositPlan(depositLeg{chainY, "2"})))
	assert.Equal(t, chainY, d.last(t).step.ChainID)
	assert.Equal(t, FlowExecuting, e.Plan().FlowState)
}

func TestCancelIgnoresLateEvents(t *testing.T) {
	e, d, sink := newTestEngine(t)
	require.NoError(t, e.Start(depositPlan(depositLeg{chainX, "1"})))
	inFlight := d.last(t)
	e.OnNetworkSwitched(inFlight.ref)
	e.OnSignatureObtained(inFlight.ref, "0x1")

	e.Cancel()
	assert.ErrorIs(t, inFlight.ctx.Err(), context.Canceled)
	e.OnConfirmed(inFlight.ref)

	assert.Empty(t, sink.Records())
	assert.Equal(t, FlowIdle, e.Plan().FlowState)
	assert.Equal(t, 1, d.count())

	// A replacement plan must not accept events addressed to the old one.
	require.NoError(t, e.Start(depositPlan(depositLeg{chainX, "1"})))
	e.OnNetworkSwitched(inFlight.ref)
	assert.Equal(t, StepStatusPending, e.Plan().Steps[0].Status)
}

func TestEventsOutOfOrderAreIgnored(t *testing.T) {
	e, d, sink := newTestEngine(t)
	require.NoError(t, e.Start(depositPlan(depositLeg{chainX, "1"})))
	ref := d.last(t).ref

	e.OnConfirmed(ref)
	e.OnSignatureObtained(ref, "0x1")
	assert.Equal(t, StepStatusPending, e.Plan().Steps[0].Status)

	e.OnNetworkSwitched(ref)
	e.OnSignatureObtained(ref, "")
	assert.Equal(t, StepStatusAwaitingSignature, e.Plan().Steps[0].Status, "empty hash is a no-op")
	e.OnSignatureObtained(StepRef{PlanID: ref.PlanID, Index: 1}, "0x1")
	assert.Equal(t, StepStatusAwaitingSignature, e.Plan().Steps[0].Status)
	assert.Empty(t, sink.Records())
}

func TestRecordEmittedOncePerCompletedStep(t *testing.T) {
	e, d, sink := newTestEngine(t)
	require.NoError(t, e.Start(depositPlan(depositLeg{chainX, "1"})))
	ref := d.last(t).ref
	confirm(e, ref, "0x1")
	e.OnConfirmed(ref)
	e.OnConfirmed(ref)
	assert.Len(t, sink.Records(), 1)
}

func TestStartReplacesFinishedPlan(t *testing.T) {
	e, d, _ := newTestEngine(t)
	require.NoError(t, e.Start(depositPlan(depositLeg{chainX, "1"})))
	e.OnNetworkSwitchFailed(d.last(t).ref, errors.New("no"))
	require.Equal(t, FlowFailed, e.Plan().FlowState)

	next := depositPlan(depositLeg{chainY, "4"})
	require.NoError(t, e.Start(next))
	plan := e.Plan()
	assert.Equal(t, next.ID, plan.ID)
	assert.Equal(t, FlowExecuting, plan.FlowState)
	assert.Equal(t, chainY, d.last(t).step.ChainID)
}

func TestWaitReturnsWhenPlanFinishes(t *testing.T) {
	e, d, _ := newTestEngine(t)
	require.NoError(t, e.Start(depositPlan(depositLeg{chainX, "1"})))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := e.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	go func() {
		confirm(e, d.lastRef(), "0x1")
		confirm(e, d.lastRef(), "0x2")
	}()
	plan, err := e.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FlowCompleted, plan.FlowState)
}

func TestSnapshotIsStable(t *testing.T) {
	e, d, _ := newTestEngine(t)
	require.NoError(t, e.Start(depositPlan(depositLeg{chainX, "1"})))
	e.OnNetworkSwitched(d.last(t).ref)
	first := e.Snapshot()
	assert.Equal(t, first, e.Snapshot())
	assert.Equal(t, ProgressInProgress, first.StatusLabel)
	assert.Equal(t, 1, first.CurrentStep)
	assert.Equal(t, ProgressInProgress, first.Steps[0].Status)
}
