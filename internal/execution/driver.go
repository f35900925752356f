package execution

import (
	"context"
	"errors"
	"sync"

	"github.com/ggonzalez94/vault-cli/internal/execution/signer"
	"github.com/ggonzalez94/vault-cli/internal/logger"
	"github.com/ggonzalez94/vault-cli/internal/metrics"
)

// SignerDriver runs each dispatched step against a Signer in its own goroutine.
type SignerDriver struct {
	signer signer.Signer
	log    logger.Logger
	wg     sync.WaitGroup
}

var _ Dispatcher = (*SignerDriver)(nil)

func NewSignerDriver(s signer.Signer, log logger.Logger) *SignerDriver {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &SignerDriver{signer: s, log: log}
}

func (d *SignerDriver) Dispatch(ctx context.Context, ref StepRef, step Step, events Events) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(ctx, ref, step, events)
	}()
}

// Drain waits for every dispatched goroutine to return.
func (d *SignerDriver) Drain() {
	d.wg.Wait()
}

func (d *SignerDriver) run(ctx context.Context, ref StepRef, step Step, events Events) {
	if err := d.ensureNetwork(ctx, step.ChainID); err != nil {
		events.OnNetworkSwitchFailed(ref, err)
		return
	}
	events.OnNetworkSwitched(ref)
	if ctx.Err() != nil {
		return
	}

	txHash, err := d.signer.Submit(ctx, signer.Operation{
		ChainID: step.ChainID,
		Kind:    operationKind(step.Kind),
		Amount:  step.Amount,
	})
	if err != nil {
		events.OnSignatureRejected(ref, err)
		return
	}
	if txHash == "" {
		d.log.ErrorWithChain(step.ChainID, "Signer returned no transaction hash for %s", step.Kind)
		return
	}
	events.OnSignatureObtained(ref, txHash)

	if err := d.signer.WaitForConfirmation(ctx, step.ChainID, txHash); err != nil {
		events.OnConfirmationFailed(ref, err)
		return
	}
	events.OnConfirmed(ref)
}

// ensureNetwork switches the signer to chainID, adding the network first when the
// signer does not know it and is able to add it.
func (d *SignerDriver) ensureNetwork(ctx context.Context, chainID int64) error {
	if d.signer.ActiveChainID() == chainID {
		return nil
	}
	chain := metrics.ChainLabel(chainID)
	err := d.signer.SwitchNetwork(ctx, chainID)
	if err == nil {
		metrics.NetworkSwitches.WithLabelValues(chain, "switched").Inc()
		return nil
	}
	adder, ok := d.signer.(signer.NetworkAdder)
	if !errors.Is(err, signer.ErrUnrecognizedChain) || !ok {
		metrics.NetworkSwitches.WithLabelValues(chain, "failed").Inc()
		return err
	}
	d.log.InfoWithChain(chainID, "Network unknown to signer, adding it")
	if err := adder.AddNetwork(ctx, chainID); err != nil {
		metrics.NetworkSwitches.WithLabelValues(chain, "failed").Inc()
		return err
	}
	if err := d.signer.SwitchNetwork(ctx, chainID); err != nil {
		metrics.NetworkSwitches.WithLabelValues(chain, "failed").Inc()
		return err
	}
	metrics.NetworkSwitches.WithLabelValues(chain, "added").Inc()
	return nil
}

func operationKind(kind StepKind) signer.OperationKind {
	switch kind {
	case StepKindApproval:
		return signer.OperationApprove
	case StepKindDeposit:
		return signer.OperationDeposit
	default:
		return signer.OperationWithdraw
	}
}
