package signer

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	clierr "github.com/ggonzalez94/vault-cli/internal/errors"
	"github.com/ggonzalez94/vault-cli/internal/id"
)

var (
	fallbackTipCap  = big.NewInt(2_000_000_000)
	fallbackBaseFee = big.NewInt(1_000_000_000)
)

type feeSource interface {
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// feeQuote holds the EIP-1559 parameters for one transaction.
type feeQuote struct {
	Gas    uint64
	TipCap *big.Int
	FeeCap *big.Int
}

// quoteFees estimates gas for msg and prices it. User caps from opts replace the
// node's suggestions; without them the fee cap is twice the base fee plus the tip.
func quoteFees(ctx context.Context, client feeSource, msg ethereum.CallMsg, opts EVMOptions) (feeQuote, error) {
	estimate, err := client.EstimateGas(ctx, msg)
	if err != nil {
		return feeQuote{}, wrapEVMExecutionError(clierr.CodeSubmission, "estimate gas", err)
	}
	quote := feeQuote{Gas: uint64(float64(estimate) * opts.GasMultiplier)}

	userTip, err := gweiFlag("--max-priority-fee-gwei", opts.MaxPriorityFeeGwei)
	if err != nil {
		return feeQuote{}, err
	}
	userFee, err := gweiFlag("--max-fee-gwei", opts.MaxFeeGwei)
	if err != nil {
		return feeQuote{}, err
	}

	switch {
	case userTip != nil:
		quote.TipCap = userTip
	default:
		// Some L2 nodes do not implement eth_maxPriorityFeePerGas.
		quote.TipCap, err = client.SuggestGasTipCap(ctx)
		if err != nil || quote.TipCap == nil {
			quote.TipCap = new(big.Int).Set(fallbackTipCap)
		}
	}

	if userFee != nil {
		if userFee.Cmp(quote.TipCap) < 0 {
			return feeQuote{}, clierr.New(clierr.CodeUsage, "--max-fee-gwei must be >= --max-priority-fee-gwei")
		}
		quote.FeeCap = userFee
		return quote, nil
	}
	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return feeQuote{}, clierr.Wrap(clierr.CodeSubmission, "fetch latest header", err)
	}
	baseFee := fallbackBaseFee
	if header != nil && header.BaseFee != nil {
		baseFee = header.BaseFee
	}
	quote.FeeCap = new(big.Int).Add(new(big.Int).Lsh(baseFee, 1), quote.TipCap)
	return quote, nil
}

// gweiFlag returns nil when the flag is unset.
func gweiFlag(name, raw string) (*big.Int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	wei, err := gweiToWei(raw)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "parse "+name, err)
	}
	return wei, nil
}

// ValidateGwei reports whether raw is a usable gwei amount for the fee flags.
func ValidateGwei(raw string) error {
	_, err := gweiToWei(raw)
	return err
}

// gweiToWei accepts at most 9 decimals, one per order of magnitude down to wei.
func gweiToWei(raw string) (*big.Int, error) {
	wei, err := id.DecimalToBaseUnits(raw, 9)
	if err != nil {
		return nil, fmt.Errorf("invalid gwei value %q: %w", raw, err)
	}
	return wei, nil
}
