package signer

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type OperationKind string

const (
	OperationApprove  OperationKind = "approve"
	OperationDeposit  OperationKind = "deposit"
	OperationWithdraw OperationKind = "withdraw"
)

var (
	// ErrUnrecognizedChain is returned by SwitchNetwork when the signer has no
	// session for the chain yet. Callers that can add networks retry after AddNetwork.
	ErrUnrecognizedChain = errors.New("unrecognized chain")
	// ErrUserRejected marks a request the signing party declined.
	ErrUserRejected = errors.New("user rejected the request")
)

// Operation is a vault call to sign. Amount is a token-denominated decimal string.
type Operation struct {
	ChainID int64         `json:"chain_id"`
	Kind    OperationKind `json:"kind"`
	Amount  string        `json:"amount"`
}

// TxSigner signs raw transactions with a single key.
type TxSigner interface {
	Address() common.Address
	SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error)
}

// Signer is the wallet/provider boundary. Calls may block for as long as the
// signing party takes; cancellation flows through ctx.
type Signer interface {
	Address() common.Address
	ActiveChainID() int64
	SwitchNetwork(ctx context.Context, chainID int64) error
	Submit(ctx context.Context, op Operation) (string, error)
	WaitForConfirmation(ctx context.Context, chainID int64, txHash string) error
}

// NetworkAdder is implemented by signers that can register a chain they do not know yet.
type NetworkAdder interface {
	AddNetwork(ctx context.Context, chainID int64) error
}
