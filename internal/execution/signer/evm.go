package signer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	clierr "github.com/ggonzalez94/vault-cli/internal/errors"
	"github.com/ggonzalez94/vault-cli/internal/id"
	"github.com/ggonzalez94/vault-cli/internal/logger"
	"github.com/ggonzalez94/vault-cli/internal/registry"
)

// chainClient is the subset of *ethclient.Client the signer needs.
type chainClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

type dialFunc func(ctx context.Context, rpcURL string) (chainClient, error)

func dialEthclient(ctx context.Context, rpcURL string) (chainClient, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	return client, nil
}

type EVMOptions struct {
	PollInterval       time.Duration
	StepTimeout        time.Duration
	GasMultiplier      float64
	MaxFeeGwei         string
	MaxPriorityFeeGwei string
	// RPCOverrides replaces the registry endpoint per chain id.
	RPCOverrides map[int64]string
	// Confirm is asked before each transaction is signed. Returning an error rejects it.
	Confirm func(Operation) error
	Logger  logger.Logger
}

func DefaultEVMOptions() EVMOptions {
	return EVMOptions{
		PollInterval:  2 * time.Second,
		StepTimeout:   2 * time.Minute,
		GasMultiplier: 1.2,
	}
}

// EVMSigner signs vault operations with a local key and sends them over JSON-RPC.
// Networks are added lazily: switching to a chain with no session reports
// ErrUnrecognizedChain until AddNetwork has dialed it.
type EVMSigner struct {
	key  TxSigner
	opts EVMOptions
	dial dialFunc
	log  logger.Logger

	mu      sync.Mutex
	clients map[int64]chainClient
	active  int64
}

var (
	_ Signer       = (*EVMSigner)(nil)
	_ NetworkAdder = (*EVMSigner)(nil)
)

func NewEVMSigner(key TxSigner, opts EVMOptions) *EVMSigner {
	defaults := DefaultEVMOptions()
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaults.PollInterval
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = defaults.StepTimeout
	}
	if opts.GasMultiplier <= 1 {
		opts.GasMultiplier = defaults.GasMultiplier
	}
	log := opts.Logger
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &EVMSigner{
		key:     key,
		opts:    opts,
		dial:    dialEthclient,
		log:     log,
		clients: map[int64]chainClient{},
	}
}

func (s *EVMSigner) Address() common.Address {
	return s.key.Address()
}

func (s *EVMSigner) ActiveChainID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *EVMSigner) SwitchNetwork(ctx context.Context, chainID int64) error {
	if err := ctx.Err(); err != nil {
		return clierr.Wrap(clierr.CodeNetworkSwitch, "switch network", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[chainID]; !ok {
		return clierr.Wrap(clierr.CodeNetworkSwitch, fmt.Sprintf("switch to chain %d", chainID), ErrUnrecognizedChain)
	}
	s.active = chainID
	s.log.DebugWithChain(chainID, "Active network switched")
	return nil
}

// AddNetwork dials the chain's RPC endpoint and checks it serves the expected chain id.
func (s *EVMSigner) AddNetwork(ctx context.Context, chainID int64) error {
	if _, ok := registry.LookupChain(chainID); !ok {
		return clierr.New(clierr.CodeNetworkSwitch, fmt.Sprintf("vault is not deployed on chain %d", chainID))
	}
	rpcURL, err := registry.ResolveRPCURL(s.opts.RPCOverrides[chainID], chainID)
	if err != nil {
		return clierr.Wrap(clierr.CodeNetworkSwitch, "resolve rpc url", err)
	}
	client, err := s.dial(ctx, rpcURL)
	if err != nil {
		return clierr.Wrap(clierr.CodeNetworkSwitch, "connect rpc", err)
	}
	remote, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return clierr.Wrap(clierr.CodeNetworkSwitch, "read chain id", err)
	}
	if remote.Int64() != chainID {
		client.Close()
		return clierr.New(clierr.CodeNetworkSwitch, fmt.Sprintf("rpc %s serves chain %d, expected %d", rpcURL, remote.Int64(), chainID))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if previous, ok := s.clients[chainID]; ok {
		previous.Close()
	}
	s.clients[chainID] = client
	s.log.InfoWithChain(chainID, "Network added via %s", rpcURL)
	return nil
}

// Submit signs and broadcasts op on the active network and returns the tx hash.
func (s *EVMSigner) Submit(ctx context.Context, op Operation) (string, error) {
	client, err := s.activeClient(op.ChainID)
	if err != nil {
		return "", err
	}
	chain, ok := registry.LookupChain(op.ChainID)
	if !ok {
		return "", clierr.New(clierr.CodeSubmission, fmt.Sprintf("vault is not deployed on chain %d", op.ChainID))
	}
	amount, err := id.DecimalToBaseUnits(op.Amount, chain.TokenDecimals)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeSubmission, "convert amount", err)
	}
	call, err := buildVaultCall(chain, op, amount)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeSubmission, "build vault call", err)
	}
	if err := validateVaultCall(chain, op, amount, call); err != nil {
		return "", clierr.Wrap(clierr.CodeSubmission, "validate vault call", err)
	}
	if s.opts.Confirm != nil {
		if err := s.opts.Confirm(op); err != nil {
			if errors.Is(err, ErrUserRejected) {
				return "", clierr.Wrap(clierr.CodeRejected, "transaction not approved", err)
			}
			return "", clierr.Wrap(clierr.CodeRejected, "transaction not approved", fmt.Errorf("%w: %v", ErrUserRejected, err))
		}
	}

	from := s.key.Address()
	msg := ethereum.CallMsg{From: from, To: &call.To, Value: big.NewInt(0), Data: call.Data}
	quote, err := quoteFees(ctx, client, msg, s.opts)
	if err != nil {
		return "", err
	}
	chainID := big.NewInt(op.ChainID)
	unlock := acquireSignerNonceLock(chainID, from)
	defer unlock()
	nonce, err := client.PendingNonceAt(ctx, from)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeSubmission, "fetch nonce", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: quote.TipCap,
		GasFeeCap: quote.FeeCap,
		Gas:       quote.Gas,
		To:        &call.To,
		Value:     big.NewInt(0),
		Data:      call.Data,
	})
	signed, err := s.key.SignTx(chainID, tx)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeSigner, "sign transaction", err)
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		return "", wrapEVMExecutionError(clierr.CodeSubmission, "broadcast transaction", err)
	}
	hash := signed.Hash().Hex()
	s.log.InfoWithChain(op.ChainID, "%s %s submitted: %s", op.Kind, op.Amount, hash)
	return hash, nil
}

// WaitForConfirmation polls for the receipt until it lands, reverts or StepTimeout elapses.
func (s *EVMSigner) WaitForConfirmation(ctx context.Context, chainID int64, txHash string) error {
	s.mu.Lock()
	client, ok := s.clients[chainID]
	s.mu.Unlock()
	if !ok {
		return clierr.Wrap(clierr.CodeConfirmation, fmt.Sprintf("wait on chain %d", chainID), ErrUnrecognizedChain)
	}
	hash, ok := normalizeTxHash(txHash)
	if !ok {
		return clierr.New(clierr.CodeConfirmation, fmt.Sprintf("invalid transaction hash %q", txHash))
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.opts.StepTimeout)
	defer cancel()
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := client.TransactionReceipt(waitCtx, hash)
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusSuccessful {
				s.log.DebugWithChain(chainID, "Receipt confirmed in block %s", receipt.BlockNumber)
				return nil
			}
			return clierr.New(clierr.CodeConfirmation, "transaction reverted on-chain")
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			s.log.DebugWithChain(chainID, "Receipt poll failed: %v", err)
		}
		select {
		case <-waitCtx.Done():
			return clierr.Wrap(clierr.CodeConfirmation, "timed out waiting for receipt", waitCtx.Err())
		case <-ticker.C:
		}
	}
}

// Close releases every RPC connection.
func (s *EVMSigner) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for chainID, client := range s.clients {
		client.Close()
		delete(s.clients, chainID)
	}
	s.active = 0
}

func (s *EVMSigner) activeClient(chainID int64) (chainClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != chainID {
		return nil, clierr.New(clierr.CodeNetworkSwitch, fmt.Sprintf("active network is %d, operation targets %d", s.active, chainID))
	}
	client, ok := s.clients[chainID]
	if !ok {
		return nil, clierr.Wrap(clierr.CodeNetworkSwitch, fmt.Sprintf("submit on chain %d", chainID), ErrUnrecognizedChain)
	}
	return client, nil
}
