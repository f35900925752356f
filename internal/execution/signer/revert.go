package signer

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	clierr "github.com/ggonzalez94/vault-cli/internal/errors"
)

var (
	errorStringSelector = common.FromHex("0x08c379a0")
	panicSelector       = common.FromHex("0x4e487b71")
)

// wrapEVMExecutionError attaches the decoded revert reason, when the node returned one.
func wrapEVMExecutionError(code clierr.Code, message string, err error) error {
	if reason := decodeRevertFromError(err); reason != "" {
		return clierr.Wrap(code, fmt.Sprintf("%s: reverted: %s", message, reason), err)
	}
	return clierr.Wrap(code, message, err)
}

func decodeRevertFromError(err error) string {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return ""
	}
	switch data := dataErr.ErrorData().(type) {
	case string:
		return decodeRevertData(common.FromHex(data))
	case []byte:
		return decodeRevertData(data)
	default:
		return ""
	}
}

func decodeRevertData(data []byte) string {
	if len(data) < 4 {
		return ""
	}
	selector, payload := data[:4], data[4:]
	switch {
	case bytes.Equal(selector, errorStringSelector):
		reason, err := abi.UnpackRevert(data)
		if err == nil {
			return reason
		}
	case bytes.Equal(selector, panicSelector):
		if len(payload) >= 32 {
			return fmt.Sprintf("panic code 0x%x", new(big.Int).SetBytes(payload[:32]))
		}
	}
	return "custom error " + common.Bytes2Hex(selector)
}

func normalizeTxHash(raw string) (common.Hash, bool) {
	clean := strings.TrimSpace(raw)
	if !strings.HasPrefix(clean, "0x") || len(clean) != 66 {
		return common.Hash{}, false
	}
	if _, err := hex.DecodeString(clean[2:]); err != nil {
		return common.Hash{}, false
	}
	return common.HexToHash(clean), true
}

var signerNonceLocks sync.Map

// acquireSignerNonceLock serializes nonce selection and broadcast per (chain, address).
func acquireSignerNonceLock(chainID *big.Int, address common.Address) func() {
	key := chainID.String() + ":" + strings.ToLower(address.Hex())
	value, _ := signerNonceLocks.LoadOrStore(key, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
