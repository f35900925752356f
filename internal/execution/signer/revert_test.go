package signer

import (
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/vault-cli/internal/errors"
)

// nodeRevert mimics the rpc.DataError the node returns for eth_estimateGas reverts.
type nodeRevert struct {
	data any
}

func (e nodeRevert) Error() string          { return "execution reverted" }
func (e nodeRevert) ErrorCode() int         { return 3 }
func (e nodeRevert) ErrorData() interface{} { return e.data }

func revertReason(t *testing.T, reason string) []byte {
	t.Helper()
	stringTy, err := abi.NewType("string", "", nil)
	if err != nil {
		t.Fatalf("abi string type: %v", err)
	}
	packed, err := abi.Arguments{{Type: stringTy}}.Pack(reason)
	if err != nil {
		t.Fatalf("pack reason: %v", err)
	}
	return append(append([]byte{}, errorStringSelector...), packed...)
}

func TestDecodeRevertData(t *testing.T) {
	panicData := append(append([]byte{}, panicSelector...), common.LeftPadBytes([]byte{0x11}, 32)...)
	cases := []struct {
		name string
		data []byte
		want string
	}{
		{name: "error string", data: revertReason(t, "ERC20: insufficient allowance"), want: "ERC20: insufficient allowance"},
		{name: "arithmetic panic", data: panicData, want: "panic code 0x11"},
		{name: "custom error", data: common.FromHex("0x12345678"), want: "custom error 12345678"},
		{name: "too short", data: []byte{0x01, 0x02}, want: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := decodeRevertData(tc.data); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestDecodeRevertFromError(t *testing.T) {
	data := revertReason(t, "vault paused")
	if got := decodeRevertFromError(nodeRevert{data: "0x" + common.Bytes2Hex(data)}); got != "vault paused" {
		t.Fatalf("hex string data: got %q", got)
	}
	if got := decodeRevertFromError(nodeRevert{data: data}); got != "vault paused" {
		t.Fatalf("byte data: got %q", got)
	}
	if got := decodeRevertFromError(errors.New("connection refused")); got != "" {
		t.Fatalf("plain error should not decode, got %q", got)
	}
}

func TestWrapEVMExecutionErrorKeepsCodeAndReason(t *testing.T) {
	err := wrapEVMExecutionError(clierr.CodeSubmission, "estimate gas", nodeRevert{data: "0x" + common.Bytes2Hex(revertReason(t, "transfer amount exceeds balance"))})
	typed, ok := clierr.As(err)
	if !ok || typed.Code != clierr.CodeSubmission {
		t.Fatalf("expected submission error, got %v", err)
	}
	if !strings.Contains(typed.Error(), "reverted: transfer amount exceeds balance") {
		t.Fatalf("expected decoded reason, got: %v", typed)
	}

	plain := wrapEVMExecutionError(clierr.CodeConfirmation, "wait receipt", errors.New("timeout"))
	if strings.Contains(plain.Error(), "reverted") {
		t.Fatalf("unexpected revert text in %v", plain)
	}
}

func TestNormalizeTxHash(t *testing.T) {
	for raw, want := range map[string]bool{
		"0x" + strings.Repeat("ab", 32):          true,
		" 0x" + strings.Repeat("ab", 32) + "\n": true,
		"0x1234":                                false,
		strings.Repeat("ab", 33):                false,
		"0xzz" + strings.Repeat("ab", 31):       false,
	} {
		if _, ok := normalizeTxHash(raw); ok != want {
			t.Fatalf("normalizeTxHash(%q) ok=%v, want %v", raw, ok, want)
		}
	}
}

func TestNonceLockIsPerChainAndAddress(t *testing.T) {
	addr := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	unlock := acquireSignerNonceLock(big.NewInt(1328), addr)

	// Another chain for the same address must not wait.
	acquireSignerNonceLock(big.NewInt(11155111), addr)()

	acquired := make(chan struct{})
	go func() {
		release := acquireSignerNonceLock(big.NewInt(1328), addr)
		close(acquired)
		release()
	}()
	select {
	case <-acquired:
		t.Fatal("second lock on the same chain should block while the first is held")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(250 * time.Millisecond):
		t.Fatal("second lock should be acquired after unlock")
	}
}
