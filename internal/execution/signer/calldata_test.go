package signer

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/vault-cli/internal/errors"
	"github.com/ggonzalez94/vault-cli/internal/registry"
)

func sepoliaChain(t *testing.T) registry.VaultChain {
	t.Helper()
	chain, ok := registry.LookupChain(11155111)
	if !ok {
		t.Fatal("sepolia deployment missing from registry")
	}
	return chain
}

func TestBuildVaultCallTargets(t *testing.T) {
	chain := sepoliaChain(t)
	amount := big.NewInt(1_500_000)
	cases := []struct {
		kind   OperationKind
		target string
		method []byte
	}{
		{OperationApprove, chain.Token, erc20ABI.Methods["approve"].ID},
		{OperationDeposit, chain.Vault, vaultABI.Methods["deposit"].ID},
		{OperationWithdraw, chain.Vault, vaultABI.Methods["withdraw"].ID},
	}
	for _, tc := range cases {
		op := Operation{ChainID: chain.ChainID, Kind: tc.kind, Amount: "1.5"}
		call, err := buildVaultCall(chain, op, amount)
		if err != nil {
			t.Fatalf("%s: build call: %v", tc.kind, err)
		}
		if !strings.EqualFold(call.To.Hex(), common.HexToAddress(tc.target).Hex()) {
			t.Fatalf("%s: unexpected target %s", tc.kind, call.To.Hex())
		}
		if string(call.Data[:4]) != string(tc.method) {
			t.Fatalf("%s: unexpected selector %x", tc.kind, call.Data[:4])
		}
		if err := validateVaultCall(chain, op, amount, call); err != nil {
			t.Fatalf("%s: expected generated call to pass policy, got %v", tc.kind, err)
		}
	}
}

func TestBuildVaultCallRejectsUnknownKind(t *testing.T) {
	_, err := buildVaultCall(sepoliaChain(t), Operation{Kind: "swap"}, big.NewInt(1))
	typed, ok := clierr.As(err)
	if !ok || typed.Code != clierr.CodeUnsupported {
		t.Fatalf("expected unsupported error, got %v", err)
	}
}

func TestValidateApprovalRejectsOverApproval(t *testing.T) {
	chain := sepoliaChain(t)
	data, err := erc20ABI.Pack("approve", common.HexToAddress(chain.Vault), big.NewInt(101))
	if err != nil {
		t.Fatalf("pack approval calldata: %v", err)
	}
	call := vaultCall{To: common.HexToAddress(chain.Token), Data: data}
	err = validateVaultCall(chain, Operation{Kind: OperationApprove}, big.NewInt(100), call)
	if err == nil || !strings.Contains(err.Error(), "exceeds requested amount") {
		t.Fatalf("expected bounded approval failure, got %v", err)
	}
}

func TestValidateApprovalRejectsForeignSpender(t *testing.T) {
	chain := sepoliaChain(t)
	data, err := erc20ABI.Pack("approve", common.HexToAddress("0x00000000000000000000000000000000000000ab"), big.NewInt(100))
	if err != nil {
		t.Fatalf("pack approval calldata: %v", err)
	}
	call := vaultCall{To: common.HexToAddress(chain.Token), Data: data}
	if err := validateVaultCall(chain, Operation{Kind: OperationApprove}, big.NewInt(100), call); err == nil {
		t.Fatal("expected spender mismatch to fail")
	}
}

func TestValidateDepositRejectsWrongToken(t *testing.T) {
	chain := sepoliaChain(t)
	data, err := vaultABI.Pack("deposit", common.HexToAddress("0x00000000000000000000000000000000000000cd"), big.NewInt(100))
	if err != nil {
		t.Fatalf("pack deposit calldata: %v", err)
	}
	call := vaultCall{To: common.HexToAddress(chain.Vault), Data: data}
	if err := validateVaultCall(chain, Operation{Kind: OperationDeposit}, big.NewInt(100), call); err == nil {
		t.Fatal("expected token mismatch to fail")
	}
}

func TestValidateVaultCallRejectsZeroAmount(t *testing.T) {
	chain := sepoliaChain(t)
	call, err := buildVaultCall(chain, Operation{Kind: OperationWithdraw}, big.NewInt(0))
	if err != nil {
		t.Fatalf("build call: %v", err)
	}
	if err := validateVaultCall(chain, Operation{Kind: OperationWithdraw}, big.NewInt(0), call); err == nil {
		t.Fatal("expected zero amount to fail")
	}
}
