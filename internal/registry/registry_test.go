package registry

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

func TestSupportedChains(t *testing.T) {
	chains := SupportedChains()
	if len(chains) != 2 {
		t.Fatalf("expected two vault deployments, got %d", len(chains))
	}
	if chains[0].ChainID != 1328 || chains[1].ChainID != 11155111 {
		t.Fatalf("unexpected chain order: %d, %d", chains[0].ChainID, chains[1].ChainID)
	}
	for _, chain := range chains {
		if !common.IsHexAddress(chain.Vault) || !common.IsHexAddress(chain.Token) {
			t.Fatalf("invalid addresses for chain %d: %+v", chain.ChainID, chain)
		}
		if chain.TokenDecimals != 6 {
			t.Fatalf("unexpected token decimals on chain %d: %d", chain.ChainID, chain.TokenDecimals)
		}
		if chain.RPCURL == "" {
			t.Fatalf("missing default rpc for chain %d", chain.ChainID)
		}
	}
}

func TestResolveChain(t *testing.T) {
	chain, err := ResolveChain("sei")
	if err != nil {
		t.Fatalf("ResolveChain(sei) failed: %v", err)
	}
	if chain.ChainID != 1328 {
		t.Fatalf("unexpected chain id: %d", chain.ChainID)
	}
	if _, err := ResolveChain("eip155:1"); err == nil {
		t.Fatal("expected unsupported chain error")
	}
	if TokenAddress(1) != "" {
		t.Fatal("did not expect token address on unsupported chain")
	}
}

func TestResolveRPCURL(t *testing.T) {
	got, err := ResolveRPCURL(" http://localhost:8545 ", 11155111)
	if err != nil || got != "http://localhost:8545" {
		t.Fatalf("unexpected override result: %q %v", got, err)
	}
	if _, err := ResolveRPCURL("", 1); err == nil {
		t.Fatal("expected missing rpc error")
	}
}

func TestExecutionABIConstantsParse(t *testing.T) {
	abis := []string{ERC20MinimalABI, SimpleVaultABI}
	for _, raw := range abis {
		if _, err := abi.JSON(strings.NewReader(raw)); err != nil {
			t.Fatalf("failed to parse ABI: %v", err)
		}
	}
}
