package registry

import (
	"fmt"
	"strings"
)

// Canonical default EVM RPC endpoints by chain ID.
// These values are used whenever configuration does not override the endpoint.
var defaultRPCByChainID = map[int64]string{
	11155111: "https://ethereum-sepolia-rpc.publicnode.com",
	1328:     "https://evm-rpc-testnet.sei-apis.com",
}

func DefaultRPCURL(chainID int64) (string, bool) {
	value, ok := defaultRPCByChainID[chainID]
	return value, ok
}

func ResolveRPCURL(override string, chainID int64) (string, error) {
	if strings.TrimSpace(override) != "" {
		return strings.TrimSpace(override), nil
	}
	if value, ok := DefaultRPCURL(chainID); ok {
		return value, nil
	}
	return "", fmt.Errorf("no default rpc configured for chain id %d; set chains.<slug>.rpc_url", chainID)
}
