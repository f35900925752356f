package id

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	clierr "github.com/ggonzalez94/vault-cli/internal/errors"
)

var (
	eip155ChainPattern = regexp.MustCompile(`^eip155:[0-9]+$`)
	evmAddressPattern  = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
)

type Chain struct {
	Name       string
	Slug       string
	CAIP2      string
	EVMChainID int64
}

var chainBySlug = map[string]Chain{
	"sepolia":          {Name: "Sepolia", Slug: "sepolia", CAIP2: "eip155:11155111", EVMChainID: 11155111},
	"ethereum-sepolia": {Name: "Sepolia", Slug: "sepolia", CAIP2: "eip155:11155111", EVMChainID: 11155111},
	"sei-testnet":      {Name: "Sei Testnet", Slug: "sei-testnet", CAIP2: "eip155:1328", EVMChainID: 1328},
	"sei":              {Name: "Sei Testnet", Slug: "sei-testnet", CAIP2: "eip155:1328", EVMChainID: 1328},
	"atlantic-2":       {Name: "Sei Testnet", Slug: "sei-testnet", CAIP2: "eip155:1328", EVMChainID: 1328},
}

var chainByID = map[int64]Chain{
	11155111: chainBySlug["sepolia"],
	1328:     chainBySlug["sei-testnet"],
}

// ParseChain accepts a slug, a numeric EVM chain id or a CAIP-2 identifier.
// Unknown numeric ids resolve to a generic EVM chain; support is checked by the registry.
func ParseChain(input string) (Chain, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return Chain{}, clierr.New(clierr.CodeUsage, "chain is required")
	}
	norm := strings.ToLower(raw)

	if chain, ok := chainBySlug[norm]; ok {
		return chain, nil
	}

	if eip155ChainPattern.MatchString(norm) {
		parts := strings.Split(norm, ":")
		id, _ := strconv.ParseInt(parts[1], 10, 64)
		return ChainFromID(id), nil
	}

	if id, err := strconv.ParseInt(norm, 10, 64); err == nil && id > 0 {
		return ChainFromID(id), nil
	}

	return Chain{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported chain input: %s", input))
}

// ChainFromID returns the known chain for id, or a generic EVM chain descriptor.
func ChainFromID(id int64) Chain {
	if chain, ok := chainByID[id]; ok {
		return chain
	}
	return Chain{Name: fmt.Sprintf("EVM-%d", id), Slug: fmt.Sprintf("evm-%d", id), CAIP2: fmt.Sprintf("eip155:%d", id), EVMChainID: id}
}

func IsEVMAddress(v string) bool {
	return evmAddressPattern.MatchString(strings.TrimSpace(v))
}
