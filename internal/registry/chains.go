package registry

import (
	"fmt"
	"sort"

	"github.com/ggonzalez94/vault-cli/internal/id"
)

// TokenDecimals is the precision of the vault token on every supported chain.
const TokenDecimals = 6

// VaultAddress is identical on every supported chain.
const VaultAddress = "0xaaaac415c0719cff6BAe3816FE244589442db46C"

// NativeCurrency describes a chain's gas token, as required when a wallet adds a network.
type NativeCurrency struct {
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

// VaultChain is a network the vault is deployed on.
type VaultChain struct {
	Chain          id.Chain       `json:"-"`
	ChainID        int64          `json:"chain_id"`
	Name           string         `json:"name"`
	Slug           string         `json:"slug"`
	CAIP2          string         `json:"caip2"`
	Vault          string         `json:"vault"`
	Token          string         `json:"token"`
	TokenSymbol    string         `json:"token_symbol"`
	TokenDecimals  int            `json:"token_decimals"`
	RPCURL         string         `json:"rpc_url"`
	BlockExplorer  string         `json:"block_explorer"`
	NativeCurrency NativeCurrency `json:"native_currency"`
	Testnet        bool           `json:"testnet"`
}

var vaultChains = map[int64]VaultChain{
	11155111: newVaultChain(11155111, "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238", "https://sepolia.etherscan.io",
		NativeCurrency{Name: "Ether", Symbol: "ETH", Decimals: 18}),
	1328: newVaultChain(1328, "0x4fCF1784B31630811181f670Aea7A7bEF803eaED", "https://seitrace.com/?chain=testnet",
		NativeCurrency{Name: "SEI", Symbol: "SEI", Decimals: 18}),
}

func newVaultChain(chainID int64, token, explorer string, native NativeCurrency) VaultChain {
	chain := id.ChainFromID(chainID)
	rpcURL, _ := DefaultRPCURL(chainID)
	return VaultChain{
		Chain:          chain,
		ChainID:        chainID,
		Name:           chain.Name,
		Slug:           chain.Slug,
		CAIP2:          chain.CAIP2,
		Vault:          VaultAddress,
		Token:          token,
		TokenSymbol:    "USDC",
		TokenDecimals:  TokenDecimals,
		RPCURL:         rpcURL,
		BlockExplorer:  explorer,
		NativeCurrency: native,
		Testnet:        true,
	}
}

// LookupChain returns the vault deployment for chainID.
func LookupChain(chainID int64) (VaultChain, bool) {
	chain, ok := vaultChains[chainID]
	return chain, ok
}

// ResolveChain parses user input and checks that the vault is deployed there.
func ResolveChain(input string) (VaultChain, error) {
	chain, err := id.ParseChain(input)
	if err != nil {
		return VaultChain{}, err
	}
	vc, ok := LookupChain(chain.EVMChainID)
	if !ok {
		return VaultChain{}, fmt.Errorf("vault is not deployed on %s (%s)", chain.Name, chain.CAIP2)
	}
	return vc, nil
}

// TokenAddress returns the vault token address on chainID, or "" when unsupported.
func TokenAddress(chainID int64) string {
	chain, ok := LookupChain(chainID)
	if !ok {
		return ""
	}
	return chain.Token
}

// SupportedChains lists vault deployments ordered by chain id.
func SupportedChains() []VaultChain {
	out := make([]VaultChain, 0, len(vaultChains))
	for _, chain := range vaultChains {
		out = append(out, chain)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainID < out[j].ChainID })
	return out
}
