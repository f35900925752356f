package id

import "testing"

func TestParseChainVariants(t *testing.T) {
	chain, err := ParseChain("sepolia")
	if err != nil {
		t.Fatalf("ParseChain(sepolia) failed: %v", err)
	}
	if chain.CAIP2 != "eip155:11155111" {
		t.Fatalf("unexpected CAIP2: %s", chain.CAIP2)
	}

	chain, err = ParseChain("1328")
	if err != nil {
		t.Fatalf("ParseChain(1328) failed: %v", err)
	}
	if chain.Slug != "sei-testnet" {
		t.Fatalf("unexpected slug: %s", chain.Slug)
	}

	chain, err = ParseChain("eip155:999999")
	if err != nil {
		t.Fatalf("ParseChain(eip155:999999) failed: %v", err)
	}
	if chain.EVMChainID != 999999 {
		t.Fatalf("unexpected chain ID: %d", chain.EVMChainID)
	}
}

func TestParseChainRejectsGarbage(t *testing.T) {
	if _, err := ParseChain(""); err == nil {
		t.Fatal("expected empty chain error")
	}
	if _, err := ParseChain("not-a-chain"); err == nil {
		t.Fatal("expected unsupported chain error")
	}
	if _, err := ParseChain("-5"); err == nil {
		t.Fatal("expected negative chain id to be rejected")
	}
}

func TestIsEVMAddress(t *testing.T) {
	if !IsEVMAddress("0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238") {
		t.Fatal("expected valid address")
	}
	if IsEVMAddress("0x1234") {
		t.Fatal("expected short address to be rejected")
	}
}
