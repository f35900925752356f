package signer

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/vault-cli/internal/errors"
	"github.com/ggonzalez94/vault-cli/internal/registry"
)

var (
	erc20ABI = mustABI(registry.ERC20MinimalABI)
	vaultABI = mustABI(registry.SimpleVaultABI)
)

// vaultCall is the target and calldata for one operation.
type vaultCall struct {
	To   common.Address
	Data []byte
}

func buildVaultCall(chain registry.VaultChain, op Operation, amount *big.Int) (vaultCall, error) {
	token := common.HexToAddress(chain.Token)
	vault := common.HexToAddress(chain.Vault)
	switch op.Kind {
	case OperationApprove:
		data, err := erc20ABI.Pack("approve", vault, amount)
		if err != nil {
			return vaultCall{}, clierr.Wrap(clierr.CodeActionPlan, "pack approve calldata", err)
		}
		return vaultCall{To: token, Data: data}, nil
	case OperationDeposit, OperationWithdraw:
		data, err := vaultABI.Pack(string(op.Kind), token, amount)
		if err != nil {
			return vaultCall{}, clierr.Wrap(clierr.CodeActionPlan, "pack "+string(op.Kind)+" calldata", err)
		}
		return vaultCall{To: vault, Data: data}, nil
	default:
		return vaultCall{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("unsupported operation kind %q", op.Kind))
	}
}

// validateVaultCall checks calldata against the deployment before anything is signed.
// Approvals are bounded to the requested amount and may only name the vault as spender.
func validateVaultCall(chain registry.VaultChain, op Operation, requested *big.Int, call vaultCall) error {
	if requested == nil || requested.Sign() <= 0 {
		return clierr.New(clierr.CodeActionPlan, "operation amount must be greater than zero")
	}
	switch op.Kind {
	case OperationApprove:
		if !strings.EqualFold(call.To.Hex(), common.HexToAddress(chain.Token).Hex()) {
			return clierr.New(clierr.CodeActionPlan, "approval target does not match the vault token")
		}
		args, err := unpackArgs(erc20ABI.Methods["approve"], call.Data)
		if err != nil {
			return clierr.New(clierr.CodeActionPlan, "approval must use ERC20 approve(spender,amount)")
		}
		spender, ok := toAddress(args[0])
		if !ok || !strings.EqualFold(spender.Hex(), common.HexToAddress(chain.Vault).Hex()) {
			return clierr.New(clierr.CodeActionPlan, "approval spender must be the vault")
		}
		amount, ok := toBigInt(args[1])
		if !ok || amount.Sign() <= 0 {
			return clierr.New(clierr.CodeActionPlan, "approval has invalid amount")
		}
		if amount.Cmp(requested) > 0 {
			return clierr.New(clierr.CodeActionPlan, fmt.Sprintf("approval amount %s exceeds requested amount %s", amount.String(), requested.String()))
		}
		return nil
	case OperationDeposit, OperationWithdraw:
		if !strings.EqualFold(call.To.Hex(), common.HexToAddress(chain.Vault).Hex()) {
			return clierr.New(clierr.CodeActionPlan, string(op.Kind)+" target does not match the vault")
		}
		args, err := unpackArgs(vaultABI.Methods[string(op.Kind)], call.Data)
		if err != nil {
			return clierr.New(clierr.CodeActionPlan, string(op.Kind)+" must use vault "+string(op.Kind)+"(token,amount)")
		}
		token, ok := toAddress(args[0])
		if !ok || !strings.EqualFold(token.Hex(), common.HexToAddress(chain.Token).Hex()) {
			return clierr.New(clierr.CodeActionPlan, string(op.Kind)+" token does not match the vault token")
		}
		amount, ok := toBigInt(args[1])
		if !ok || amount.Cmp(requested) != 0 {
			return clierr.New(clierr.CodeActionPlan, string(op.Kind)+" amount does not match the requested amount")
		}
		return nil
	default:
		return clierr.New(clierr.CodeUnsupported, fmt.Sprintf("unsupported operation kind %q", op.Kind))
	}
}

func unpackArgs(method abi.Method, data []byte) ([]interface{}, error) {
	if len(data) < 4 || !bytes.Equal(data[:4], method.ID) {
		return nil, fmt.Errorf("selector mismatch")
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}
	if len(args) != 2 {
		return nil, fmt.Errorf("expected 2 arguments, got %d", len(args))
	}
	return args, nil
}

func toAddress(v any) (common.Address, bool) {
	switch value := v.(type) {
	case common.Address:
		return value, true
	case *common.Address:
		if value == nil {
			return common.Address{}, false
		}
		return *value, true
	default:
		return common.Address{}, false
	}
}

func toBigInt(v any) (*big.Int, bool) {
	switch value := v.(type) {
	case *big.Int:
		if value == nil {
			return nil, false
		}
		return value, true
	case big.Int:
		cpy := value
		return &cpy, true
	default:
		return nil, false
	}
}

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
