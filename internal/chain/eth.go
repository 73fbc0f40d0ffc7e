package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// freezeABI covers the single view method the gateway needs.
const freezeABI = `[
	{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"isFrozen","outputs":[{"name":"","type":"bool"}],"stateMutability":"view","type":"function"}
]`

// EthCaller abstracts the go-ethereum client for testing.
type EthCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// EthReader is a ChainClient over JSON-RPC.
type EthReader struct {
	caller EthCaller
	abi    abi.ABI
	close  func()
}

var _ ChainClient = (*EthReader)(nil)

// NewEthReader wraps an existing caller.
func NewEthReader(caller EthCaller) (*EthReader, error) {
	parsed, err := abi.JSON(strings.NewReader(freezeABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse freeze ABI: %w", err)
	}
	return &EthReader{caller: caller, abi: parsed}, nil
}

// Dial connects to rpcURL.
func Dial(ctx context.Context, rpcURL string) (*EthReader, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: rpc connection failed: %w", err)
	}
	r, err := NewEthReader(client)
	if err != nil {
		client.Close()
		return nil, err
	}
	r.close = client.Close
	return r, nil
}

// Close releases the RPC connection if Dial opened it.
func (r *EthReader) Close() {
	if r.close != nil {
		r.close()
	}
}

// ReadBool calls a view method taking one address and returning a bool.
func (r *EthReader) ReadBool(ctx context.Context, contract, method, arg string) (bool, error) {
	if !common.IsHexAddress(contract) || !common.IsHexAddress(arg) {
		return false, fmt.Errorf("%w: %s(%s)", ErrInvalidAddress, method, arg)
	}
	data, err := r.abi.Pack(method, common.HexToAddress(arg))
	if err != nil {
		return false, fmt.Errorf("failed to pack %s call: %w", method, err)
	}

	to := common.HexToAddress(contract)
	result, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("call %s: %w", method, err)
	}

	values, err := r.abi.Unpack(method, result)
	if err != nil {
		return false, fmt.Errorf("failed to unpack %s result: %w", method, err)
	}
	if len(values) != 1 {
		return false, fmt.Errorf("unexpected %s result: %d values", method, len(values))
	}
	out, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected %s result type %T", method, values[0])
	}
	return out, nil
}
