package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/payguard/internal/retry"
)

const (
	contractAddr = "0x1111111111111111111111111111111111111111"
	aliceAddr    = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	bobAddr      = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

type fakeClient struct {
	mu       sync.Mutex
	frozen   map[string]bool
	errs     map[string][]error
	calls    map[string]int
	inFlight atomic.Int32
	peak     atomic.Int32
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		frozen: map[string]bool{},
		errs:   map[string][]error{},
		calls:  map[string]int{},
	}
}

func (f *fakeClient) ReadBool(_ context.Context, _, _, arg string) (bool, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	key := strings.ToLower(arg)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[key]++
	if queue := f.errs[key]; len(queue) > 0 {
		err := queue[0]
		f.errs[key] = queue[1:]
		if err != nil {
			return false, err
		}
	}
	return f.frozen[key], nil
}

func (f *fakeClient) callCount(addr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[strings.ToLower(addr)]
}

func fastRetry() retry.Options {
	opts := retry.ChainProfile()
	opts.InitialDelay = 0
	opts.MaxDelay = 0
	return opts
}

func newGateway(t *testing.T, client ChainClient, opts ...Option) *Gateway {
	t.Helper()
	g, err := NewGateway(client, contractAddr, append([]Option{WithRetry(fastRetry())}, opts...)...)
	require.NoError(t, err)
	return g
}

func TestNewGateway_InvalidContract(t *testing.T) {
	_, err := NewGateway(newFakeClient(), "not-an-address")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestIsFrozenBatch_Mixed(t *testing.T) {
	client := newFakeClient()
	client.frozen[bobAddr] = true
	g := newGateway(t, client)

	got, err := g.IsFrozenBatch(context.Background(), []string{aliceAddr, bobAddr})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.False(t, got[common.HexToAddress(aliceAddr).Hex()])
	assert.True(t, got[common.HexToAddress(bobAddr).Hex()])
}

func TestIsFrozenBatch_Empty(t *testing.T) {
	g := newGateway(t, newFakeClient())
	got, err := g.IsFrozenBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestIsFrozenBatch_Deduplicates(t *testing.T) {
	client := newFakeClient()
	g := newGateway(t, client)

	upper := "0x" + strings.ToUpper(aliceAddr[2:])
	got, err := g.IsFrozenBatch(context.Background(), []string{aliceAddr, upper, aliceAddr})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, 1, client.callCount(aliceAddr))
}

func TestIsFrozenBatch_InvalidAddress(t *testing.T) {
	g := newGateway(t, newFakeClient())
	_, err := g.IsFrozenBatch(context.Background(), []string{aliceAddr, "0x123"})
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestIsFrozenBatch_RetriesTransientErrors(t *testing.T) {
	client := newFakeClient()
	client.frozen[aliceAddr] = true
	client.errs[aliceAddr] = []error{
		errors.New("connection reset by peer"),
		errors.New("503 service unavailable"),
	}
	g := newGateway(t, client)

	frozen, err := g.IsFrozen(context.Background(), aliceAddr)
	require.NoError(t, err)
	assert.True(t, frozen)
	assert.Equal(t, 3, client.callCount(aliceAddr))
}

func TestIsFrozenBatch_FailsClosed(t *testing.T) {
	client := newFakeClient()
	client.errs[bobAddr] = []error{
		errors.New("timeout"), errors.New("timeout"), errors.New("timeout"),
		errors.New("timeout"), errors.New("timeout"),
	}
	g := newGateway(t, client)

	got, err := g.IsFrozenBatch(context.Background(), []string{aliceAddr, bobAddr})
	require.Error(t, err)
	assert.Nil(t, got, "partial results must not be returned")
	assert.ErrorIs(t, err, ErrUnverifiable)

	var be *BatchError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, common.HexToAddress(bobAddr).Hex(), be.Address)

	var re *retry.RetryableError
	assert.ErrorAs(t, err, &re)
	assert.Equal(t, 5, client.callCount(bobAddr))
}

func TestIsFrozenBatch_PermanentErrorNotRetried(t *testing.T) {
	client := newFakeClient()
	client.errs[aliceAddr] = []error{errors.New("execution reverted")}
	g := newGateway(t, client)

	_, err := g.IsFrozen(context.Background(), aliceAddr)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnverifiable)
	var nre *retry.NonRetryableError
	assert.ErrorAs(t, err, &nre)
	assert.Equal(t, 1, client.callCount(aliceAddr))
}

func TestIsFrozenBatch_ConcurrencyLimit(t *testing.T) {
	client := newFakeClient()
	g := newGateway(t, client, WithConcurrency(2))

	addrs := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		addrs = append(addrs, common.BigToAddress(big.NewInt(int64(i+100))).Hex())
	}
	got, err := g.IsFrozenBatch(context.Background(), addrs)
	require.NoError(t, err)
	assert.Len(t, got, 20)
	assert.LessOrEqual(t, client.peak.Load(), int32(2))
}

// -----------------------------------------------------------------------------
// EthReader
// -----------------------------------------------------------------------------

type fakeCaller struct {
	result []byte
	err    error
	last   ethereum.CallMsg
}

func (f *fakeCaller) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.last = call
	return f.result, f.err
}

func TestEthReader_ReadBool(t *testing.T) {
	tests := []struct {
		name   string
		result []byte
		want   bool
	}{
		{"true", common.LeftPadBytes([]byte{1}, 32), true},
		{"false", make([]byte, 32), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caller := &fakeCaller{result: tt.result}
			r, err := NewEthReader(caller)
			require.NoError(t, err)

			got, err := r.ReadBool(context.Background(), contractAddr, "isFrozen", aliceAddr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			require.NotNil(t, caller.last.To)
			assert.Equal(t, common.HexToAddress(contractAddr), *caller.last.To)
			// 4-byte selector + one 32-byte address word
			assert.Len(t, caller.last.Data, 36)
		})
	}
}

func TestEthReader_Errors(t *testing.T) {
	t.Run("malformed output", func(t *testing.T) {
		r, err := NewEthReader(&fakeCaller{result: []byte{0x01}})
		require.NoError(t, err)
		_, err = r.ReadBool(context.Background(), contractAddr, "isFrozen", aliceAddr)
		assert.Error(t, err)
	})

	t.Run("rpc failure", func(t *testing.T) {
		r, err := NewEthReader(&fakeCaller{err: errors.New("dial tcp: connection refused")})
		require.NoError(t, err)
		_, err = r.ReadBool(context.Background(), contractAddr, "isFrozen", aliceAddr)
		require.Error(t, err)
		assert.True(t, retry.IsRetryable(err, retry.ChainProfile().RetryablePatterns))
	})

	t.Run("invalid address", func(t *testing.T) {
		r, err := NewEthReader(&fakeCaller{})
		require.NoError(t, err)
		_, err = r.ReadBool(context.Background(), contractAddr, "isFrozen", "bob")
		assert.ErrorIs(t, err, ErrInvalidAddress)
	})
}
