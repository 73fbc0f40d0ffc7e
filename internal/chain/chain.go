// Package chain reads recipient freeze status from the on-chain freeze
// contract.
//
// Lookups fail closed: if any address in a batch cannot be verified after
// retries, the whole batch fails and no partial answer is returned.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/payguard/internal/retry"
	"github.com/mbd888/payguard/internal/traces"
)

var (
	ErrInvalidAddress = errors.New("chain: invalid address")
	ErrUnverifiable   = errors.New("chain: freeze status could not be verified")
	ErrNoContract     = errors.New("chain: freeze contract not configured")
)

// ChainClient performs a single read-only contract call returning a bool.
type ChainClient interface {
	ReadBool(ctx context.Context, contract, method, arg string) (bool, error)
}

// BatchError reports the first address whose status could not be read.
type BatchError struct {
	Address string
	Err     error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("chain: freeze check failed for %s: %v", e.Address, e.Err)
}

func (e *BatchError) Unwrap() []error { return []error{ErrUnverifiable, e.Err} }

// DefaultConcurrency bounds in-flight RPC reads per batch.
const DefaultConcurrency = 16

// Gateway answers freeze queries against one contract.
type Gateway struct {
	client      ChainClient
	contract    string
	retryOpts   retry.Options
	concurrency int
	logger      *slog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithRetry overrides the chain retry profile.
func WithRetry(opts retry.Options) Option {
	return func(g *Gateway) { g.retryOpts = opts }
}

// WithConcurrency bounds parallel reads. Values < 1 mean unbounded.
func WithConcurrency(n int) Option {
	return func(g *Gateway) { g.concurrency = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// NewGateway creates a gateway for the freeze contract at contract.
func NewGateway(client ChainClient, contract string, opts ...Option) (*Gateway, error) {
	if !common.IsHexAddress(contract) {
		return nil, fmt.Errorf("%w: contract %q", ErrInvalidAddress, contract)
	}
	g := &Gateway{
		client:      client,
		contract:    common.HexToAddress(contract).Hex(),
		retryOpts:   retry.ChainProfile(),
		concurrency: DefaultConcurrency,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Contract returns the checksummed freeze contract address.
func (g *Gateway) Contract() string { return g.contract }

// Normalize returns the EIP-55 checksum form of addr.
func Normalize(addr string) (string, error) {
	if !common.IsHexAddress(addr) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	return common.HexToAddress(addr).Hex(), nil
}

// IsFrozenBatch returns the freeze status of every address, keyed by its
// checksum form. Duplicates are queried once.
func (g *Gateway) IsFrozenBatch(ctx context.Context, addrs []string) (map[string]bool, error) {
	ctx, span := traces.StartSpan(ctx, "chain.IsFrozenBatch", traces.AddressCount(len(addrs)))
	defer span.End()

	unique := make([]string, 0, len(addrs))
	seen := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		norm, err := Normalize(a)
		if err != nil {
			traces.RecordError(span, err)
			return nil, err
		}
		if _, ok := seen[norm]; ok {
			continue
		}
		seen[norm] = struct{}{}
		unique = append(unique, norm)
	}
	if len(unique) == 0 {
		return map[string]bool{}, nil
	}

	var mu sync.Mutex
	out := make(map[string]bool, len(unique))

	eg, egCtx := errgroup.WithContext(ctx)
	if g.concurrency > 0 {
		eg.SetLimit(g.concurrency)
	}
	for _, addr := range unique {
		eg.Go(func() error {
			frozen, err := g.read(egCtx, addr)
			if err != nil {
				return &BatchError{Address: addr, Err: err}
			}
			mu.Lock()
			out[addr] = frozen
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		g.logger.Error("freeze batch failed, failing closed", "addresses", len(unique), "error", err)
		traces.RecordError(span, err)
		return nil, err
	}
	return out, nil
}

// IsFrozen checks a single address.
func (g *Gateway) IsFrozen(ctx context.Context, addr string) (bool, error) {
	norm, err := Normalize(addr)
	if err != nil {
		return false, err
	}
	m, err := g.IsFrozenBatch(ctx, []string{norm})
	if err != nil {
		return false, err
	}
	return m[norm], nil
}

func (g *Gateway) read(ctx context.Context, addr string) (bool, error) {
	opts := g.retryOpts
	opts.OnRetry = func(attempt int, err error) {
		g.logger.Warn("retrying freeze check", "address", addr, "attempt", attempt, "error", err)
	}
	return retry.Do(ctx, opts, func(ctx context.Context) (bool, error) {
		return g.client.ReadBool(ctx, g.contract, "isFrozen", addr)
	})
}
