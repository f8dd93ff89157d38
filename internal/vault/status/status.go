// Package status confirms that writes carrying a sequence number landed.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"golang.org/x/sync/errgroup"

	"identity-vault/internal/vault/metrics"
	"identity-vault/internal/vault/store"
	dErrors "identity-vault/pkg/domain-errors"
	"identity-vault/pkg/platform/sentinel"
)

// StoreCheckName is the key of the identity vault check in aggregated results.
const StoreCheckName = "identity_vault"

// Result is the raw outcome of one check. OK holds only when exactly one
// record carries the sequence number.
type Result struct {
	Matches int  `json:"matches"`
	OK      bool `json:"ok"`
}

// Anomaly reports a sequence number shared by more than one record.
func (r Result) Anomaly() bool {
	return r.Matches > 1
}

func resultOf(matches int) Result {
	return Result{Matches: matches, OK: matches == 1}
}

// Check is one named durability check.
type Check interface {
	Name() string
	Check(ctx context.Context, sequenceNumber string) (Result, error)
}

// StoreCheck queries the sequence_number index of the vault table.
type StoreCheck struct {
	adapter store.Adapter
}

func NewStoreCheck(adapter store.Adapter) *StoreCheck {
	return &StoreCheck{adapter: adapter}
}

func (c *StoreCheck) Name() string {
	return StoreCheckName
}

// CheckStore counts the records carrying sequenceNumber.
func (c *StoreCheck) CheckStore(ctx context.Context, sequenceNumber string) (Result, error) {
	items, err := c.adapter.QueryByIndex(ctx, store.FieldSequenceNumber, sequenceNumber)
	if err != nil {
		return Result{}, err
	}
	return resultOf(len(items)), nil
}

func (c *StoreCheck) Check(ctx context.Context, sequenceNumber string) (Result, error) {
	return c.CheckStore(ctx, sequenceNumber)
}

// Checker runs every registered check for a sequence number.
type Checker struct {
	checks  []Check
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Checker)

// WithCheck registers an additional downstream check.
func WithCheck(c Check) Option {
	return func(ch *Checker) {
		ch.checks = append(ch.checks, c)
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(ch *Checker) {
		ch.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(ch *Checker) {
		ch.metrics = m
	}
}

// New builds a Checker that always includes the store check.
func New(adapter store.Adapter, opts ...Option) *Checker {
	ch := &Checker{
		checks: []Check{NewStoreCheck(adapter)},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(ch)
	}
	return ch
}

// All maps each check name to whether exactly one record carries sequenceNumber.
func (ch *Checker) All(ctx context.Context, sequenceNumber string) (map[string]bool, error) {
	detailed, err := ch.Detailed(ctx, sequenceNumber)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(detailed))
	for name, r := range detailed {
		out[name] = r.OK
	}
	return out, nil
}

// Detailed runs the checks concurrently and returns their raw results.
func (ch *Checker) Detailed(ctx context.Context, sequenceNumber string) (map[string]Result, error) {
	sequenceNumber = strings.TrimSpace(sequenceNumber)
	if err := validateSequenceNumber(sequenceNumber); err != nil {
		return nil, err
	}

	results := make([]Result, len(ch.checks))
	g, gctx := errgroup.WithContext(ctx)
	for i, check := range ch.checks {
		i, check := i, check
		g.Go(func() error {
			r, err := check.Check(gctx, sequenceNumber)
			if err != nil {
				return fmt.Errorf("%s: %w", check.Name(), err)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, sentinel.ErrUnavailable) {
			return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "status check unavailable")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "status check failed")
	}

	out := make(map[string]Result, len(results))
	for i, check := range ch.checks {
		r := results[i]
		out[check.Name()] = r
		ch.metrics.IncrementStatusCheck(check.Name(), r.OK)
		if r.Anomaly() {
			ch.logger.WarnContext(ctx, "sequence number carried by more than one record",
				"check", check.Name(),
				"sequence_number", sequenceNumber,
				"matches", r.Matches,
			)
		}
	}
	return out, nil
}

func validateSequenceNumber(seq string) error {
	if seq == "" {
		return dErrors.New(dErrors.CodeBadRequest, "sequence number is required")
	}
	if _, ok := new(big.Int).SetString(seq, 10); !ok {
		return dErrors.New(dErrors.CodeBadRequest, "sequence number must be a decimal integer")
	}
	return nil
}
