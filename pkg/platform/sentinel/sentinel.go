package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Store adapters return these
// (optionally wrapped) so the profile store can translate them into domain errors.
//
// These represent factual states about items and backends, not validation of
// profile documents:
// - ErrNotFound: no item with the requested key
// - ErrConflict: a guard failed or a concurrent writer raced the transaction
// - ErrInvalidState: the backend refused a request it considers malformed
// - ErrUnavailable: the backend could not be reached or timed out
//
// For document validation (missing fields, bad JSON), use pkg/domain-errors directly.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
