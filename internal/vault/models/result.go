package models

// WriteStatus summarises how a write request ended.
type WriteStatus string

const (
	StatusApplied WriteStatus = "applied"
	StatusPartial WriteStatus = "partial"
	StatusFailed  WriteStatus = "failed"
	// StatusSkipped marks documents dropped before reaching the store,
	// e.g. after a failed publisher or signature check.
	StatusSkipped WriteStatus = "skipped"
)

// Operation names the path a write took.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// WriteResult is returned by single-record writes.
type WriteResult struct {
	Status         WriteStatus `json:"status"`
	Operation      Operation   `json:"operation,omitempty"`
	ID             string      `json:"id,omitempty"`
	SequenceNumber string      `json:"sequence_number,omitempty"`
}

// FailedWrite records a batch member that the store refused in direct mode.
type FailedWrite struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// BatchResult is returned by batch writes.
type BatchResult struct {
	Status          WriteStatus   `json:"status"`
	Operation       Operation     `json:"operation"`
	IDs             []string      `json:"ids"`
	SequenceNumbers []string      `json:"sequence_numbers"`
	Failed          []FailedWrite `json:"failed,omitempty"`
}

// Applied returns the ids that were written, excluding failed members.
func (r BatchResult) Applied() []string {
	if r.Status == StatusFailed {
		return nil
	}
	failed := make(map[string]struct{}, len(r.Failed))
	for _, f := range r.Failed {
		failed[f.ID] = struct{}{}
	}
	out := make([]string, 0, len(r.IDs))
	for _, id := range r.IDs {
		if _, ok := failed[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// OutcomeState tags an Outcome.
type OutcomeState int

const (
	// OutcomeSkipped means the half had nothing to write.
	OutcomeSkipped OutcomeState = iota
	OutcomeOK
	OutcomeFailed
)

func (s OutcomeState) String() string {
	switch s {
	case OutcomeOK:
		return "ok"
	case OutcomeFailed:
		return "failed"
	default:
		return "skipped"
	}
}

// Outcome is the result of one half of a reconciled batch. Exactly one of
// Result or Err is meaningful, selected by State.
type Outcome struct {
	State  OutcomeState
	Result BatchResult
	Err    error
}

// OK wraps a successful batch result.
func OK(result BatchResult) Outcome {
	return Outcome{State: OutcomeOK, Result: result}
}

// Failed wraps the error that stopped a batch half.
func Failed(err error) Outcome {
	return Outcome{State: OutcomeFailed, Err: err}
}

// Skipped is the outcome of an empty half.
func Skipped() Outcome {
	return Outcome{State: OutcomeSkipped}
}

func (o Outcome) IsOK() bool {
	return o.State == OutcomeOK
}

func (o Outcome) IsFailed() bool {
	return o.State == OutcomeFailed
}

func (o Outcome) IsSkipped() bool {
	return o.State == OutcomeSkipped
}

// Match dispatches on the outcome state. Either callback may be nil.
func (o Outcome) Match(ok func(BatchResult), failed func(error)) {
	switch o.State {
	case OutcomeOK:
		if ok != nil {
			ok(o.Result)
		}
	case OutcomeFailed:
		if failed != nil {
			failed(o.Err)
		}
	}
}

// RejectedRecord is a batch member dropped before reaching the store.
type RejectedRecord struct {
	Index  int    `json:"index"`
	ID     string `json:"id,omitempty"`
	Reason string `json:"reason"`
}

// ReconcileResult is the two-part result of a find-or-create batch.
type ReconcileResult struct {
	Created  Outcome
	Updated  Outcome
	Rejected []RejectedRecord
}

// BatchPutResult is what the profile service reports for a multi-document put.
type BatchPutResult struct {
	SequenceNumber string
	Reconcile      ReconcileResult
	Dropped        []RejectedRecord
}
