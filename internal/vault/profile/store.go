// Package profile owns the create, update, delete, lookup and reconciliation
// semantics of vault records on top of a store.Adapter.
//
// Writes go through a Writer selected once at construction: guarded
// transactions, or direct best-effort overwrites. The projected fields of a
// record (id, uuid, primary_email, primary_username) are always re-derived
// from its embedded profile document before a write. Nothing here retries:
// a rejected guard or transaction is reported to the caller immediately.
package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"identity-vault/internal/vault/metrics"
	"identity-vault/internal/vault/models"
	"identity-vault/internal/vault/store"
	dErrors "identity-vault/pkg/domain-errors"
	"identity-vault/pkg/platform/sentinel"
)

// Store reconciles profile records against the durable store.
type Store struct {
	adapter      store.Adapter
	writer       Writer
	logger       *slog.Logger
	metrics      *metrics.Metrics
	nextSequence func() string
}

type Option func(*Store)

// WithTransactions selects the TransactionalWriter (true) or DirectWriter (false).
func WithTransactions(enabled bool) Option {
	return func(s *Store) {
		if enabled {
			s.writer = NewTransactionalWriter(s.adapter)
		} else {
			s.writer = NewDirectWriter(s.adapter)
		}
	}
}

// WithWriter installs a custom write strategy.
func WithWriter(w Writer) Option {
	return func(s *Store) {
		s.writer = w
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// WithSequenceSource replaces the generator used for records that arrive
// without a sequence number.
func WithSequenceSource(next func() string) Option {
	return func(s *Store) {
		s.nextSequence = next
	}
}

// New constructs a Store. Transactions are enabled unless an option says otherwise.
func New(adapter store.Adapter, opts ...Option) *Store {
	s := &Store{
		adapter:      adapter,
		logger:       slog.Default(),
		nextSequence: models.NewSequenceNumber,
	}
	s.writer = NewTransactionalWriter(adapter)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Transactional reports whether writes are guarded.
func (s *Store) Transactional() bool {
	_, ok := s.writer.(*TransactionalWriter)
	return ok
}

// Create writes a record that must not exist yet (in transactional mode).
func (s *Store) Create(ctx context.Context, rec models.ProfileRecord) (models.WriteResult, error) {
	rec, err := s.prepare(rec)
	if err != nil {
		return models.WriteResult{Status: models.StatusFailed}, err
	}
	start := time.Now()
	err = s.writer.Create(ctx, toItem(rec))
	s.metrics.ObserveStoreLatency("create", time.Since(start))
	return s.singleResult(ctx, models.OperationCreate, rec, err)
}

// Update replaces a record that must already exist (in transactional mode).
func (s *Store) Update(ctx context.Context, rec models.ProfileRecord) (models.WriteResult, error) {
	rec, err := s.prepare(rec)
	if err != nil {
		return models.WriteResult{Status: models.StatusFailed}, err
	}
	start := time.Now()
	err = s.writer.Update(ctx, toItem(rec))
	s.metrics.ObserveStoreLatency("update", time.Since(start))
	return s.singleResult(ctx, models.OperationUpdate, rec, err)
}

// Delete removes the record with rec's id. Deleting a missing id is an error
// in both modes. When rec carries no id it is derived from the profile.
func (s *Store) Delete(ctx context.Context, rec models.ProfileRecord) (models.WriteResult, error) {
	key := normalizeID(rec.ID)
	if key == "" && rec.Profile != "" {
		normalized, err := rec.Normalize()
		if err != nil {
			return models.WriteResult{Status: models.StatusFailed}, err
		}
		key = normalized.ID
	}
	if key == "" {
		return models.WriteResult{Status: models.StatusFailed}, dErrors.New(dErrors.CodeBadRequest, "record id is required")
	}
	rec.ID = key
	start := time.Now()
	err := s.writer.Delete(ctx, key)
	s.metrics.ObserveStoreLatency("delete", time.Since(start))
	return s.singleResult(ctx, models.OperationDelete, rec, err)
}

// CreateBatch writes every record as a creation. In transactional mode the
// batch is one transaction; in direct mode members are independent.
func (s *Store) CreateBatch(ctx context.Context, recs []models.ProfileRecord) (models.BatchResult, error) {
	return s.writeBatch(ctx, models.OperationCreate, recs)
}

// UpdateBatch writes every record as an update, with the same atomicity as CreateBatch.
func (s *Store) UpdateBatch(ctx context.Context, recs []models.ProfileRecord) (models.BatchResult, error) {
	return s.writeBatch(ctx, models.OperationUpdate, recs)
}

func (s *Store) writeBatch(ctx context.Context, op models.Operation, recs []models.ProfileRecord) (models.BatchResult, error) {
	result := models.BatchResult{Operation: op}
	if len(recs) == 0 {
		result.Status = models.StatusSkipped
		return result, nil
	}
	// Direct members are independent, so a malformed one is reported and
	// skipped. Any other writer rejects the whole batch.
	_, independent := s.writer.(*DirectWriter)
	var (
		malformed    []models.FailedWrite
		malformedErr error
	)
	items := make([]store.Item, 0, len(recs))
	for i, rec := range recs {
		prepared, err := s.prepare(rec)
		if err != nil {
			err = dErrors.Wrap(err, dErrors.CodeMalformedDocument, fmt.Sprintf("batch member %d", i))
			if !independent {
				result.Status = models.StatusFailed
				return result, err
			}
			malformed = append(malformed, models.FailedWrite{ID: memberID(rec), Reason: err.Error()})
			if malformedErr == nil {
				malformedErr = err
			}
			continue
		}
		items = append(items, toItem(prepared))
		result.IDs = append(result.IDs, prepared.ID)
		result.SequenceNumbers = append(result.SequenceNumbers, prepared.SequenceNumber)
	}
	if len(items) == 0 {
		result.Status = models.StatusFailed
		result.Failed = malformed
		s.metrics.IncrementWrite(string(op), string(result.Status))
		return result, malformedErr
	}

	start := time.Now()
	failed, err := s.writer.WriteBatch(ctx, op, items)
	s.metrics.ObserveStoreLatency(string(op)+"_batch", time.Since(start))
	result.Failed = append(malformed, failed...)

	if err != nil {
		result.Status = models.StatusFailed
		s.metrics.IncrementWrite(string(op), string(result.Status))
		return result, s.batchError(ctx, op, err)
	}
	result.Status = models.StatusApplied
	if len(result.Failed) > 0 {
		result.Status = models.StatusPartial
		s.logger.WarnContext(ctx, "batch partially applied",
			"operation", op,
			"mode", s.writer.Mode(),
			"failed", len(result.Failed),
			"total", len(recs),
		)
	}
	s.metrics.IncrementWrite(string(op), string(result.Status))
	return result, nil
}

// FindByID returns the record stored under id, if any.
func (s *Store) FindByID(ctx context.Context, id string) ([]models.ProfileRecord, error) {
	key := normalizeID(id)
	if key == "" {
		return nil, nil
	}
	item, err := s.adapter.Get(ctx, key)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, nil
		}
		return nil, readError(err)
	}
	return []models.ProfileRecord{fromItem(*item)}, nil
}

func (s *Store) FindByEmail(ctx context.Context, email string) ([]models.ProfileRecord, error) {
	return s.findBy(ctx, store.FieldPrimaryEmail, strings.ToLower(strings.TrimSpace(email)))
}

func (s *Store) FindByUUID(ctx context.Context, uuid string) ([]models.ProfileRecord, error) {
	return s.findBy(ctx, store.FieldUUID, strings.TrimSpace(uuid))
}

func (s *Store) FindByUsername(ctx context.Context, username string) ([]models.ProfileRecord, error) {
	return s.findBy(ctx, store.FieldPrimaryUsername, strings.TrimSpace(username))
}

// FindBySequenceNumber returns every record written with seq.
func (s *Store) FindBySequenceNumber(ctx context.Context, seq string) ([]models.ProfileRecord, error) {
	return s.findBy(ctx, store.FieldSequenceNumber, strings.TrimSpace(seq))
}

func (s *Store) findBy(ctx context.Context, field store.Field, value string) ([]models.ProfileRecord, error) {
	items, err := s.adapter.QueryByIndex(ctx, field, value)
	if err != nil {
		return nil, readError(err)
	}
	return fromItems(items), nil
}

// ListAll follows continuation tokens until the table is exhausted.
func (s *Store) ListAll(ctx context.Context) ([]models.ProfileRecord, error) {
	var (
		out   []models.ProfileRecord
		token string
	)
	for {
		page, err := s.adapter.Scan(ctx, token, 0)
		if err != nil {
			return nil, scanError(err)
		}
		out = append(out, fromItems(page.Items)...)
		if page.NextToken == "" {
			return out, nil
		}
		token = page.NextToken
	}
}

// ListPage returns one page of at most limit records.
func (s *Store) ListPage(ctx context.Context, pageToken string, limit int) (models.RecordPage, error) {
	page, err := s.adapter.Scan(ctx, pageToken, limit)
	if err != nil {
		return models.RecordPage{}, scanError(err)
	}
	return models.RecordPage{Records: fromItems(page.Items), NextPage: page.NextToken}, nil
}

// FindOrCreate updates the record when its id already exists and creates it
// otherwise. Running it twice with the same id never yields two records.
func (s *Store) FindOrCreate(ctx context.Context, rec models.ProfileRecord) (models.WriteResult, error) {
	rec, err := rec.Normalize()
	if err != nil {
		return models.WriteResult{Status: models.StatusFailed}, err
	}
	existing, err := s.FindByID(ctx, rec.ID)
	if err != nil {
		return models.WriteResult{Status: models.StatusFailed}, err
	}
	if len(existing) > 0 {
		s.logger.InfoContext(ctx, "profile exists, updating", "id", rec.ID)
		return s.Update(ctx, rec)
	}
	s.logger.InfoContext(ctx, "profile does not exist, creating", "id", rec.ID)
	return s.Create(ctx, rec)
}

// FindOrCreateBatch partitions recs into creations and updates by existence
// and writes each set separately. A failure in one half is logged and
// reported in its Outcome; it never blocks the other half.
//
// Records whose profile cannot be parsed, whose existence cannot be
// resolved, or that are superseded by a later record with the same id are
// listed in Rejected and never reach the store.
func (s *Store) FindOrCreateBatch(ctx context.Context, recs []models.ProfileRecord) models.ReconcileResult {
	var (
		result    models.ReconcileResult
		creations []models.ProfileRecord
		updates   []models.ProfileRecord
	)

	normalized := make([]models.ProfileRecord, len(recs))
	valid := make([]bool, len(recs))
	lastIndex := make(map[string]int, len(recs))
	for i, rec := range recs {
		n, err := rec.Normalize()
		if err != nil {
			result.Rejected = append(result.Rejected, models.RejectedRecord{Index: i, Reason: err.Error()})
			continue
		}
		normalized[i], valid[i] = n, true
		lastIndex[n.ID] = i
	}

	for i, rec := range normalized {
		if !valid[i] {
			continue
		}
		if lastIndex[rec.ID] != i {
			result.Rejected = append(result.Rejected, models.RejectedRecord{
				Index:  i,
				ID:     rec.ID,
				Reason: "superseded by a later document with the same id",
			})
			continue
		}
		existing, err := s.FindByID(ctx, rec.ID)
		if err != nil {
			s.logger.ErrorContext(ctx, "could not resolve profile existence",
				"id", rec.ID,
				"error", err,
			)
			result.Rejected = append(result.Rejected, models.RejectedRecord{Index: i, ID: rec.ID, Reason: err.Error()})
			continue
		}
		if len(existing) > 0 {
			updates = append(updates, rec)
		} else {
			creations = append(creations, rec)
		}
	}

	result.Created = s.runHalf(ctx, models.OperationCreate, creations)
	result.Updated = s.runHalf(ctx, models.OperationUpdate, updates)

	s.logger.InfoContext(ctx, "batch reconciled",
		"mode", s.writer.Mode(),
		"creates", len(creations),
		"updates", len(updates),
		"rejected", len(result.Rejected),
		"created", result.Created.State.String(),
		"updated", result.Updated.State.String(),
	)
	return result
}

func (s *Store) runHalf(ctx context.Context, op models.Operation, recs []models.ProfileRecord) models.Outcome {
	if len(recs) == 0 {
		return models.Skipped()
	}
	res, err := s.writeBatch(ctx, op, recs)
	if err != nil {
		s.logger.ErrorContext(ctx, "could not run batch transaction",
			"operation", op,
			"records", len(recs),
			"error", err,
		)
		return models.Failed(err)
	}
	return models.OK(res)
}

// prepare re-derives the projected fields and assigns a sequence number.
func (s *Store) prepare(rec models.ProfileRecord) (models.ProfileRecord, error) {
	rec, err := rec.Normalize()
	if err != nil {
		return models.ProfileRecord{}, err
	}
	if rec.SequenceNumber == "" {
		rec.SequenceNumber = s.nextSequence()
	}
	return rec, nil
}

func (s *Store) singleResult(ctx context.Context, op models.Operation, rec models.ProfileRecord, err error) (models.WriteResult, error) {
	if err != nil {
		s.metrics.IncrementWrite(string(op), string(models.StatusFailed))
		if errors.Is(err, store.ErrTransactionRejected) {
			s.metrics.IncrementTransactionRejected(string(op))
		}
		s.logger.WarnContext(ctx, "profile write rejected",
			"operation", op,
			"mode", s.writer.Mode(),
			"id", rec.ID,
			"error", err,
		)
		return models.WriteResult{Status: models.StatusFailed, Operation: op, ID: rec.ID}, translate(op, rec.ID, err)
	}
	s.metrics.IncrementWrite(string(op), string(models.StatusApplied))
	return models.WriteResult{
		Status:         models.StatusApplied,
		Operation:      op,
		ID:             rec.ID,
		SequenceNumber: rec.SequenceNumber,
	}, nil
}

// batchError explains a rejected batch, naming the first failing member.
func (s *Store) batchError(ctx context.Context, op models.Operation, err error) error {
	var txErr *store.TransactionError
	if !errors.As(err, &txErr) {
		return translate(op, "", err)
	}
	s.metrics.IncrementTransactionRejected(string(op) + "_batch")
	msg := fmt.Sprintf("%s batch rejected", op)
	for _, reason := range txErr.Failures() {
		s.logger.WarnContext(ctx, "batch member rejected",
			"operation", op,
			"index", reason.Index,
			"id", reason.Key,
			"reason", reason.Code,
		)
	}
	if failures := txErr.Failures(); len(failures) > 0 && failures[0].Code == store.ReasonConditionalCheckFailed {
		inner := translate(op, failures[0].Key, err)
		return dErrors.Wrap(inner, dErrors.CodeTransactionRejected, msg)
	}
	return dErrors.Wrap(err, dErrors.CodeTransactionRejected, msg)
}

// translate maps store facts to coded errors. A failed guard means the
// record already exists for creations and is missing otherwise.
func translate(op models.Operation, key string, err error) error {
	switch {
	case errors.Is(err, store.ErrConditionFailed):
		if op == models.OperationCreate {
			return dErrors.Wrap(err, dErrors.CodeAlreadyExists, fmt.Sprintf("profile %q already exists", key))
		}
		return dErrors.Wrap(err, dErrors.CodeNotFound, fmt.Sprintf("profile %q not found", key))
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Wrap(err, dErrors.CodeNotFound, fmt.Sprintf("profile %q not found", key))
	case errors.Is(err, store.ErrTransactionRejected), errors.Is(err, store.ErrValidation):
		return dErrors.Wrap(err, dErrors.CodeTransactionRejected, "store rejected the write")
	case errors.Is(err, sentinel.ErrUnavailable):
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "store unavailable")
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "store operation failed")
}

func readError(err error) error {
	if errors.Is(err, sentinel.ErrUnavailable) {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "store unavailable")
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "store read failed")
}

func scanError(err error) error {
	if errors.Is(err, store.ErrValidation) {
		return dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid page token")
	}
	return readError(err)
}

// memberID names a record that could not be projected, falling back to
// whatever id the caller supplied.
func memberID(rec models.ProfileRecord) string {
	if id := models.UserIDOf([]byte(rec.Profile)); id != "" {
		return id
	}
	return normalizeID(rec.ID)
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
