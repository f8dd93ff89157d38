// Package service accepts raw profile documents, stamps and verifies them,
// and hands the survivors to the profile store under one sequence-number
// lineage.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"identity-vault/internal/vault/events"
	"identity-vault/internal/vault/metrics"
	"identity-vault/internal/vault/models"
	"identity-vault/internal/verifier"
	dErrors "identity-vault/pkg/domain-errors"
)

const lastModified = "last_modified"

// ProfileStore is the subset of the profile store the service writes through.
type ProfileStore interface {
	FindOrCreate(ctx context.Context, rec models.ProfileRecord) (models.WriteResult, error)
	FindOrCreateBatch(ctx context.Context, recs []models.ProfileRecord) models.ReconcileResult
}

// ChangePublisher announces applied writes.
type ChangePublisher interface {
	PublishChanges(ctx context.Context, changes []events.Change) error
}

// VerificationHook is told about every document dropped by verification.
type VerificationHook func(ctx context.Context, userID string, err error)

// Config is resolved once at startup and never re-read.
type Config struct {
	VerifyPublishers bool
	VerifySignatures bool
	SigningIdentity  string
	PublisherRules   verifier.PublisherRules
}

// Service writes profile documents to the vault.
type Service struct {
	profiles  ProfileStore
	verifier  *verifier.Verifier
	cfg       Config
	sequence  string
	publisher ChangePublisher
	hook      VerificationHook
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithPublisher enables change notifications.
func WithPublisher(p ChangePublisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

func WithVerificationHook(hook VerificationHook) Option {
	return func(s *Service) {
		s.hook = hook
	}
}

// WithSequenceNumber pins the lineage instead of drawing a random one.
func WithSequenceNumber(seq string) Option {
	return func(s *Service) {
		if seq != "" {
			s.sequence = seq
		}
	}
}

func New(profiles ProfileStore, v *verifier.Verifier, cfg Config, opts ...Option) (*Service, error) {
	if profiles == nil {
		return nil, errors.New("profile store is required")
	}
	if v == nil {
		return nil, errors.New("verifier is required")
	}
	if cfg.SigningIdentity == "" {
		return nil, errors.New("signing identity is required")
	}
	s := &Service{
		profiles: profiles,
		verifier: v,
		cfg:      cfg,
		sequence: models.NewSequenceNumber(),
		logger:   slog.Default(),
		tracer:   otel.Tracer("identity-vault/service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SequenceNumber is the lineage stamped on every record this instance writes.
func (s *Service) SequenceNumber() string {
	return s.sequence
}

// ForSequence returns a copy bound to seq, or to a fresh random lineage when
// seq is empty.
func (s *Service) ForSequence(seq string) *Service {
	c := *s
	if seq == "" {
		seq = models.NewSequenceNumber()
	}
	c.sequence = seq
	return &c
}

// PutProfile stores one document. A document that fails verification is
// dropped: the result is skipped and the error is nil.
func (s *Service) PutProfile(ctx context.Context, raw []byte) (models.WriteResult, error) {
	ctx, span := s.tracer.Start(ctx, "vault.PutProfile",
		trace.WithAttributes(attribute.String("vault.sequence_number", s.sequence)))
	defer span.End()

	rec, err := s.prepare(ctx, raw)
	if err != nil {
		if errors.Is(err, errDropped) {
			span.SetAttributes(attribute.Bool("vault.dropped", true))
			return models.WriteResult{Status: models.StatusSkipped}, nil
		}
		recordError(span, err)
		return models.WriteResult{Status: models.StatusFailed}, err
	}

	res, err := s.profiles.FindOrCreate(ctx, rec)
	if err != nil {
		recordError(span, err)
		return res, err
	}
	span.SetAttributes(attribute.String("vault.operation", string(res.Operation)))
	s.publish(ctx, events.FromWrite(res))
	return res, nil
}

// PutProfiles stamps and verifies every document, then reconciles the
// survivors in one batch. Documents that cannot be parsed or fail
// verification are listed in Dropped.
func (s *Service) PutProfiles(ctx context.Context, raws [][]byte) (models.BatchPutResult, error) {
	ctx, span := s.tracer.Start(ctx, "vault.PutProfiles", trace.WithAttributes(
		attribute.String("vault.sequence_number", s.sequence),
		attribute.Int("vault.documents", len(raws)),
	))
	defer span.End()

	result := models.BatchPutResult{SequenceNumber: s.sequence}
	recs := make([]models.ProfileRecord, 0, len(raws))
	for i, raw := range raws {
		rec, err := s.prepare(ctx, raw)
		if err != nil {
			result.Dropped = append(result.Dropped, models.RejectedRecord{Index: i, Reason: reason(err)})
			continue
		}
		recs = append(recs, rec)
	}

	s.logger.InfoContext(ctx, "sending profile batch",
		"sequence_number", s.sequence,
		"documents", len(raws),
		"accepted", len(recs),
		"dropped", len(result.Dropped),
	)
	if len(recs) == 0 {
		result.Reconcile = models.ReconcileResult{Created: models.Skipped(), Updated: models.Skipped()}
		return result, nil
	}

	result.Reconcile = s.profiles.FindOrCreateBatch(ctx, recs)
	var changes []events.Change
	for _, half := range []models.Outcome{result.Reconcile.Created, result.Reconcile.Updated} {
		half.Match(func(r models.BatchResult) {
			changes = append(changes, events.FromBatch(r)...)
		}, func(err error) {
			recordError(span, err)
		})
	}
	s.publish(ctx, changes)
	return result, nil
}

var errDropped = errors.New("document dropped by verification")

type droppedError struct {
	err error
}

func (e *droppedError) Error() string {
	return e.err.Error()
}

func (e *droppedError) Unwrap() []error {
	return []error{errDropped, e.err}
}

// prepare stamps last_modified as the signing identity, verifies the
// document per configuration and projects it into a record.
func (s *Service) prepare(ctx context.Context, raw []byte) (models.ProfileRecord, error) {
	doc, err := s.verifier.Parse(raw)
	if err != nil {
		return models.ProfileRecord{}, dErrors.Wrap(err, dErrors.CodeMalformedDocument, "profile is not a JSON object")
	}

	doc.UpdateTimestamp(lastModified)
	doc.SetValue(lastModified, doc.Now())
	if err := doc.SignAttribute(lastModified, s.cfg.SigningIdentity); err != nil {
		return models.ProfileRecord{}, dErrors.Wrap(err, dErrors.CodeInternal, "could not sign last_modified")
	}

	if err := s.verify(doc); err != nil {
		userID := doc.StringValue("user_id")
		s.logger.WarnContext(ctx, "profile failed verification, skipping",
			"user_id", userID,
			"sequence_number", s.sequence,
			"error", err,
		)
		s.metrics.IncrementVerificationFailure(failureKind(err))
		if s.hook != nil {
			s.hook(ctx, userID, err)
		}
		return models.ProfileRecord{}, &droppedError{err: err}
	}

	blob, err := doc.JSON()
	if err != nil {
		return models.ProfileRecord{}, dErrors.Wrap(err, dErrors.CodeInternal, "could not encode profile")
	}
	return models.NewRecord(blob, s.sequence)
}

func (s *Service) verify(doc *verifier.Profile) error {
	if s.cfg.VerifyPublishers {
		if err := doc.VerifyAllPublishers(s.cfg.PublisherRules); err != nil {
			return err
		}
	}
	if s.cfg.VerifySignatures {
		if err := doc.VerifyAllSignatures(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) publish(ctx context.Context, changes []events.Change) {
	if s.publisher == nil || len(changes) == 0 {
		return
	}
	if err := s.publisher.PublishChanges(ctx, changes); err != nil {
		s.metrics.IncrementPublishFailure()
		s.logger.ErrorContext(ctx, "failed to publish profile changes",
			"sequence_number", s.sequence,
			"changes", len(changes),
			"error", err,
		)
	}
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, verifier.ErrPublisherVerification):
		return "publisher"
	case errors.Is(err, verifier.ErrSignatureVerification):
		return "signature"
	default:
		return "unknown"
	}
}

func reason(err error) string {
	var de *dErrors.Error
	if errors.As(err, &de) && de.Message != "" {
		return fmt.Sprintf("%s: %s", de.Code, de.Message)
	}
	return err.Error()
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
