// Package handler exposes the vault over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"identity-vault/internal/platform/metrics"
	"identity-vault/internal/platform/middleware"
	"identity-vault/internal/vault/models"
	"identity-vault/internal/vault/status"
	dErrors "identity-vault/pkg/domain-errors"
	"identity-vault/pkg/platform/httputil"
)

// Service writes profile documents under one lineage.
type Service interface {
	PutProfile(ctx context.Context, raw []byte) (models.WriteResult, error)
	PutProfiles(ctx context.Context, raws [][]byte) (models.BatchPutResult, error)
	SequenceNumber() string
}

// Lineage returns a Service bound to a fresh sequence number.
type Lineage func() Service

// Profiles reads vault records.
type Profiles interface {
	FindByID(ctx context.Context, id string) ([]models.ProfileRecord, error)
	FindByEmail(ctx context.Context, email string) ([]models.ProfileRecord, error)
	FindByUUID(ctx context.Context, uuid string) ([]models.ProfileRecord, error)
	FindByUsername(ctx context.Context, username string) ([]models.ProfileRecord, error)
	ListPage(ctx context.Context, pageToken string, limit int) (models.RecordPage, error)
}

// StatusChecker answers whether a sequence number landed.
type StatusChecker interface {
	All(ctx context.Context, sequenceNumber string) (map[string]bool, error)
	Detailed(ctx context.Context, sequenceNumber string) (map[string]status.Result, error)
}

// Handler wires vault endpoints to the services.
type Handler struct {
	lineage      Lineage
	profiles     Profiles
	checker      StatusChecker
	logger       *slog.Logger
	metrics      *metrics.Metrics
	jwtValidator middleware.JWTValidator
	timeout      time.Duration
}

type Option func(*Handler)

// WithAuth requires a bearer token on every vault route.
func WithAuth(v middleware.JWTValidator) Option {
	return func(h *Handler) {
		h.jwtValidator = v
	}
}

func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		h.timeout = d
	}
}

// New constructs a vault handler with its dependencies.
func New(lineage Lineage, profiles Profiles, checker StatusChecker, logger *slog.Logger, m *metrics.Metrics, opts ...Option) *Handler {
	h := &Handler{
		lineage:  lineage,
		profiles: profiles,
		checker:  checker,
		logger:   logger,
		metrics:  m,
		timeout:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the vault routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(vault chi.Router) {
		vault.Use(middleware.Recovery(h.logger))
		vault.Use(middleware.RequestID)
		vault.Use(middleware.Logger(h.logger))
		vault.Use(middleware.Timeout(h.timeout))
		vault.Use(middleware.ContentTypeJSON)
		vault.Use(middleware.LatencyMiddleware(h.metrics))
		if h.jwtValidator != nil {
			vault.Use(middleware.RequireAuth(h.jwtValidator, h.logger))
		}
		vault.Post("/v2/user", h.handlePutProfile)
		vault.Post("/v2/users", h.handlePutProfiles)
		vault.Get("/v2/status", h.handleStatus)
		vault.Get("/v2/users", h.handleListUsers)
		vault.Get("/v2/user/{field}/{value}", h.handleFindUser)
	})
}

func (h *Handler) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	body, err := httputil.ReadBody(w, r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	svc := h.lineage()
	res, err := svc.PutProfile(ctx, body)
	if err != nil {
		h.logger.ErrorContext(ctx, "profile write failed",
			"request_id", requestID,
			"sequence_number", svc.SequenceNumber(),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "profile written",
		"request_id", requestID,
		"id", res.ID,
		"status", res.Status,
		"operation", res.Operation,
		"sequence_number", svc.SequenceNumber(),
	)
	httputil.WriteJSON(w, http.StatusOK, putProfileResponse{
		Status:         res.Status,
		Operation:      res.Operation,
		ID:             res.ID,
		SequenceNumber: svc.SequenceNumber(),
	})
}

func (h *Handler) handlePutProfiles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	body, err := httputil.ReadBody(w, r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var docs []json.RawMessage
	if err := json.Unmarshal(body, &docs); err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeBadRequest, "body must be a JSON array of profiles"))
		return
	}
	raws := make([][]byte, len(docs))
	for i, d := range docs {
		raws[i] = d
	}

	res, err := h.lineage().PutProfiles(ctx, raws)
	if err != nil {
		h.logger.ErrorContext(ctx, "profile batch failed",
			"request_id", requestID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	resp := toBatchResponse(res)
	code := http.StatusOK
	if failed := allAttemptedFailed(res.Reconcile); failed != nil {
		code = httputil.StatusFor(dErrors.CodeOf(failed))
	}
	h.logger.InfoContext(ctx, "profile batch processed",
		"request_id", requestID,
		"sequence_number", res.SequenceNumber,
		"documents", len(raws),
		"dropped", len(res.Dropped),
		"created", res.Reconcile.Created.State.String(),
		"updated", res.Reconcile.Updated.State.String(),
	)
	httputil.WriteJSON(w, code, resp)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	seq := r.URL.Query().Get("sequenceNumber")

	if detail, _ := strconv.ParseBool(r.URL.Query().Get("detail")); detail {
		results, err := h.checker.Detailed(ctx, seq)
		if err != nil {
			h.logStatusError(ctx, seq, err)
			httputil.WriteError(w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, results)
		return
	}

	results, err := h.checker.All(ctx, seq)
	if err != nil {
		h.logStatusError(ctx, seq, err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, results)
}

func (h *Handler) logStatusError(ctx context.Context, seq string, err error) {
	h.logger.WarnContext(ctx, "status check failed",
		"request_id", middleware.GetRequestID(ctx),
		"sequence_number", seq,
		"error", err,
	)
}

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	page, err := h.profiles.ListPage(ctx, q.Get("nextPage"), limit)
	if err != nil {
		h.logger.ErrorContext(ctx, "list users failed",
			"request_id", middleware.GetRequestID(ctx),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	if page.Records == nil {
		page.Records = []models.ProfileRecord{}
	}
	httputil.WriteJSON(w, http.StatusOK, page)
}

func (h *Handler) handleFindUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	field := chi.URLParam(r, "field")
	value := strings.TrimSpace(chi.URLParam(r, "value"))

	var find func(context.Context, string) ([]models.ProfileRecord, error)
	switch field {
	case "id":
		find = h.profiles.FindByID
	case "email":
		find = h.profiles.FindByEmail
	case "uuid":
		find = h.profiles.FindByUUID
	case "username":
		find = h.profiles.FindByUsername
	default:
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "field must be one of id, email, uuid, username"))
		return
	}
	if value == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "value is required"))
		return
	}

	recs, err := find(ctx, value)
	if err != nil {
		h.logger.ErrorContext(ctx, "find user failed",
			"request_id", middleware.GetRequestID(ctx),
			"field", field,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	if len(recs) == 0 {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "no profile matches "+field))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, listResponse{Items: recs})
}
