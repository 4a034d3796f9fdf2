// Package service holds the audit log operations exposed to the HTTP layer:
// ingestion, lookups, listings and verification.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/banking-audit-ledger/anchor/internal/auditlog/model"
	"github.com/banking-audit-ledger/anchor/internal/auditlog/store"
	"github.com/banking-audit-ledger/anchor/internal/canonical"
	"github.com/banking-audit-ledger/anchor/internal/schema"
)

// Listing bounds.
const (
	DefaultPageSize = 10
	MaxPageSize     = 100
	maxLabelLength  = 255
)

// Notifier is woken after every successful ingestion.
// *anchor.Committer satisfies this interface.
type Notifier interface {
	Notify()
}

// LogService ingests and reads audit log records.
type LogService struct {
	store    store.Store
	alg      canonical.Algorithm
	policy   *schema.Policy // nil = accept any object payload
	notifier Notifier       // nil = rely on the committer's interval
	now      func() time.Time
	logger   *zap.Logger
}

// NewLogService creates a LogService that digests new records with alg.
func NewLogService(st store.Store, alg canonical.Algorithm, logger *zap.Logger) *LogService {
	if alg == "" {
		alg = canonical.DefaultAlgorithm
	}
	return &LogService{store: st, alg: alg, now: time.Now, logger: logger}
}

// SetPolicy configures per-event-type payload constraints.
func (s *LogService) SetPolicy(p *schema.Policy) { s.policy = p }

// SetNotifier configures the component woken after each ingestion.
func (s *LogService) SetNotifier(n Notifier) { s.notifier = n }

// SetClock overrides the clock used for default listing snapshots.
func (s *LogService) SetClock(now func() time.Time) { s.now = now }

// CreateLog validates, digests and persists a new record in pending state.
// Nothing is stored when validation fails.
func (s *LogService) CreateLog(ctx context.Context, req model.CreateLogRequest) (*model.LogRecord, error) {
	rec, err := s.buildRecord(req)
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return nil, err
	}

	s.logger.Info("audit log ingested",
		zap.String("id", rec.ID.String()),
		zap.String("source", rec.Source),
		zap.String("event_type", rec.EventType),
		zap.String("digest", rec.Digest),
	)
	if s.notifier != nil {
		s.notifier.Notify()
	}
	return rec, nil
}

func (s *LogService) buildRecord(req model.CreateLogRequest) (*model.LogRecord, error) {
	source := strings.TrimSpace(req.Source)
	eventType := strings.TrimSpace(req.EventType)
	if err := validateLabel("source", source); err != nil {
		return nil, err
	}
	if err := validateLabel("event_type", eventType); err != nil {
		return nil, err
	}

	var id uuid.UUID
	if req.ID != "" {
		parsed, err := uuid.Parse(req.ID)
		if err != nil {
			return nil, &model.ErrValidation{Field: "id", Msg: "must be a UUID"}
		}
		id = parsed
	}

	if len(req.Payload) == 0 {
		return nil, &model.ErrValidation{Field: "payload", Msg: "is required"}
	}
	payload, err := canonical.ParseObject(req.Payload)
	if err != nil {
		return nil, payloadError(err)
	}
	encoded, err := canonical.Encode(payload)
	if err != nil {
		return nil, payloadError(err)
	}
	if err := s.policy.Validate(eventType, encoded); err != nil {
		return nil, payloadError(err)
	}

	digest, err := canonical.Digest(s.alg, source, eventType, payload)
	if err != nil {
		return nil, payloadError(err)
	}

	return &model.LogRecord{
		ID:        id,
		Source:    source,
		EventType: eventType,
		Payload:   encoded,
		Digest:    digest,
		DigestAlg: string(s.alg),
	}, nil
}

func validateLabel(field, v string) error {
	switch {
	case v == "":
		return &model.ErrValidation{Field: field, Msg: "is required"}
	case utf8.RuneCountInString(v) > maxLabelLength:
		return &model.ErrValidation{Field: field, Msg: fmt.Sprintf("must be at most %d characters", maxLabelLength)}
	case !utf8.ValidString(v):
		return &model.ErrValidation{Field: field, Msg: "must be valid UTF-8"}
	}
	return nil
}

func payloadError(err error) error {
	var encErr *canonical.EncodingError
	var violation *schema.Violation
	switch {
	case errors.As(err, &encErr), errors.As(err, &violation):
		return &model.ErrValidation{Field: "payload", Msg: err.Error()}
	}
	return err
}

// GetLog returns one record.
func (s *LogService) GetLog(ctx context.Context, id uuid.UUID) (*model.LogRecord, error) {
	return s.store.Get(ctx, id)
}

// ListLogs returns one page of records, newest first. A zero f.AsOf pins the
// listing to the current time; clients pass the returned AsOf back to page
// through a consistent snapshot.
func (s *LogService) ListLogs(ctx context.Context, f model.ListFilter, page, pageSize int) (*model.LogPage, error) {
	if page < 1 {
		page = 1
	}
	switch {
	case pageSize <= 0:
		pageSize = DefaultPageSize
	case pageSize > MaxPageSize:
		pageSize = MaxPageSize
	}
	if f.AsOf.IsZero() {
		f.AsOf = s.now().UTC()
	}

	logs, total, err := s.store.List(ctx, f, page, pageSize)
	if err != nil {
		return nil, err
	}
	if logs == nil {
		logs = []*model.LogRecord{}
	}
	return &model.LogPage{
		Logs:       logs,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: (total + pageSize - 1) / pageSize,
		AsOf:       f.AsOf,
	}, nil
}
