// Package audit persists the usage-log rows described in spec.md §3
// "Audit record" and §4.4 "Audit insert": one insert per completed
// call, sharing a transaction with the quota debit, with optional
// full-body capture.
package audit

import (
	"context"

	"github.com/Laisky/errors/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/laisky/llmgateway/internal/model"
	"github.com/laisky/llmgateway/internal/usage"
)

// CaptureConfig governs whether full request/response text is stored
// alongside the SHA-256 hashes, spec.md §3 "feature-flagged; default
// null" — adapted from the teacher's UnmarshalBodyReusable/
// LogClientRequestPayload body-capture toggle (SPEC_FULL.md §12).
type CaptureConfig struct {
	StoreFullBodies bool
	MaxBodyBytes    int
}

// Record is everything needed to write one audit row and hand its id
// off to the batcher.
type Record struct {
	ConsumerID  string
	Provider    string
	Model       string
	Status      int
	Facts       usage.Facts
	Cost        decimal.Decimal
	RequestBody []byte
	ResponseBody []byte
}

// Store is the durable audit log, spec.md §3 "Ownership": the quota
// store and audit store are the only durable sources of truth.
type Store struct {
	db      *gorm.DB
	capture CaptureConfig
}

// New builds an audit Store.
func New(db *gorm.DB, capture CaptureConfig) *Store {
	return &Store{db: db, capture: capture}
}

// Insert writes one usage_logs row. Callers that also debit quota for
// the same call should pass a *gorm.DB transaction handle bound to
// ctx via WithContext so both writes commit or roll back together
// (spec.md §4.4 "in the same transaction as the debit").
func (s *Store) Insert(ctx context.Context, tx *gorm.DB, rec Record) (string, error) {
	if tx == nil {
		tx = s.db
	}

	row := model.UsageLog{
		ID:                  uuid.NewString(),
		ConsumerID:          rec.ConsumerID,
		Provider:            rec.Provider,
		Model:               rec.Model,
		PromptTokens:        rec.Facts.PromptTokens,
		CompletionTokens:    rec.Facts.CompletionTokens,
		CacheCreationTokens: rec.Facts.CacheCreationTokens,
		CacheReadTokens:     rec.Facts.CacheReadTokens,
		Cost:                rec.Cost,
		Status:              rec.Status,
		RequestHash:         rec.Facts.RequestHash,
		ResponseHash:        rec.Facts.ResponseHash,
		Estimated:           rec.Facts.Estimated,
	}

	if s.capture.StoreFullBodies {
		reqText := truncate(rec.RequestBody, s.capture.MaxBodyBytes)
		respText := truncate(rec.ResponseBody, s.capture.MaxBodyBytes)
		row.RequestText = &reqText
		row.ResponseText = &respText
	}

	if err := tx.WithContext(ctx).Create(&row).Error; err != nil {
		return "", errors.Wrap(err, "insert audit record")
	}
	return row.ID, nil
}

func truncate(body []byte, maxBytes int) string {
	if maxBytes <= 0 || len(body) <= maxBytes {
		return string(body)
	}
	return string(body[:maxBytes])
}

// Get returns one audit record by id, used by the admin/query surface
// and by Verifier.VerifyLog's callers.
func (s *Store) Get(ctx context.Context, id string) (model.UsageLog, error) {
	var row model.UsageLog
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return model.UsageLog{}, errors.Wrapf(err, "load audit record %s", id)
	}
	return row, nil
}

// ListByConsumer returns recent usage rows for a consumer, newest
// first, for the admin/query surface's stats endpoint.
func (s *Store) ListByConsumer(ctx context.Context, consumerID string, limit int) ([]model.UsageLog, error) {
	var rows []model.UsageLog
	err := s.db.WithContext(ctx).Where("consumer_id = ?", consumerID).
		Order("created_at desc").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, errors.Wrapf(err, "list usage for consumer %s", consumerID)
	}
	return rows, nil
}
