// Package quota implements the per-consumer spending ledger of
// spec.md §3/§4.4: admission reads, a default-quota consumer creation
// path, and an atomic, unreserved debit.
package quota

import (
	"context"

	"github.com/Laisky/errors/v2"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/laisky/llmgateway/internal/gatewayerr"
	"github.com/laisky/llmgateway/internal/model"
)

// Store is the quota/audit durable source of truth, spec.md §3
// "Ownership".
type Store struct {
	db           *gorm.DB
	defaultQuota decimal.Decimal
}

// New builds a Store. defaultQuota seeds a consumer's quota on first
// sight (spec.md §3 "Created on first sight of a consumer with a
// default quota").
func New(db *gorm.DB, defaultQuota decimal.Decimal) *Store {
	return &Store{db: db, defaultQuota: defaultQuota}
}

// Admit implements spec.md §4.1 admission step (ii): read the current
// quota row (creating it with the default quota if this is the first
// time the consumer is seen), and fail QuotaExceeded if used ≥ quota.
// No reservation is made here — see Debit's doc comment for why.
func (s *Store) Admit(ctx context.Context, consumerID, displayName, externalID string) error {
	row, err := s.getOrCreate(ctx, consumerID, displayName, externalID)
	if err != nil {
		return err
	}
	if row.Used.GreaterThanOrEqual(row.Quota) {
		return gatewayerr.New(gatewayerr.QuotaExceeded, "consumer has exhausted its quota")
	}
	return nil
}

func (s *Store) getOrCreate(ctx context.Context, consumerID, displayName, externalID string) (model.ConsumerQuota, error) {
	var row model.ConsumerQuota
	err := s.db.WithContext(ctx).First(&row, "consumer_id = ?", consumerID).Error
	switch {
	case err == nil:
		return row, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		row = model.ConsumerQuota{
			ConsumerID:  consumerID,
			DisplayName: displayName,
			ExternalID:  externalID,
			Quota:       s.defaultQuota,
			Used:        decimal.Zero,
		}
		if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
			// Another request may have created the row concurrently; that is
			// not an error, just re-read the now-existing row.
			var reread model.ConsumerQuota
			if rerr := s.db.WithContext(ctx).First(&reread, "consumer_id = ?", consumerID).Error; rerr == nil {
				return reread, nil
			}
			return model.ConsumerQuota{}, errors.Wrap(err, "create consumer quota row")
		}
		return row, nil
	default:
		return model.ConsumerQuota{}, errors.Wrap(err, "load consumer quota row")
	}
}

// Debit implements spec.md §4.4's quota debit contract: `used ← used +
// cost` as a single atomic SQL statement. There is no pre-reservation
// — admission only checks the snapshot it read, so concurrent
// admissions can temporarily push `used` past `quota`. The overshoot
// is bounded by in-flight concurrency and per-call cost (spec.md §8
// "Quota overshoot bound"); the alternative (locking rows across the
// whole request) would serialize unrelated consumers and was
// explicitly rejected by the spec.
func (s *Store) Debit(ctx context.Context, consumerID string, cost decimal.Decimal) error {
	return debit(s.db.WithContext(ctx), consumerID, cost)
}

// DebitTx performs the same atomic update as Debit, but against a
// caller-supplied transaction handle so it can share a commit with
// the audit insert, spec.md §4.4 "in the same transaction as the
// debit".
func (s *Store) DebitTx(tx *gorm.DB, consumerID string, cost decimal.Decimal) error {
	return debit(tx, consumerID, cost)
}

func debit(db *gorm.DB, consumerID string, cost decimal.Decimal) error {
	res := db.Model(&model.ConsumerQuota{}).
		Where("consumer_id = ?", consumerID).
		Update("used", gorm.Expr("used + ?", cost))
	if res.Error != nil {
		return errors.Wrapf(res.Error, "debit consumer %s", consumerID)
	}
	if res.RowsAffected == 0 {
		return errors.Errorf("debit consumer %s: no quota row", consumerID)
	}
	return nil
}

// Get returns the current quota row, used by the admin/query surface.
func (s *Store) Get(ctx context.Context, consumerID string) (model.ConsumerQuota, error) {
	var row model.ConsumerQuota
	if err := s.db.WithContext(ctx).First(&row, "consumer_id = ?", consumerID).Error; err != nil {
		return model.ConsumerQuota{}, errors.Wrapf(err, "load consumer %s", consumerID)
	}
	return row, nil
}
