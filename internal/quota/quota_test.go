package quota

import (
	"context"
	"database/sql/driver"
	"fmt"
	"regexp"
	"sync"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/laisky/llmgateway/internal/model"
)

// TestDebit_IsOneAtomicStatement asserts the debit contract at the SQL
// level: spec.md §4.4 requires a single `used = used + cost` statement
// with no preceding read-modify-write round trip.
func TestDebit_IsOneAtomicStatement(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{})
	require.NoError(t, err)

	mock.ExpectBegin()
	// GORM also stamps updated_at in the same statement, hence the
	// middle argument.
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "consumer_quotas" SET "used"=used + $1`)).
		WithArgs(decimalArg(decimal.NewFromFloat(0.00013)), sqlmock.AnyArg(), "c1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	store := New(gdb, decimal.NewFromInt(10))
	err = store.Debit(context.Background(), "c1", decimal.NewFromFloat(0.00013))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

// decimalArg lets sqlmock match a decimal.Decimal value regardless of
// the exact driver.Value representation GORM passes through.
type decimalArgMatcher struct{ want decimal.Decimal }

func (m decimalArgMatcher) Match(v driver.Value) bool {
	return fmt.Sprintf("%v", v) == m.want.String() || fmt.Sprintf("%v", v) == fmt.Sprintf("%v", m.want)
}

func decimalArg(d decimal.Decimal) sqlmock.Argument { return decimalArgMatcher{want: d} }

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.ConsumerQuota{}))
	return db
}

// TestQuotaOvershootBound implements spec.md §8's "Quota overshoot
// bound": with C concurrent calls of cost ≤ k each against a consumer
// with remaining r, after all finish used − quota ≤ (C−1)·k.
func TestQuotaOvershootBound(t *testing.T) {
	db := openTestDB(t)
	store := New(db, decimal.NewFromInt(10))

	const consumerID = "c1"
	require.NoError(t, store.Admit(context.Background(), consumerID, "", ""))

	require.NoError(t, db.Model(&model.ConsumerQuota{}).Where("consumer_id = ?", consumerID).
		Update("quota", decimal.NewFromFloat(1.0)).Error)

	const concurrency = 20
	const costPerCall = 0.2 // k

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.Admit(context.Background(), consumerID, "", ""); err != nil {
				return
			}
			_ = store.Debit(context.Background(), consumerID, decimal.NewFromFloat(costPerCall))
		}()
	}
	wg.Wait()

	row, err := store.Get(context.Background(), consumerID)
	require.NoError(t, err)

	overshoot := row.Used.Sub(row.Quota)
	bound := decimal.NewFromFloat(costPerCall).Mul(decimal.NewFromInt(concurrency - 1))
	require.True(t, overshoot.LessThanOrEqual(bound),
		"overshoot %s exceeds bound %s", overshoot, bound)
}
