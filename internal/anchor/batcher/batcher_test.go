package batcher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/laisky/llmgateway/internal/anchor"
	"github.com/laisky/llmgateway/internal/model"
)

// fakeChain is an in-memory stand-in for the on-chain contract,
// assigning strictly increasing sequence numbers the way a real chain
// would, used to exercise spec.md §8's monotonicity property without
// a live anchoring endpoint.
type fakeChain struct {
	mu      sync.Mutex
	batches []anchor.Batch
	fail    bool
}

func (f *fakeChain) RecordBatch(_ context.Context, root, chainHash [32]byte, logCount int, seq int64) (anchor.RecordBatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return anchor.RecordBatchResult{}, fmt.Errorf("simulated chain failure")
	}
	tx := fmt.Sprintf("tx-%d", seq)
	f.batches = append(f.batches, anchor.Batch{
		ID: int64(len(f.batches)), MerkleRoot: root, ChainHash: chainHash,
		Seq: seq, AnchorTx: tx, LogCount: logCount, Timestamp: time.Now(),
	})
	return anchor.RecordBatchResult{AnchorTx: tx, Seq: seq}, nil
}

func (f *fakeChain) GetLatestBatch(_ context.Context) (anchor.Batch, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batches) == 0 {
		return anchor.Batch{}, false, nil
	}
	return f.batches[len(f.batches)-1], true, nil
}

func (f *fakeChain) GetBatch(_ context.Context, id int64) (anchor.Batch, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.batches {
		if b.ID == id {
			return b, true, nil
		}
	}
	return anchor.Batch{}, false, nil
}

func (f *fakeChain) TotalBatches(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.batches)), nil
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.UsageLog{}, &model.BlockchainBatch{}, &model.BlockchainBudget{}))
	return db
}

func seedLog(t *testing.T, db *gorm.DB, id string) {
	t.Helper()
	require.NoError(t, db.Create(&model.UsageLog{
		ID: id, ConsumerID: "c1", Provider: "openai", Model: "gpt-5",
		PromptTokens: 8, CompletionTokens: 12, RequestHash: "rq", ResponseHash: "rs",
		CreatedAt: time.Now(),
	}).Error)
}

func TestEnqueue_FlushesAtBaseSize(t *testing.T) {
	db := openTestDB(t)
	chain := &fakeChain{}
	b, err := New(context.Background(), chain, db, Config{BaseSize: 4, FlushInterval: time.Hour, DailyBudget: 100})
	require.NoError(t, err)
	defer b.Stop()

	var futures []*Future
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("log-%d", i)
		seedLog(t, db, id)
		f, err := b.Enqueue(context.Background(), Record{LogID: id, ConsumerID: "c1", Provider: "openai", Model: "gpt-5"})
		require.NoError(t, err)
		futures = append(futures, f)
	}

	for _, f := range futures {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		r, err := f.Wait(ctx)
		cancel()
		require.NoError(t, err)
		require.Equal(t, OutcomeAnchored, r.Outcome)
	}

	var batches []model.BlockchainBatch
	require.NoError(t, db.Find(&batches).Error)
	require.Len(t, batches, 1)
	require.Equal(t, 4, batches[0].LogCount)
}

// TestVerifyLog_ThirdLeaf implements spec.md §8 scenario 6: enqueue 4
// records, verify the third leaf, then tamper its response hash and
// confirm verification now fails.
func TestVerifyLog_ThirdLeaf(t *testing.T) {
	db := openTestDB(t)
	chain := &fakeChain{}
	b, err := New(context.Background(), chain, db, Config{BaseSize: 4, FlushInterval: time.Hour, DailyBudget: 100})
	require.NoError(t, err)
	defer b.Stop()

	ids := make([]string, 4)
	var futures []*Future
	for i := 0; i < 4; i++ {
		ids[i] = fmt.Sprintf("log-%d", i)
		seedLog(t, db, ids[i])
		f, err := b.Enqueue(context.Background(), Record{
			LogID: ids[i], ConsumerID: "c1", Provider: "openai", Model: "gpt-5",
			PromptTokens: 8, CompletionTokens: 12, RequestHash: "rq", ResponseHash: "rs",
		})
		require.NoError(t, err)
		futures = append(futures, f)
	}
	for _, f := range futures {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, err := f.Wait(ctx)
		cancel()
		require.NoError(t, err)
	}

	verifier := anchor.NewVerifier(db)
	result, err := verifier.VerifyLog(context.Background(), ids[2])
	require.NoError(t, err)
	require.True(t, result.Valid)

	require.NoError(t, db.Model(&model.UsageLog{}).Where("id = ?", ids[2]).
		Update("response_hash", "tampered").Error)

	// Mutating response_hash alone doesn't change the stored leaf hash
	// (it was computed and frozen at anchor time); VerifyLog catches the
	// tampering by re-deriving the leaf from the record's current fields.
	result, err = verifier.VerifyLog(context.Background(), ids[2])
	require.NoError(t, err)
	require.False(t, result.Valid)
	require.Equal(t, "leaf mismatch", result.Reason)

	// The leaf re-derived from the tampered record no longer matches the
	// frozen leaf hash column.
	var rec model.UsageLog
	require.NoError(t, db.First(&rec, "id = ?", ids[2]).Error)
	leaf, err := anchor.Leaf(anchor.LeafInput{
		ConsumerID: rec.ConsumerID, Provider: rec.Provider, Model: rec.Model,
		PromptTokens: rec.PromptTokens, CompletionTokens: rec.CompletionTokens,
		RequestHash: rec.RequestHash, ResponseHash: rec.ResponseHash,
	})
	require.NoError(t, err)
	require.NotEqual(t, *rec.LeafHash, fmt.Sprintf("%x", leaf))
}

// TestSequenceMonotonicity_UnderConcurrency implements spec.md §8
// "Sequence-number monotonicity under concurrency": N concurrent
// enqueuers driving M batches must produce a strict contiguous
// increasing sequence across submitted batches.
func TestSequenceMonotonicity_UnderConcurrency(t *testing.T) {
	db := openTestDB(t)
	chain := &fakeChain{}
	b, err := New(context.Background(), chain, db, Config{BaseSize: 5, FlushInterval: time.Hour, DailyBudget: 1000})
	require.NoError(t, err)
	defer b.Stop()

	const n = 50
	var wg sync.WaitGroup
	futures := make([]*Future, n)
	for i := 0; i < n; i++ {
		i := i
		id := fmt.Sprintf("log-%d", i)
		seedLog(t, db, id)
		wg.Add(1)
		go func() {
			defer wg.Done()
			f, err := b.Enqueue(context.Background(), Record{LogID: id, ConsumerID: "c1", Provider: "openai", Model: "gpt-5"})
			require.NoError(t, err)
			futures[i] = f
		}()
	}
	wg.Wait()

	for _, f := range futures {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, err := f.Wait(ctx)
		cancel()
		require.NoError(t, err)
	}

	var batches []model.BlockchainBatch
	require.NoError(t, db.Order("tx_seq asc").Find(&batches).Error)
	require.True(t, len(batches) >= int(n/5))
	for i, batch := range batches {
		require.Equal(t, int64(i), batch.TxSeq, "sequence numbers must be contiguous and increasing")
	}
}

// TestBudgetAdherence implements spec.md §8 "Budget adherence": across
// a day with a DailyBudget of T, at most T anchor transactions submit;
// excess records complete with budgetExhausted instead of blocking.
func TestBudgetAdherence(t *testing.T) {
	db := openTestDB(t)
	chain := &fakeChain{}
	b, err := New(context.Background(), chain, db, Config{BaseSize: 2, FlushInterval: time.Hour, DailyBudget: 2, Adaptive: false})
	require.NoError(t, err)
	defer b.Stop()

	var futures []*Future
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("log-%d", i)
		seedLog(t, db, id)
		f, err := b.Enqueue(context.Background(), Record{LogID: id, ConsumerID: "c1", Provider: "openai", Model: "gpt-5"})
		require.NoError(t, err)
		futures = append(futures, f)
	}

	var anchored, exhausted int
	for _, f := range futures {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		r, err := f.Wait(ctx)
		cancel()
		require.NoError(t, err)
		switch r.Outcome {
		case OutcomeAnchored:
			anchored++
		case OutcomeBudgetExhausted:
			exhausted++
		}
	}

	total, err := chain.TotalBatches(context.Background())
	require.NoError(t, err)
	require.LessOrEqual(t, total, int64(2))
	require.Greater(t, exhausted, 0)
}
