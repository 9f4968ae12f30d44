// Package batcher implements the audit-record batcher and anchoring
// pipeline of spec.md §4.5: it aggregates audit records, builds a
// Merkle tree per batch, submits one anchoring transaction per batch
// through a strict serial queue, adapts batch size to a daily
// transaction budget, and writes each record's proof back once its
// batch anchors.
package batcher

import (
	"context"
	"encoding/hex"
	"math"
	"sync"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"gorm.io/gorm"

	"github.com/laisky/llmgateway/internal/anchor"
	gwlogger "github.com/laisky/llmgateway/internal/logger"
	"github.com/laisky/llmgateway/internal/merkle"
	"github.com/laisky/llmgateway/internal/metrics"
	"github.com/laisky/llmgateway/internal/model"
)

// Outcome is the terminal state of one enqueued record, spec.md §9
// "the contract is completes once, with {anchored | budgetExhausted |
// failed}".
type Outcome string

const (
	OutcomeAnchored        Outcome = "anchored"
	OutcomeBudgetExhausted Outcome = "budget_exhausted"
	OutcomeFailed          Outcome = "failed"
)

// Result is delivered exactly once to the Future returned by Enqueue.
type Result struct {
	Outcome  Outcome
	BatchID  int64
	AnchorTx string
	Err      error
}

// Future completes when the enqueued record's batch anchors, is
// dropped for budget exhaustion, or fails — spec.md §4.5 "Batcher
// contract".
type Future struct {
	ch chan Result
}

func newFuture() *Future { return &Future{ch: make(chan Result, 1)} }

func (f *Future) complete(r Result) { f.ch <- r }

// Wait blocks until the future settles or ctx is done. The hot request
// path never calls this (anchoring is fire-and-forget, spec.md §5);
// it exists for tests and for an optional synchronous admin endpoint.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case r := <-f.ch:
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Record is the enqueue-time view of one completed audit record,
// spec.md §4.5 step 1's canonicalization inputs plus the audit row id
// the pipeline writes proof fields back onto.
type Record struct {
	LogID            string
	ConsumerID       string
	Provider         string
	Model            string
	PromptTokens     int64
	CompletionTokens int64
	RequestHash      string
	ResponseHash     string
}

// Config is the subset of internal/config.Config the batcher needs.
type Config struct {
	BaseSize      int
	FlushInterval time.Duration
	DailyBudget   int
	Adaptive      bool
}

type pendingItem struct {
	record Record
	future *Future
}

// Batcher is the in-process component owning pending unsent records
// (spec.md §3 "Ownership") until they anchor. One Batcher is
// constructed per process.
type Batcher struct {
	chain anchor.Chain
	db    *gorm.DB
	cfg   Config

	mu              sync.Mutex
	pending         []pendingItem
	firstEnqueuedAt time.Time

	// submitMu is the strict serial queue of spec.md §5: "the single
	// most important concurrency primitive in the core". Every call
	// that talks to the chain holds this for its entire duration, so
	// the sequence number read in step 3 of §4.5 can never be raced.
	submitMu sync.Mutex

	budgetMu      sync.Mutex
	today         string
	requestsToday int
	anchorsToday  int

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Batcher and loads (or creates) today's budget row,
// so a restart resumes the day's counters instead of zeroing them.
func New(ctx context.Context, chain anchor.Chain, db *gorm.DB, cfg Config) (*Batcher, error) {
	if cfg.BaseSize < 1 {
		cfg.BaseSize = 1
	}
	b := &Batcher{
		chain:  chain,
		db:     db,
		cfg:    cfg,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	if err := b.loadBudget(ctx, time.Now().UTC()); err != nil {
		return nil, err
	}
	go b.ageLoop()
	return b, nil
}

// Stop ends the background age-flush loop. Pending records that never
// flushed are left in memory and their futures never settle; callers
// shutting down should call Flush first.
func (b *Batcher) Stop() {
	close(b.stopCh)
	<-b.doneCh
}

func periodOf(t time.Time) string { return t.UTC().Format("2006-01-02") }

func (b *Batcher) loadBudget(ctx context.Context, now time.Time) error {
	period := periodOf(now)
	var row model.BlockchainBudget
	err := b.db.WithContext(ctx).First(&row, "period = ?", period).Error
	switch {
	case err == nil:
		b.budgetMu.Lock()
		b.today = period
		b.requestsToday = row.RequestCount
		b.anchorsToday = row.TxCount
		b.budgetMu.Unlock()
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		row = model.BlockchainBudget{Period: period, LastUpdated: now}
		if err := b.db.WithContext(ctx).Create(&row).Error; err != nil {
			return errors.Wrap(err, "create daily budget row")
		}
		b.budgetMu.Lock()
		b.today = period
		b.requestsToday = 0
		b.anchorsToday = 0
		b.budgetMu.Unlock()
		return nil
	default:
		return errors.Wrap(err, "load daily budget row")
	}
}

// rolloverIfNeeded re-reads or creates the budget row for the current
// calendar day when the UTC date has changed since it was last loaded.
func (b *Batcher) rolloverIfNeeded(ctx context.Context, now time.Time) error {
	b.budgetMu.Lock()
	stale := b.today != periodOf(now)
	b.budgetMu.Unlock()
	if !stale {
		return nil
	}
	return b.loadBudget(ctx, now)
}

// Enqueue implements spec.md §4.5's `enqueue(record) → future<anchorOutcome>`.
func (b *Batcher) Enqueue(ctx context.Context, record Record) (*Future, error) {
	now := time.Now().UTC()
	if err := b.rolloverIfNeeded(ctx, now); err != nil {
		return nil, err
	}

	b.budgetMu.Lock()
	b.requestsToday++
	b.budgetMu.Unlock()
	if err := b.bumpRequestCount(ctx, now); err != nil {
		gwlogger.L().Warn("bump daily request counter", zap.Error(err))
	}

	future := newFuture()

	b.mu.Lock()
	if len(b.pending) == 0 {
		b.firstEnqueuedAt = now
	}
	b.pending = append(b.pending, pendingItem{record: record, future: future})
	target := b.targetSize()
	var batch []pendingItem
	if len(b.pending) >= target {
		batch = b.pending
		b.pending = nil
	}
	b.mu.Unlock()

	if batch != nil {
		go b.submit(context.WithoutCancel(ctx), batch)
	}
	return future, nil
}

// Flush forces the current pending set to submit immediately, spec.md
// §4.5 "(c) an explicit flush() is called".
func (b *Batcher) Flush(ctx context.Context) {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()
	if len(batch) > 0 {
		b.submit(context.WithoutCancel(ctx), batch)
	}
}

func (b *Batcher) ageLoop() {
	defer close(b.doneCh)
	interval := b.cfg.FlushInterval / 4
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.mu.Lock()
			due := len(b.pending) > 0 && time.Since(b.firstEnqueuedAt) >= b.cfg.FlushInterval
			var batch []pendingItem
			if due {
				batch = b.pending
				b.pending = nil
			}
			b.mu.Unlock()
			if batch != nil {
				b.submit(context.Background(), batch)
			}
		}
	}
}

// targetSize implements spec.md §4.5 "Adaptive sizing". Caller must
// hold b.mu.
func (b *Batcher) targetSize() int {
	if !b.cfg.Adaptive {
		return b.cfg.BaseSize
	}

	b.budgetMu.Lock()
	t := b.anchorsToday
	r := b.requestsToday
	today := b.today
	b.budgetMu.Unlock()

	if t >= b.cfg.DailyBudget {
		return math.MaxInt32 // infinite: accumulate until the next day.
	}

	h := hoursElapsed(today)
	if h <= 0 {
		return b.cfg.BaseSize
	}
	projectedRemaining := float64(r) * (24 - h) / h
	remainingBudget := float64(b.cfg.DailyBudget - t)
	adaptive := int(math.Ceil(projectedRemaining / remainingBudget))
	if adaptive < b.cfg.BaseSize {
		return b.cfg.BaseSize
	}
	return adaptive
}

func hoursElapsed(period string) float64 {
	dayStart, err := time.ParseInLocation("2006-01-02", period, time.UTC)
	if err != nil {
		return 0
	}
	elapsed := time.Since(dayStart).Hours()
	if elapsed <= 0 {
		return 0.01 // avoid division by zero in the first moments of a day
	}
	if elapsed > 24 {
		elapsed = 24
	}
	return elapsed
}

func (b *Batcher) bumpRequestCount(ctx context.Context, now time.Time) error {
	return b.db.WithContext(ctx).Model(&model.BlockchainBudget{}).
		Where("period = ?", periodOf(now)).
		Updates(map[string]any{
			"request_count": gorm.Expr("request_count + ?", 1),
			"last_updated":  now,
		}).Error
}

func (b *Batcher) bumpAnchorCount(ctx context.Context, now time.Time) error {
	b.budgetMu.Lock()
	b.anchorsToday++
	anchorsToday := b.anchorsToday
	b.budgetMu.Unlock()
	if b.cfg.DailyBudget > 0 {
		metrics.BudgetUtilization.Set(float64(anchorsToday) / float64(b.cfg.DailyBudget))
	}
	return b.db.WithContext(ctx).Model(&model.BlockchainBudget{}).
		Where("period = ?", periodOf(now)).
		Updates(map[string]any{
			"tx_count":     gorm.Expr("tx_count + ?", 1),
			"last_updated": now,
		}).Error
}

// submit builds, anchors and persists one batch. It holds submitMu for
// its whole duration, which is what makes anchoring submissions a
// strict total order (spec.md §5).
func (b *Batcher) submit(ctx context.Context, items []pendingItem) {
	b.submitMu.Lock()
	defer b.submitMu.Unlock()

	metrics.BatchSize.Observe(float64(len(items)))
	submitStart := time.Now()
	defer func() { metrics.AnchorLatency.Observe(time.Since(submitStart).Seconds()) }()

	now := time.Now().UTC()
	b.budgetMu.Lock()
	exhausted := b.anchorsToday >= b.cfg.DailyBudget
	b.budgetMu.Unlock()
	if exhausted {
		for _, it := range items {
			it.future.complete(Result{Outcome: OutcomeBudgetExhausted})
		}
		return
	}

	leaves := make([][32]byte, len(items))
	for i, it := range items {
		leaf, err := anchor.Leaf(anchor.LeafInput{
			ConsumerID:       it.record.ConsumerID,
			Provider:         it.record.Provider,
			Model:            it.record.Model,
			PromptTokens:     it.record.PromptTokens,
			CompletionTokens: it.record.CompletionTokens,
			RequestHash:      it.record.RequestHash,
			ResponseHash:     it.record.ResponseHash,
		})
		if err != nil {
			b.failAll(items, errors.Wrap(err, "build leaf"))
			return
		}
		leaves[i] = leaf
	}

	tree, err := merkle.Build(leaves)
	if err != nil {
		b.failAll(items, errors.Wrap(err, "build merkle tree"))
		return
	}
	root := tree.Root()

	seq, err := b.chain.TotalBatches(ctx)
	if err != nil {
		b.failAll(items, errors.Wrap(err, "fetch total batches"))
		return
	}
	var prevSeq int64
	if seq > 0 {
		prevSeq = seq - 1
	}
	chainHash := anchor.ChainHash(root, prevSeq)

	result, err := b.chain.RecordBatch(ctx, root, chainHash, len(items), seq)
	if err != nil {
		b.failAll(items, errors.Wrap(err, "submit anchor transaction"))
		return
	}
	if result.Seq != seq {
		// spec.md §9 open question: the source contract's nonce does not
		// always equal the chain's own sequence assignment. storedSeq is
		// always the value used to build chainHash, per §4.5; a mismatch
		// is logged for operators rather than silently trusted.
		gwlogger.L().Warn("anchor tx sequence does not match submitted sequence",
			zap.Int64("submittedSeq", seq), zap.Int64("txSeq", result.Seq))
	}

	batchRow := model.BlockchainBatch{
		MerkleRoot:  hex.EncodeToString(root[:]),
		ChainHash:   hex.EncodeToString(chainHash[:]),
		TxSeq:       seq,
		PrevTxSeq:   prevSeq,
		AnchorTx:    result.AnchorTx,
		BlockHeight: result.BlockHeight,
		LogCount:    len(items),
		CreatedAt:   now,
	}

	err = b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&batchRow).Error; err != nil {
			return errors.Wrap(err, "persist batch row")
		}
		for i, it := range items {
			proof, err := tree.Proof(i)
			if err != nil {
				return errors.Wrapf(err, "build proof for leaf %d", i)
			}
			proofJSON, err := anchor.EncodeProof(proof)
			if err != nil {
				return err
			}
			leafHex := hex.EncodeToString(leaves[i][:])
			if err := tx.Model(&model.UsageLog{}).Where("id = ?", it.record.LogID).
				Updates(map[string]any{
					"batch_id":     batchRow.ID,
					"leaf_hash":    leafHex,
					"merkle_proof": proofJSON,
					"anchor_tx":    result.AnchorTx,
				}).Error; err != nil {
				return errors.Wrapf(err, "update audit record %s", it.record.LogID)
			}
		}
		return nil
	})
	if err != nil {
		b.failAll(items, err)
		return
	}

	if err := b.bumpAnchorCount(ctx, now); err != nil {
		gwlogger.L().Warn("bump daily anchor counter", zap.Error(err))
	}

	for _, it := range items {
		it.future.complete(Result{Outcome: OutcomeAnchored, BatchID: batchRow.ID, AnchorTx: result.AnchorTx})
	}
}

func (b *Batcher) failAll(items []pendingItem, err error) {
	metrics.AnchorFailuresTotal.Inc()
	gwlogger.L().Error("anchor batch submission failed", zap.Error(err))
	for _, it := range items {
		it.future.complete(Result{Outcome: OutcomeFailed, Err: err})
	}
}
