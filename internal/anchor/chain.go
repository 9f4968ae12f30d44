// Package anchor talks to the on-chain audit log described in spec.md
// §6: three entry points (recordBatch, getLatestBatch/getBatch,
// totalBatches) plus the off-chain proof-verification contract of
// §4.5. No blockchain SDK appears anywhere in the retrieval pack, so
// the default Chain implementation speaks the fixed wire interface
// over plain HTTP/JSON the way the teacher's common/client package
// builds any other outbound HTTP collaborator, with
// cenkalti/backoff/v5 retries around batch submission (read calls are
// not retried).
package anchor

import (
	"context"
	"time"
)

// Batch mirrors spec.md §3 "Batch record" as returned by the chain,
// distinct from model.BlockchainBatch (the persisted mirror of it).
type Batch struct {
	ID          int64
	MerkleRoot  [32]byte
	ChainHash   [32]byte
	Seq         int64
	AnchorTx    string
	BlockHeight int64
	LogCount    int
	Timestamp   time.Time
}

// RecordBatchResult is the receipt returned once a submitted batch is
// included, carrying the fields the anchoring pipeline persists back
// onto each member audit record (spec.md §4.5 step 6).
type RecordBatchResult struct {
	AnchorTx    string
	Seq         int64
	BlockHeight int64
}

// Chain is the on-chain contract's call interface, spec.md §6. seq is
// the explicit sequence number the caller computed from
// totalBatches(); the contract is trusted to reject a duplicate or
// out-of-order seq, which is why all submissions pass through the
// batcher's serial queue (spec.md §5) rather than relying on the
// chain to arbitrate races.
type Chain interface {
	RecordBatch(ctx context.Context, root, chainHash [32]byte, logCount int, seq int64) (RecordBatchResult, error)
	GetLatestBatch(ctx context.Context) (Batch, bool, error)
	GetBatch(ctx context.Context, id int64) (Batch, bool, error)
	TotalBatches(ctx context.Context) (int64, error)
}
