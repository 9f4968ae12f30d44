package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ConsumerQuota is the per-consumer spending ledger (spec.md §3 "Consumer
// quota"). It is created on first sight of a consumer with a default
// quota and updated on every successful usage log.
type ConsumerQuota struct {
	ConsumerID  string          `gorm:"primaryKey;size:128" json:"consumer_id"`
	DisplayName string          `gorm:"size:256" json:"display_name"`
	ExternalID  string          `gorm:"size:256" json:"external_id"`
	Quota       decimal.Decimal `gorm:"type:decimal(24,12);not null" json:"quota"`
	Used        decimal.Decimal `gorm:"type:decimal(24,12);not null" json:"used"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// UsageLog is one audit record for one completed LLM call (spec.md §3
// "Audit record"). Anchoring fields (BatchID, LeafHash, MerkleProof,
// AnchorTx) start null and are populated once by the anchoring pipeline;
// once set they are never mutated again (invariant).
type UsageLog struct {
	ID                     string          `gorm:"primaryKey;size:36" json:"id"`
	ConsumerID             string          `gorm:"size:128;index" json:"consumer_id"`
	Provider               string          `gorm:"size:32;index" json:"provider"`
	Model                  string          `gorm:"size:128;index" json:"model"`
	PromptTokens           int64           `json:"prompt_tokens"`
	CompletionTokens       int64           `json:"completion_tokens"`
	CacheCreationTokens    int64           `json:"cache_creation_tokens"`
	CacheReadTokens        int64           `json:"cache_read_tokens"`
	Cost                   decimal.Decimal `gorm:"type:decimal(24,12);not null" json:"cost"`
	Status                 int             `json:"status"`
	RequestText            *string         `gorm:"type:text" json:"request_text,omitempty"`
	ResponseText           *string         `gorm:"type:text" json:"response_text,omitempty"`
	RequestHash            string          `gorm:"size:64" json:"request_hash"`
	ResponseHash           string          `gorm:"size:64" json:"response_hash"`
	Estimated              bool            `json:"estimated"`
	BatchID                *int64          `gorm:"index" json:"batch_id,omitempty"`
	LeafHash               *string         `gorm:"size:64" json:"leaf_hash,omitempty"`
	MerkleProof            *string         `gorm:"type:text" json:"merkle_proof,omitempty"` // JSON-encoded []ProofStep
	AnchorTx               *string         `gorm:"size:128" json:"anchor_tx,omitempty"`
	CreatedAt              time.Time       `gorm:"index" json:"created_at"`
}

// ModelPricing is one `(provider, model)` rate row (spec.md §3 "Pricing
// row"). model == "" denotes a provider-wide default; lookups never fall
// back to it implicitly (spec.md invariant) — internal/pricing enforces
// that at read time, this row is a dumb value type.
type ModelPricing struct {
	Provider       string `gorm:"primaryKey;size:32" json:"provider"`
	Model          string `gorm:"primaryKey;size:128" json:"model"`
	InputRate      decimal.Decimal  `gorm:"type:decimal(24,12);not null" json:"input_rate"`
	OutputRate     decimal.Decimal  `gorm:"type:decimal(24,12);not null" json:"output_rate"`
	CacheWriteRate *decimal.Decimal `gorm:"type:decimal(24,12)" json:"cache_write_rate,omitempty"`
	CacheReadRate  *decimal.Decimal `gorm:"type:decimal(24,12)" json:"cache_read_rate,omitempty"`
}

// BlockchainBatch is one committed anchoring batch (spec.md §3 "Batch
// record").
type BlockchainBatch struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MerkleRoot  string    `gorm:"size:64;not null" json:"merkle_root"`
	ChainHash   string    `gorm:"size:64;not null" json:"chain_hash"`
	TxSeq       int64     `gorm:"uniqueIndex;not null" json:"tx_seq"`
	PrevTxSeq   int64     `json:"prev_tx_seq"`
	AnchorTx    string    `gorm:"size:128" json:"anchor_tx"`
	BlockHeight int64     `json:"block_height"`
	LogCount    int       `json:"log_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// BlockchainBudget is the per-calendar-day anchoring/request counter
// (spec.md §3 "Daily budget row"), keyed by date (YYYY-MM-DD) so the
// primary key itself is the natural UPSERT target.
type BlockchainBudget struct {
	Period         string    `gorm:"primaryKey;size:10" json:"period"`
	TxCount        int       `json:"tx_count"`
	RequestCount   int       `json:"request_count"`
	LastUpdated    time.Time `json:"last_updated"`
}
