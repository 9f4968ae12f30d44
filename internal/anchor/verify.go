package anchor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/Laisky/errors/v2"
	"gorm.io/gorm"

	"github.com/laisky/llmgateway/internal/merkle"
	"github.com/laisky/llmgateway/internal/model"
)

// VerifyResult is the outcome of Verifier.VerifyLog, spec.md §4.5
// "Verification contract".
type VerifyResult struct {
	Valid  bool
	Reason string
}

func invalid(reason string) VerifyResult { return VerifyResult{Valid: false, Reason: reason} }

// Verifier re-derives and checks the on-chain commitment for one audit
// record, spec.md §4.5 steps (i)-(iv).
type Verifier struct {
	db *gorm.DB
}

// NewVerifier builds a Verifier over the audit/batch tables.
func NewVerifier(db *gorm.DB) *Verifier {
	return &Verifier{db: db}
}

// VerifyLog implements spec.md §4.5's verification contract: the record
// has a batch, its anchor transaction matches the batch row's, the leaf
// re-derived from the record's current fields equals the stored leaf
// hash, the stored Merkle proof re-derives the stored root from that
// leaf, and the batch's stored chain hash equals H(root || prevSeq).
func (v *Verifier) VerifyLog(ctx context.Context, logID string) (VerifyResult, error) {
	var rec model.UsageLog
	if err := v.db.WithContext(ctx).First(&rec, "id = ?", logID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return invalid("record not found"), nil
		}
		return VerifyResult{}, errors.Wrap(err, "load audit record")
	}

	if rec.BatchID == nil || rec.LeafHash == nil || rec.MerkleProof == nil {
		return invalid("record has no batch"), nil
	}

	var batch model.BlockchainBatch
	if err := v.db.WithContext(ctx).First(&batch, *rec.BatchID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return invalid("batch not found"), nil
		}
		return VerifyResult{}, errors.Wrap(err, "load batch")
	}

	if rec.AnchorTx == nil || *rec.AnchorTx != batch.AnchorTx {
		return invalid("anchor transaction mismatch"), nil
	}

	leaf, err := decode32(*rec.LeafHash)
	if err != nil {
		return VerifyResult{}, errors.Wrap(err, "decode stored leaf hash")
	}
	derived, err := Leaf(LeafInput{
		ConsumerID:       rec.ConsumerID,
		Provider:         rec.Provider,
		Model:            rec.Model,
		PromptTokens:     rec.PromptTokens,
		CompletionTokens: rec.CompletionTokens,
		RequestHash:      rec.RequestHash,
		ResponseHash:     rec.ResponseHash,
	})
	if err != nil {
		return VerifyResult{}, errors.Wrap(err, "re-derive leaf from audit record")
	}
	if derived != leaf {
		return invalid("leaf mismatch"), nil
	}
	root, err := decode32(batch.MerkleRoot)
	if err != nil {
		return VerifyResult{}, errors.Wrap(err, "decode stored merkle root")
	}

	var wireProof []proofStepWire
	if err := json.Unmarshal([]byte(*rec.MerkleProof), &wireProof); err != nil {
		return VerifyResult{}, errors.Wrap(err, "decode stored merkle proof")
	}
	proof, err := wireProof2Proof(wireProof)
	if err != nil {
		return VerifyResult{}, errors.Wrap(err, "decode proof siblings")
	}

	if !merkle.VerifyProof(leaf, proof, root) {
		return invalid("leaf mismatch"), nil
	}

	wantChainHash := ChainHash(root, batch.PrevTxSeq)
	gotChainHash, err := decode32(batch.ChainHash)
	if err != nil {
		return VerifyResult{}, errors.Wrap(err, "decode stored chain hash")
	}
	if wantChainHash != gotChainHash {
		return invalid("chain hash mismatch"), nil
	}

	return VerifyResult{Valid: true}, nil
}

// ChainHash implements spec.md §3's chain-hash invariant:
// chainHash(B_n) = H(root(B_n) || (n-1)). Shared by the batcher (which
// computes it at submission time) and the verifier (which re-derives
// it from the persisted batch row).
func ChainHash(root [32]byte, prevSeq int64) [32]byte {
	buf := make([]byte, 0, 40)
	buf = append(buf, root[:]...)
	buf = append(buf, encodeSeq(prevSeq)...)
	return sha256.Sum256(buf)
}

func encodeSeq(seq int64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(seq & 0xff)
		seq >>= 8
	}
	return b
}

type proofStepWire struct {
	Sibling string `json:"sibling"`
	Side    bool   `json:"side"`
}

func wireProof2Proof(wire []proofStepWire) ([]merkle.ProofStep, error) {
	out := make([]merkle.ProofStep, len(wire))
	for i, w := range wire {
		sib, err := hex.DecodeString(w.Sibling)
		if err != nil || len(sib) != 32 {
			return nil, errors.Errorf("bad proof sibling at step %d", i)
		}
		var s [32]byte
		copy(s[:], sib)
		out[i] = merkle.ProofStep{Sibling: s, Side: merkle.Side(w.Side)}
	}
	return out, nil
}

func proof2WireProof(proof []merkle.ProofStep) []proofStepWire {
	out := make([]proofStepWire, len(proof))
	for i, p := range proof {
		out[i] = proofStepWire{Sibling: hex.EncodeToString(p.Sibling[:]), Side: bool(p.Side)}
	}
	return out
}

// EncodeProof renders a Merkle proof as the JSON text stored in
// usage_logs.merkle_proof.
func EncodeProof(proof []merkle.ProofStep) (string, error) {
	b, err := json.Marshal(proof2WireProof(proof))
	if err != nil {
		return "", errors.Wrap(err, "marshal merkle proof")
	}
	return string(b), nil
}
