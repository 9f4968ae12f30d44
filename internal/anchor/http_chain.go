package anchor

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/cenkalti/backoff/v5"
)

// HTTPChain is the default Chain implementation: the on-chain contract
// is fronted by an HTTP/JSON endpoint exposing the three calls of
// spec.md §6. Requests are HMAC-signed with the configured signing key
// the way a lightweight webhook/relayer integration is authenticated,
// since no wallet/web3 SDK is available in the dependency pack.
type HTTPChain struct {
	baseURL         string
	contractAddress string
	signingKey      []byte
	client          *http.Client
	backoff         backoff.BackOffFn
}

// NewHTTPChain builds an HTTPChain against endpointURL, signing every
// outbound request body with signingKey so the anchoring service can
// authenticate submissions without embedding a full chain client.
func NewHTTPChain(endpointURL, contractAddress, signingKey string, timeout time.Duration) *HTTPChain {
	return &HTTPChain{
		baseURL:         endpointURL,
		contractAddress: contractAddress,
		signingKey:      []byte(signingKey),
		client:          &http.Client{Timeout: timeout},
	}
}

type recordBatchRequest struct {
	Contract  string `json:"contract"`
	Root      string `json:"root"`
	ChainHash string `json:"chainHash"`
	LogCount  int    `json:"logCount"`
	Seq       int64  `json:"seq"`
	Signature string `json:"signature"`
}

type recordBatchResponse struct {
	AnchorTx    string `json:"anchorTx"`
	Seq         int64  `json:"seq"`
	BlockHeight int64  `json:"blockHeight"`
}

type batchWire struct {
	ID          int64  `json:"id"`
	MerkleRoot  string `json:"merkleRoot"`
	ChainHash   string `json:"chainHash"`
	Seq         int64  `json:"seq"`
	AnchorTx    string `json:"anchorTx"`
	BlockHeight int64  `json:"blockHeight"`
	LogCount    int    `json:"logCount"`
	Timestamp   int64  `json:"timestamp"`
}

func (w batchWire) toBatch() (Batch, error) {
	root, err := decode32(w.MerkleRoot)
	if err != nil {
		return Batch{}, errors.Wrap(err, "decode merkle root")
	}
	chainHash, err := decode32(w.ChainHash)
	if err != nil {
		return Batch{}, errors.Wrap(err, "decode chain hash")
	}
	return Batch{
		ID:          w.ID,
		MerkleRoot:  root,
		ChainHash:   chainHash,
		Seq:         w.Seq,
		AnchorTx:    w.AnchorTx,
		BlockHeight: w.BlockHeight,
		LogCount:    w.LogCount,
		Timestamp:   time.Unix(w.Timestamp, 0).UTC(),
	}, nil
}

func decode32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, errors.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

func (c *HTTPChain) sign(payload []byte) string {
	mac := hmac.New(sha256.New, c.signingKey)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// RecordBatch implements spec.md §6 `recordBatch`, retrying transient
// failures with an exponential backoff — the anchoring endpoint sits
// across a network boundary and submission failures are expected to
// be mostly transient (rate limiting, mempool congestion).
func (c *HTTPChain) RecordBatch(ctx context.Context, root, chainHash [32]byte, logCount int, seq int64) (RecordBatchResult, error) {
	reqBody := recordBatchRequest{
		Contract:  c.contractAddress,
		Root:      hex.EncodeToString(root[:]),
		ChainHash: hex.EncodeToString(chainHash[:]),
		LogCount:  logCount,
		Seq:       seq,
	}
	unsigned, err := json.Marshal(reqBody)
	if err != nil {
		return RecordBatchResult{}, errors.Wrap(err, "marshal recordBatch request")
	}
	reqBody.Signature = c.sign(unsigned)

	result, err := backoff.Retry(ctx, func() (recordBatchResponse, error) {
		return c.doRecordBatch(ctx, reqBody)
	}, backoff.WithMaxTries(5), backoff.WithBackOff(backoff.NewExponentialBackOff()))
	if err != nil {
		return RecordBatchResult{}, errors.Wrap(err, "submit anchor batch")
	}

	return RecordBatchResult{
		AnchorTx:    result.AnchorTx,
		Seq:         result.Seq,
		BlockHeight: result.BlockHeight,
	}, nil
}

func (c *HTTPChain) doRecordBatch(ctx context.Context, reqBody recordBatchRequest) (recordBatchResponse, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return recordBatchResponse{}, backoff.Permanent(errors.Wrap(err, "marshal signed request"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/recordBatch", bytes.NewReader(payload))
	if err != nil {
		return recordBatchResponse{}, backoff.Permanent(errors.Wrap(err, "build recordBatch request"))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return recordBatchResponse{}, errors.Wrap(err, "do recordBatch request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return recordBatchResponse{}, errors.Wrap(err, "read recordBatch response")
	}

	if resp.StatusCode >= 500 {
		return recordBatchResponse{}, errors.Errorf("anchor endpoint returned %d: %s", resp.StatusCode, string(body))
	}
	if resp.StatusCode >= 400 {
		return recordBatchResponse{}, backoff.Permanent(errors.Errorf("anchor endpoint rejected batch %d: %s", resp.StatusCode, string(body)))
	}

	var out recordBatchResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return recordBatchResponse{}, backoff.Permanent(errors.Wrap(err, "decode recordBatch response"))
	}
	return out, nil
}

// GetLatestBatch implements spec.md §6 `getLatestBatch`.
func (c *HTTPChain) GetLatestBatch(ctx context.Context) (Batch, bool, error) {
	var w batchWire
	found, err := c.getJSON(ctx, "/latestBatch?contract="+c.contractAddress, &w)
	if err != nil || !found {
		return Batch{}, found, err
	}
	b, err := w.toBatch()
	return b, true, err
}

// GetBatch implements spec.md §6 `getBatch(id)`.
func (c *HTTPChain) GetBatch(ctx context.Context, id int64) (Batch, bool, error) {
	var w batchWire
	found, err := c.getJSON(ctx, "/batch?contract="+c.contractAddress+"&id="+strconv.FormatInt(id, 10), &w)
	if err != nil || !found {
		return Batch{}, found, err
	}
	b, err := w.toBatch()
	return b, true, err
}

// TotalBatches implements spec.md §6 `totalBatches`, the monotonic
// count the batcher uses to compute the next sequence number.
func (c *HTTPChain) TotalBatches(ctx context.Context) (int64, error) {
	var out struct {
		Total int64 `json:"total"`
	}
	found, err := c.getJSON(ctx, "/totalBatches?contract="+c.contractAddress, &out)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	return out.Total, nil
}

func (c *HTTPChain) getJSON(ctx context.Context, path string, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return false, errors.Wrap(err, "build chain read request")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false, errors.Wrap(err, "do chain read request")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, errors.Wrap(err, "read chain read response")
	}
	if resp.StatusCode != http.StatusOK {
		return false, errors.Errorf("chain endpoint returned %d: %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return false, errors.Wrap(err, "decode chain read response")
	}
	return true, nil
}
