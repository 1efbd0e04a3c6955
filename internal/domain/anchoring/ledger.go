package anchoring

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/mr-tron/base58"
)

// LedgerEntry is one link in the local hash chain.
type LedgerEntry struct {
	Ref         string    `json:"ref"`
	Prev        string    `json:"prev"`
	ItemID      string    `json:"itemId"`
	ContentHash string    `json:"contentHash"`
	AppendedAt  time.Time `json:"appendedAt"`
}

// LocalLedger is an in-process append-only hash chain. Each reference is the
// base58 SHA-256 of the previous reference, the content hash and the item id.
type LocalLedger struct {
	mu      sync.Mutex
	entries []LedgerEntry
}

func NewLocalLedger() *LocalLedger {
	return &LocalLedger{}
}

func chainRef(prev, hash, itemID string) string {
	sum := sha256.Sum256([]byte(prev + "|" + hash + "|" + itemID))
	return base58.Encode(sum[:])
}

func (l *LocalLedger) Append(ctx context.Context, itemID, contentHash string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := ""
	if n := len(l.entries); n > 0 {
		prev = l.entries[n-1].Ref
	}
	ref := chainRef(prev, contentHash, itemID)
	l.entries = append(l.entries, LedgerEntry{
		Ref:         ref,
		Prev:        prev,
		ItemID:      itemID,
		ContentHash: contentHash,
		AppendedAt:  time.Now().UTC(),
	})
	return ref, nil
}

// Entries returns a copy of the chain.
func (l *LocalLedger) Entries() []LedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LedgerEntry(nil), l.entries...)
}

// Verify recomputes every link of the chain.
func (l *LocalLedger) Verify() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev := ""
	for i, e := range l.entries {
		if e.Prev != prev || e.Ref != chainRef(prev, e.ContentHash, e.ItemID) {
			return errors.WithDetailf(ErrChainCorrupted, "entry %d (%s)", i, e.Ref)
		}
		prev = e.Ref
	}
	return nil
}

// HTTPLedger appends anchors to a remote anchoring service.
type HTTPLedger struct {
	baseURL string
	client  *http.Client
}

func NewHTTPLedger(baseURL string, timeout time.Duration) *HTTPLedger {
	return &HTTPLedger{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (h *HTTPLedger) Append(ctx context.Context, itemID, contentHash string) (string, error) {
	body, _ := json.Marshal(map[string]string{"itemId": itemID, "contentHash": contentHash})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/anchors", bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "building anchor request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "calling anchoring service")
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 300 {
		return "", errors.WithDetailf(ErrLedgerRejected, "status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out struct {
		Ref string `json:"ref"`
	}
	if err := json.Unmarshal(raw, &out); err != nil || out.Ref == "" {
		return "", errors.WithDetail(ErrLedgerRejected, "response carried no reference")
	}
	return out.Ref, nil
}
