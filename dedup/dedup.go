// Package dedup collapses repeated webhook deliveries. A delivery's identity
// is a SHA-256 hash over (provider, organization, canonicalized payload), so
// retried deliveries of the same logical event hash identically even when the
// sender re-serializes JSON with different key order.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/churnguard/eventcore/pkg/expiry"
)

// Defaults per the ingestion contract.
const (
	DefaultRetention     = time.Hour
	DefaultSweepInterval = 10 * time.Minute
)

// Detector is a content-hash cache with expiry. It owns and synchronizes its
// own state.
type Detector struct {
	seen *expiry.Map[time.Time]
}

// New creates a detector whose entries expire after retention. The background
// sweep stops when ctx is cancelled or Close is called.
func New(ctx context.Context, retention, sweepInterval time.Duration) *Detector {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	return &Detector{
		seen: expiry.New[time.Time](ctx, retention, sweepInterval),
	}
}

// Hash computes the content hash identifying a delivery.
func Hash(provider, orgID string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(provider))
	h.Write([]byte{0})
	h.Write([]byte(orgID))
	h.Write([]byte{0})
	h.Write(canonicalize(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// IsDuplicateAndRecord atomically checks whether hash was seen within the
// retention window and records it if not. Concurrent calls with the same hash
// see exactly one false (first delivery) result.
func (d *Detector) IsDuplicateAndRecord(hash string) bool {
	return !d.seen.SetIfAbsent(hash, time.Now())
}

// Forget removes hash from the cache. Callers that recorded a hash but then
// failed to take ownership of the delivery (queue full) must forget it, or
// the sender's retry would be absorbed as a duplicate and the event lost.
func (d *Detector) Forget(hash string) {
	d.seen.Delete(hash)
}

// Size returns the number of tracked hashes, including ones awaiting sweep.
func (d *Detector) Size() int {
	return d.seen.Len()
}

// Close stops the background sweep.
func (d *Detector) Close() {
	d.seen.Close()
}

// canonicalize re-marshals JSON payloads with sorted object keys so that
// logically identical bodies hash identically. Non-JSON payloads are hashed
// verbatim.
func canonicalize(payload []byte) []byte {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return payload
	}
	out, err := marshalCanonical(v)
	if err != nil {
		return payload
	}
	return out
}

func marshalCanonical(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			vb, err := marshalCanonical(val[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, kb...)
			buf = append(buf, ':')
			buf = append(buf, vb...)
		}
		return append(buf, '}'), nil
	case []any:
		buf := []byte{'['}
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			ib, err := marshalCanonical(item)
			if err != nil {
				return nil, err
			}
			buf = append(buf, ib...)
		}
		return append(buf, ']'), nil
	default:
		return json.Marshal(val)
	}
}
