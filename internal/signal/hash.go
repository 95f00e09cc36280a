package signal

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// canonicalTimeFormat is RFC 3339 UTC with millisecond precision. Every
// timestamp in the canonical serialization uses it so consumers can
// reproduce hashes bit-exactly.
const canonicalTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// ContentHash computes the SHA-256 content hash over the canonical
// serialization of the signal's content fields. SignalID and
// PrevSignalHash are excluded so the hash is stable across chain links.
func ContentHash(s *Signal) (string, error) {
	payload, err := canonicalBody(s)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// MarshalCanonical produces the wire form of a signal: canonical field
// order, sorted sources, shortest round-trip numbers, no insignificant
// whitespace. The identity fields lead, followed by the hashed content
// fields in the same order used for hashing.
func MarshalCanonical(s *Signal) ([]byte, error) {
	body, err := canonicalBody(s)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteByte('{')
	writeStringField(&b, "signal_id", s.SignalID)
	b.WriteByte(',')
	writeStringField(&b, "prev_signal_hash", s.PrevSignalHash)
	b.WriteByte(',')
	// Splice in the content body without its outer braces.
	b.WriteString(string(body[1 : len(body)-1]))
	b.WriteByte('}')
	return []byte(b.String()), nil
}

// UnmarshalWire parses a wire-form signal back into a Signal struct.
func UnmarshalWire(data []byte) (*Signal, error) {
	var s Signal
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode signal: %w", err)
	}
	return &s, nil
}

// VerifyContentHash recomputes the content hash and compares it against
// the stored SignalID.
func VerifyContentHash(s *Signal) error {
	want, err := ContentHash(s)
	if err != nil {
		return err
	}
	if want != s.SignalID {
		return fmt.Errorf("signal %s content hash mismatch: recomputed %s", s.SignalID, want)
	}
	return nil
}

// canonicalBody serializes the content fields in canonical order.
func canonicalBody(s *Signal) ([]byte, error) {
	if s.ServerTimestamp.IsZero() || s.CreatedAt.IsZero() {
		return nil, fmt.Errorf("signal for %s has unset timestamps", s.Symbol)
	}

	sources := make([]string, len(s.SourcesUsed))
	copy(sources, s.SourcesUsed)
	sort.Strings(sources)

	var b strings.Builder
	b.WriteByte('{')
	writeStringField(&b, "symbol", s.Symbol)
	b.WriteByte(',')
	writeStringField(&b, "action", string(s.Action))
	b.WriteByte(',')
	writeNumberField(&b, "entry_price", s.EntryPrice)
	b.WriteByte(',')
	writeNumberField(&b, "target_price", s.TargetPrice)
	b.WriteByte(',')
	writeNumberField(&b, "stop_price", s.StopPrice)
	b.WriteByte(',')
	writeNumberField(&b, "confidence", s.Confidence)
	b.WriteByte(',')
	writeStringField(&b, "regime", s.Regime)
	b.WriteByte(',')
	writeKey(&b, "sources_used")
	b.WriteByte('[')
	for i, src := range sources {
		if i > 0 {
			b.WriteByte(',')
		}
		writeJSONString(&b, src)
	}
	b.WriteByte(']')
	b.WriteByte(',')
	writeStringField(&b, "rationale", s.Rationale)
	b.WriteByte(',')
	writeStringField(&b, "server_timestamp", formatCanonicalTime(s.ServerTimestamp))
	b.WriteByte(',')
	writeKey(&b, "generation_latency_ms")
	b.WriteString(strconv.FormatInt(s.GenerationLatencyMS, 10))
	b.WriteByte(',')
	writeStringField(&b, "created_at", formatCanonicalTime(s.CreatedAt))
	b.WriteByte('}')

	return []byte(b.String()), nil
}

func formatCanonicalTime(t time.Time) string {
	return t.UTC().Truncate(time.Millisecond).Format(canonicalTimeFormat)
}

func writeKey(b *strings.Builder, key string) {
	writeJSONString(b, key)
	b.WriteByte(':')
}

func writeStringField(b *strings.Builder, key, value string) {
	writeKey(b, key)
	writeJSONString(b, value)
}

func writeNumberField(b *strings.Builder, key string, value float64) {
	writeKey(b, key)
	// Shortest round-trip decimal form.
	b.WriteString(strconv.FormatFloat(value, 'g', -1, 64))
}

func writeJSONString(b *strings.Builder, s string) {
	// json.Marshal on a bare string performs the canonical escaping.
	encoded, _ := json.Marshal(s)
	b.Write(encoded)
}
