package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/golemfactory/yagna/internal/payment"
)

// Column encodings. Timestamps are RFC3339Nano in UTC so the trace reads
// the same regardless of the writing node's zone; usage vectors and
// note-id lists are JSON (encoding/json emits map keys sorted, which
// keeps the column byte-stable for identical vectors).

const timeLayout = time.RFC3339Nano

func marshalTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func unmarshalTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func marshalUsage(u payment.UsageVector) (string, error) {
	if u == nil {
		u = payment.UsageVector{}
	}
	b, err := json.Marshal(u)
	if err != nil {
		return "", fmt.Errorf("marshal usage vector: %w", err)
	}
	return string(b), nil
}

func unmarshalUsage(s string) (payment.UsageVector, error) {
	var u payment.UsageVector
	if err := json.Unmarshal([]byte(s), &u); err != nil {
		return nil, fmt.Errorf("unmarshal usage vector: %w", err)
	}
	return u, nil
}

func marshalNoteIDs(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("marshal note ids: %w", err)
	}
	return string(b), nil
}

func unmarshalNoteIDs(s string) ([]string, error) {
	var ids []string
	if err := json.Unmarshal([]byte(s), &ids); err != nil {
		return nil, fmt.Errorf("unmarshal note ids: %w", err)
	}
	return ids, nil
}
