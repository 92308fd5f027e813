package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"cloud-pricing/internal/source"
)

// ContentDigest hashes the identifying fields of a raw price row. The
// JSON payloads are re-serialized with sorted keys first, so re-ordered
// but semantically identical payloads hash identically. This digest is
// the exactly-once guard for repeated ingestion of unchanged rows.
func ContentDigest(row *source.Row) (string, error) {
	attrs, err := canonicalJSON(row.Attributes)
	if err != nil {
		return "", fmt.Errorf("canonicalize attributes: %w", err)
	}
	prices, err := canonicalJSON(row.Prices)
	if err != nil {
		return "", fmt.Errorf("canonicalize prices: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(row.SKU)
	sb.WriteString("|")
	sb.WriteString(row.Region)
	sb.WriteString("|")
	sb.WriteString(row.Service)
	sb.WriteString("|")
	sb.WriteString(attrs)
	sb.WriteString("|")
	sb.WriteString(prices)

	h := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(h[:]), nil
}

// AttributesDigest hashes a normalized attribute map for the fact-row
// key, sorted-key style.
func AttributesDigest(attrs map[string]string) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(attrs[k])
		sb.WriteString(";")
	}

	h := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(h[:])
}

// canonicalJSON re-serializes arbitrary JSON deterministically:
// encoding/json marshals map keys in sorted order, so a decode/encode
// round trip normalizes key order at every nesting level.
func canonicalJSON(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	out, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
