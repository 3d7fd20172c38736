package models

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// maxNumberDigits bounds the plain-decimal expansion of an exponent literal.
const maxNumberDigits = 1000

// ErrNumberOutOfRange is returned for numbers whose plain decimal form would
// exceed maxNumberDigits.
var ErrNumberOutOfRange = errors.New("number out of range")

// Canonicalize re-encodes a JSON document with sorted object keys, no
// insignificant whitespace and every number in plain decimal form without
// exponent, leading zeros or trailing fractional zeros. Postgres JSONB
// prints such numbers back unchanged, so the canonical form survives storage.
func Canonicalize(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	v, err := normalizeNumbers(v)
	if err != nil {
		return nil, err
	}
	// encoding/json writes map keys in sorted order at every depth.
	return json.Marshal(v)
}

func normalizeNumbers(v any) (any, error) {
	switch t := v.(type) {
	case json.Number:
		n, err := NormalizeNumber(string(t))
		if err != nil {
			return nil, err
		}
		return json.Number(n), nil
	case map[string]any:
		for k, child := range t {
			norm, err := normalizeNumbers(child)
			if err != nil {
				return nil, err
			}
			t[k] = norm
		}
	case []any:
		for i, child := range t {
			norm, err := normalizeNumbers(child)
			if err != nil {
				return nil, err
			}
			t[i] = norm
		}
	}
	return v, nil
}

// NormalizeNumber rewrites a JSON number literal exactly, without going
// through floating point: 1e2 -> 100, -0 -> 0, 1.50 -> 1.5, 2.5E-3 -> 0.0025.
func NormalizeNumber(lit string) (string, error) {
	negative := strings.HasPrefix(lit, "-")
	lit = strings.TrimPrefix(lit, "-")

	mantissa, expPart, hasExp := strings.Cut(strings.ToLower(lit), "e")
	exp := 0
	if hasExp {
		var err error
		if exp, err = strconv.Atoi(expPart); err != nil || exp > maxNumberDigits || exp < -maxNumberDigits {
			return "", fmt.Errorf("%w: %s", ErrNumberOutOfRange, lit)
		}
	}
	intPart, fracPart, _ := strings.Cut(mantissa, ".")
	digits := intPart + fracPart
	point := len(intPart) + exp

	trimmed := strings.TrimLeft(digits, "0")
	point -= len(digits) - len(trimmed)
	digits = strings.TrimRight(trimmed, "0")
	if digits == "" {
		return "0", nil
	}
	if point > maxNumberDigits || point < -maxNumberDigits {
		return "", fmt.Errorf("%w: %s", ErrNumberOutOfRange, lit)
	}

	var out string
	switch {
	case point <= 0:
		out = "0." + strings.Repeat("0", -point) + digits
	case point >= len(digits):
		out = digits + strings.Repeat("0", point-len(digits))
	default:
		out = digits[:point] + "." + digits[point:]
	}
	if negative {
		out = "-" + out
	}
	return out, nil
}

// canonicalVersion is the hashed form of a version.
type canonicalVersion struct {
	RecordID int64                      `json:"record_id"`
	Version  int                        `json:"version"`
	Sections map[string]json.RawMessage `json:"sections"`
}

// Serialize returns the canonical byte form of v used for chained hashing.
// A nil version serializes to an empty byte slice.
func Serialize(v *Version) ([]byte, error) {
	if v == nil {
		return []byte{}, nil
	}
	sections := make(map[string]json.RawMessage, len(v.Snapshot))
	for name, raw := range v.Snapshot {
		canon, err := Canonicalize(raw)
		if err != nil {
			return nil, fmt.Errorf("canonicalize section %s: %w", name, err)
		}
		sections[string(name)] = canon
	}
	return json.Marshal(canonicalVersion{
		RecordID: v.RecordID,
		Version:  v.Number,
		Sections: sections,
	})
}

// ChainHash computes hex(sha256(serialize(prev) || serialize(curr))).
func ChainHash(prev, curr *Version) (string, error) {
	prevBytes, err := Serialize(prev)
	if err != nil {
		return "", err
	}
	currBytes, err := Serialize(curr)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write(prevBytes)
	h.Write(currBytes)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyChain recomputes every hash in ascending version order and reports
// the first version whose number or hash does not match.
func VerifyChain(recordID int64, versions []*Version) (*ChainReport, error) {
	report := &ChainReport{RecordID: recordID, Versions: len(versions), Valid: true}
	var prev *Version
	for i, v := range versions {
		if v.Number != i+1 {
			report.Valid = false
			report.BrokenVersion = v.Number
			return report, nil
		}
		want, err := ChainHash(prev, v)
		if err != nil {
			return nil, err
		}
		if want != v.Hash {
			report.Valid = false
			report.BrokenVersion = v.Number
			return report, nil
		}
		prev = v
	}
	return report, nil
}
