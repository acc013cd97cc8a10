package radiomap

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"fieldtrack-api/pkg/ontology"
)

// Vector truncation limits. Stored samples keep more neighbors than
// the anchor matcher consumes.
const (
	WifiTopK    = 20
	CellTopK    = 8
	AnchorWifiK = 10
	AnchorCellK = 6
)

// Measurement is one (hashed identifier, signal) pair. Wifi signals
// are RSSI dBm, cell signals are dBm as reported.
type Measurement struct {
	H string  `json:"h"`
	S float64 `json:"s"`
}

var hexSet = "0123456789abcdef"

func isHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if !strings.ContainsRune(hexSet, c) {
			return false
		}
	}
	return true
}

// HashIdent normalizes a radio identifier to a sha256 hex digest.
// Clients may pre-hash on-device; a value that already looks like a
// digest passes through unchanged.
func HashIdent(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	if isHex64(s) {
		return s
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// SanitizeWifi hashes, deduplicates (keeping the strongest signal per
// AP), sorts by signal descending and truncates to k.
func SanitizeWifi(obs []ontology.WifiObservation, k int) []Measurement {
	best := make(map[string]float64, len(obs))
	for _, o := range obs {
		h := HashIdent(o.BSSIDHash)
		if h == "" {
			continue
		}
		if cur, ok := best[h]; !ok || o.RSSI > cur {
			best[h] = o.RSSI
		}
	}
	return topK(best, k)
}

// SanitizeCells does the same for cell observations.
func SanitizeCells(obs []ontology.CellObservation, k int) []Measurement {
	best := make(map[string]float64, len(obs))
	for _, o := range obs {
		h := HashIdent(o.KeyHash)
		if h == "" {
			continue
		}
		if cur, ok := best[h]; !ok || o.DBm > cur {
			best[h] = o.DBm
		}
	}
	return topK(best, k)
}

func topK(best map[string]float64, k int) []Measurement {
	out := make([]Measurement, 0, len(best))
	for h, s := range best {
		out = append(out, Measurement{H: h, S: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].S != out[j].S {
			return out[i].S > out[j].S
		}
		return out[i].H < out[j].H
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// ToMap indexes a vector by hash for matching.
func ToMap(vec []Measurement) map[string]float64 {
	m := make(map[string]float64, len(vec))
	for _, v := range vec {
		m[v.H] = v.S
	}
	return m
}

// MarshalVector encodes a vector for storage.
func MarshalVector(vec []Measurement) (string, error) {
	b, err := json.Marshal(vec)
	if err != nil {
		return "", fmt.Errorf("marshal radio vector: %w", err)
	}
	return string(b), nil
}

// UnmarshalVector decodes a stored vector.
func UnmarshalVector(raw string) ([]Measurement, error) {
	if raw == "" {
		return nil, nil
	}
	var vec []Measurement
	if err := json.Unmarshal([]byte(raw), &vec); err != nil {
		return nil, fmt.Errorf("unmarshal radio vector: %w", err)
	}
	return vec, nil
}
