// Package dedup fingerprints trade events so that repeated polling of the
// activity feed stays idempotent.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/recomma/polycopy/polycopy"
)

var (
	ErrNoIdentity    = errors.New("dedup: event carries no identifying fields")
	ErrInvalidNumber = errors.New("dedup: size or price is not a finite number")
)

// IdentityKey returns the provider transaction hash when present. Otherwise it
// hashes the present fields of (timestamp, asset, side, size, price) joined as
// "field:value" pairs sorted by field name.
//
// Two distinct events that share all five fields and carry no transaction hash
// produce the same key; PageKeys disambiguates those within a single page.
func IdentityKey(e polycopy.TradeEvent) (string, error) {
	if e.TransactionHash != "" {
		return e.TransactionHash, nil
	}

	if math.IsNaN(e.Size) || math.IsInf(e.Size, 0) || math.IsNaN(e.Price) || math.IsInf(e.Price, 0) {
		return "", ErrInvalidNumber
	}

	fields := make(map[string]string, 5)
	if e.Timestamp != 0 {
		fields["timestamp"] = strconv.FormatInt(e.Timestamp, 10)
	}
	if e.Asset != "" {
		fields["asset"] = e.Asset
	}
	if e.Side != "" {
		fields["side"] = string(e.Side)
	}
	if e.Size != 0 {
		fields["size"] = formatFloat(e.Size)
	}
	if e.Price != 0 {
		fields["price"] = formatFloat(e.Price)
	}
	if len(fields) == 0 {
		return "", ErrNoIdentity
	}

	return hashString(canonical(fields)), nil
}

// Deduplicate keeps the first occurrence of every identity key and preserves
// the relative input order. Events whose key cannot be computed are kept under
// a hash of their serialized form.
func Deduplicate(events []polycopy.TradeEvent) []polycopy.TradeEvent {
	if len(events) == 0 {
		return []polycopy.TradeEvent{}
	}

	seen := make(map[string]struct{}, len(events))
	out := make([]polycopy.TradeEvent, 0, len(events))
	for _, e := range events {
		key := keyOrFallback(e)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, e)
	}
	return out
}

// PageKeys returns one key per event of a single feed page. Provider hashes are
// returned verbatim. The n-th repetition (n >= 1) of a derived key inside the
// page gets a "#n" suffix so that distinct trades sharing every field are not
// collapsed.
func PageKeys(events []polycopy.TradeEvent) []string {
	keys := make([]string, len(events))
	occurrences := make(map[string]int)
	for i, e := range events {
		key := keyOrFallback(e)
		if e.TransactionHash == "" {
			n := occurrences[key]
			occurrences[key] = n + 1
			if n > 0 {
				key = key + "#" + strconv.Itoa(n)
			}
		}
		keys[i] = key
	}
	return keys
}

func keyOrFallback(e polycopy.TradeEvent) string {
	key, err := IdentityKey(e)
	if err != nil {
		return SerializedKey(e)
	}
	return key
}

// SerializedKey hashes the full serialized form of the event.
func SerializedKey(e polycopy.TradeEvent) string {
	if len(e.Raw) > 0 {
		return hashString(string(e.Raw))
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return hashString(fmt.Sprintf("%+v", e))
	}
	return hashString(string(raw))
}

func canonical(fields map[string]string) string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+":"+fields[name])
	}
	return strings.Join(parts, "-")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
