package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Block is the minimal chain block view the ledger needs: a number and its
// timestamp.
type Block struct {
	Number    uint64 `json:"number"`
	Timestamp uint64 `json:"timestamp"`
}

// Event is one decoded log event as delivered by the upstream log source.
// Args is the decoded argument map of the contract event; values arrive as
// strings, JSON numbers, or bools depending on the decoder, so access goes
// through the typed Arg* helpers.
type Event struct {
	Name            string         `json:"eventName"`
	Args            map[string]any `json:"args"`
	TransactionHash string         `json:"transactionHash"`
	LogIndex        uint32         `json:"logIndex"`
	BlockNumber     uint64         `json:"blockNumber"`
	Timestamp       int64          `json:"timestamp"`
	ChainID         uint64         `json:"chainId"`
	// MarketGroupAddress identifies the emitting contract, lower-cased.
	MarketGroupAddress string `json:"marketGroupAddress"`
}

// ArgString returns the first present arg among keys rendered as a string,
// or "" when none is present. Numeric JSON values are rendered without an
// exponent so 256-bit amounts survive round-trips.
func (e Event) ArgString(keys ...string) string {
	for _, k := range keys {
		v, ok := e.Args[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			return t
		case json.Number:
			return t.String()
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64)
		case int:
			return strconv.Itoa(t)
		case int64:
			return strconv.FormatInt(t, 10)
		case uint64:
			return strconv.FormatUint(t, 10)
		case bool:
			return strconv.FormatBool(t)
		default:
			return fmt.Sprintf("%v", t)
		}
	}
	return ""
}

// ArgAmount returns the first present arg among keys normalized to a decimal
// string, or "0" when absent. Use for every numeric field that must obey the
// "0"-default invariant.
func (e Event) ArgAmount(keys ...string) string {
	return NormalizeAmount(e.ArgString(keys...))
}

// ArgInt64 parses the first present arg among keys as a signed integer.
// The second return is false when the arg is absent or unparseable.
func (e Event) ArgInt64(keys ...string) (int64, bool) {
	s := e.ArgString(keys...)
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// HasArg reports whether any of the given keys is present with a non-nil
// value.
func (e Event) HasArg(keys ...string) bool {
	for _, k := range keys {
		if v, ok := e.Args[k]; ok && v != nil {
			return true
		}
	}
	return false
}
