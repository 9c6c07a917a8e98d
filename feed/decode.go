package feed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/recomma/polycopy/polycopy"
)

// trade mirrors one object of the activity feed.
type trade struct {
	TransactionHash string  `json:"transactionHash"`
	Timestamp       number  `json:"timestamp"`
	Asset           string  `json:"asset"`
	Side            string  `json:"side"`
	Size            *number `json:"size"`
	UsdcSize        *number `json:"usdcSize"`
	Price           number  `json:"price"`
	Title           string  `json:"title"`
	Slug            string  `json:"slug"`
	ConditionID     string  `json:"conditionId"`
	Outcome         string  `json:"outcome"`
}

// number accepts JSON numbers as well as numeric strings. Anything else
// decodes as zero and is flagged as coerced.
type number struct {
	v       float64
	coerced bool
}

func (n *number) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` {
		*n = number{}
		return nil
	}
	v, err := strconv.ParseFloat(strings.Trim(s, `"`), 64)
	if err != nil {
		*n = number{coerced: true}
		return nil
	}
	*n = number{v: v}
	return nil
}

func (t trade) coerced() bool {
	return t.Timestamp.coerced || t.Price.coerced ||
		(t.Size != nil && t.Size.coerced) ||
		(t.UsdcSize != nil && t.UsdcSize.coerced)
}

func (t trade) event(raw json.RawMessage) polycopy.TradeEvent {
	size := 0.0
	switch {
	case t.Size != nil:
		size = t.Size.v
	case t.UsdcSize != nil:
		size = t.UsdcSize.v
	}

	return polycopy.TradeEvent{
		TransactionHash: strings.TrimSpace(t.TransactionHash),
		Timestamp:       int64(t.Timestamp.v),
		Asset:           t.Asset,
		Side:            polycopy.ParseSide(t.Side),
		Size:            size,
		Price:           t.Price.v,
		Title:           t.Title,
		Slug:            t.Slug,
		ConditionID:     t.ConditionID,
		Outcome:         t.Outcome,
		Raw:             raw,
	}
}

type envelope struct {
	Value json.RawMessage `json:"value"`
}

// page is the outcome of decoding one feed response body.
type page struct {
	events []polycopy.TradeEvent
	// skipped counts items that were not trade objects.
	skipped int
	// coerced counts kept items with at least one field that did not decode.
	coerced int
	// unexpected is set when the body was valid JSON of an unknown shape.
	unexpected bool
}

// decodePage accepts a bare array of trades or an envelope {"value": [...]}.
// Any other JSON value yields an empty page flagged as unexpected. Invalid JSON
// is an error.
func decodePage(body []byte) (page, error) {
	body = bytes.TrimSpace(body)
	if !json.Valid(body) {
		return page{}, fmt.Errorf("%w: invalid json", ErrMalformedResponse)
	}

	list := body
	switch {
	case len(body) > 0 && body[0] == '[':
	case len(body) > 0 && body[0] == '{':
		var env envelope
		if err := json.Unmarshal(body, &env); err != nil {
			return page{unexpected: true}, nil
		}
		value := bytes.TrimSpace(env.Value)
		if len(value) == 0 || value[0] != '[' {
			return page{unexpected: true}, nil
		}
		list = value
	default:
		return page{unexpected: true}, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(list, &items); err != nil {
		return page{unexpected: true}, nil
	}

	out := page{events: make([]polycopy.TradeEvent, 0, len(items))}
	for _, item := range items {
		item = bytes.TrimSpace(item)
		if len(item) == 0 || item[0] != '{' {
			out.skipped++
			continue
		}
		var t trade
		err := json.Unmarshal(item, &t)
		var typeErr *json.UnmarshalTypeError
		if err != nil && !errors.As(err, &typeErr) {
			out.skipped++
			continue
		}
		// mistyped fields are left zero, the item is still a trade
		if err != nil || t.coerced() {
			out.coerced++
		}
		out.events = append(out.events, t.event(item))
	}
	return out, nil
}
