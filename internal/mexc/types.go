package mexc

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// FlexString decodes a JSON string, number, or null into its textual form.
// Upstream fields flip between quoted and bare numerics across API versions,
// so raw text is kept until a stage applies a typed parser.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", string(data))
	}
	*f = FlexString(n.String())
	return nil
}

func (f FlexString) String() string { return string(f) }

// Float parses the value as a float64; ok is false for empty or unparseable text.
func (f FlexString) Float() (float64, bool) {
	if f == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(string(f), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// SymbolInfo is one entry of the exchangeInfo catalog.
type SymbolInfo struct {
	Symbol     string `json:"symbol"`
	QuoteAsset string `json:"quoteAsset"`
	Status     string `json:"status"`
}

// ExchangeInfo is the /api/v3/exchangeInfo response.
type ExchangeInfo struct {
	Symbols []SymbolInfo `json:"symbols"`
}

// Ticker24h is one row of /api/v3/ticker/24hr. Volume and count fields stay
// textual; parsing happens in the universe builder where failures are counted.
type Ticker24h struct {
	Symbol      string     `json:"symbol"`
	QuoteVolume FlexString `json:"quoteVolume"`
	Volume      FlexString `json:"volume"`
	Count       FlexString `json:"count"`
}

// BookTicker is the best bid/ask quote for one symbol.
type BookTicker struct {
	Symbol   string     `json:"symbol"`
	BidPrice FlexString `json:"bidPrice"`
	BidQty   FlexString `json:"bidQty"`
	AskPrice FlexString `json:"askPrice"`
	AskQty   FlexString `json:"askQty"`
}

// DepthLevel is one [price, qty, ...] order-book level. Levels shorter than
// two elements are rejected by the depth stage, not here.
type DepthLevel []FlexString

// Depth is the /api/v3/depth response.
type Depth struct {
	Bids []DepthLevel `json:"bids"`
	Asks []DepthLevel `json:"asks"`
}
