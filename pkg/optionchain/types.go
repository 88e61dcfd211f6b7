package optionchain

import (
	"fmt"
	"time"
)

// Chain is the option-chain payload returned by the upstream v2 API.
// Status is "success" on good responses; anything else means the body
// cannot be trusted.
type Chain struct {
	Status string      `json:"status"`
	Data   []StrikeRow `json:"data"`
}

// StrikeRow is one strike of the chain with both option legs.
type StrikeRow struct {
	Expiry              string     `json:"expiry"`
	StrikePrice         float64    `json:"strike_price"`
	UnderlyingKey       string     `json:"underlying_key"`
	UnderlyingSpotPrice float64    `json:"underlying_spot_price"`
	CallOptions         OptionSide `json:"call_options"`
	PutOptions          OptionSide `json:"put_options"`
}

// OptionSide is one leg (CE or PE) of a strike.
type OptionSide struct {
	InstrumentKey string     `json:"instrument_key"`
	MarketData    MarketData `json:"market_data"`
}

// MarketData carries the per-leg quote. OI and Volume are contract counts,
// already unscaled by lot size.
type MarketData struct {
	LTP        float64 `json:"ltp"`
	Volume     float64 `json:"volume"`
	OI         float64 `json:"oi"`
	PrevOI     float64 `json:"prev_oi"`
	ClosePrice float64 `json:"close_price"`
	BidPrice   float64 `json:"bid_price"`
	BidQty     float64 `json:"bid_qty"`
	AskPrice   float64 `json:"ask_price"`
	AskQty     float64 `json:"ask_qty"`
}

// FutureQuote is the flattened market quote for a futures contract.
type FutureQuote struct {
	LTP          float64 `json:"ltp"`
	ATP          float64 `json:"atp"` // average traded price (VWAP)
	OI           float64 `json:"oi"`
	Volume       float64 `json:"volume"`
	TotalBuyQty  float64 `json:"total_buy_qty"`
	TotalSellQty float64 `json:"total_sell_qty"`
}

// Instrument is one row of the beginning-of-day instrument master.
type Instrument struct {
	InstrumentKey    string  `json:"instrument_key"`
	TradingSymbol    string  `json:"trading_symbol"`
	Segment          string  `json:"segment"`
	InstrumentType   string  `json:"instrument_type"`
	UnderlyingType   string  `json:"underlying_type"`
	UnderlyingSymbol string  `json:"underlying_symbol"`
	ExpiryMS         int64   `json:"expiry"` // epoch milliseconds
	LotSize          float64 `json:"lot_size"`
}

// Expiry converts the master-file millisecond expiry to a time.Time.
func (i *Instrument) Expiry() time.Time {
	return time.UnixMilli(i.ExpiryMS)
}

// RetryableError marks transient upstream failures (HTTP 429 and 503). The
// caller is expected to wait RetryAfter before the next attempt.
type RetryableError struct {
	StatusCode int
	RetryAfter time.Duration
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("HTTP %d from upstream, retry after %s", e.StatusCode, e.RetryAfter)
}

// StatusError is returned when the upstream replies 200 but the body's
// status field is not "success". Treated as a bad request by the API layer.
type StatusError struct {
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned non-success status: %q", e.Status)
}
