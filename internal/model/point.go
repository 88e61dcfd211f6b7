package model

import (
	"encoding/json"
	"time"
)

// TimestampLayout is the wire format for snapshot timestamps.
// Timestamps are captured in UTC and rendered with an explicit Z suffix.
const TimestampLayout = "2006-01-02T15:04:05Z"

// MaxSafeValue is the largest magnitude the chart layer accepts.
// Series values outside [-MaxSafeValue, MaxSafeValue] are clamped.
const MaxSafeValue = 9.007199254740992e13

// Point is one indicator snapshot computed from a full option-chain poll.
// Monetary aggregates are in rupees; *_2 variants only sum strikes that
// traded in the current session (volume > 0).
type Point struct {
	ID        int64  `json:"id"`
	Timestamp string `json:"timestamp"` // UTC, TimestampLayout
	Date      string `json:"date"`      // IST trading date, YYYY-MM-DD

	Underlying           float64 `json:"underlying"` // spot used for strike windowing
	NiftyPrice           float64 `json:"nifty_price"`
	TotalCEOIValue       float64 `json:"total_ce_oi_value"`
	TotalPEOIValue       float64 `json:"total_pe_oi_value"`
	TotalCEOIValue2      float64 `json:"total_ce_oi_value_2"`
	TotalPEOIValue2      float64 `json:"total_pe_oi_value_2"`
	TotalCEOIChangeValue float64 `json:"total_ce_oi_change_value"`
	TotalPEOIChangeValue float64 `json:"total_pe_oi_change_value"`
	TotalCETradeValue    float64 `json:"total_ce_trade_value"`
	TotalPETradeValue    float64 `json:"total_pe_trade_value"`
	DiffOIValue          float64 `json:"diff_oi_value"`
	RatioOIValue         float64 `json:"ratio_oi_value"`
	DiffOIValue2         float64 `json:"diff_oi_value_2"`
	RatioOIValue2        float64 `json:"ratio_oi_value_2"`
	DiffTradeValue       float64 `json:"diff_trade_value"`
	TestValue            float64 `json:"test_value"`
	CEOI                 float64 `json:"ce_oi"` // raw contract totals, not rupee values
	PEOI                 float64 `json:"pe_oi"`
	CEChgOI              float64 `json:"ce_chg_oi"`
	PEChgOI              float64 `json:"pe_chg_oi"`
	CEVol                float64 `json:"ce_vol"`
	PEVol                float64 `json:"pe_vol"`

	FutLTP          float64 `json:"fut_ltp"`
	FutATP          float64 `json:"fut_atp"`
	FutOI           float64 `json:"fut_oi"`
	FutVolume       float64 `json:"fut_volume"`
	FutTotalBuyQty  float64 `json:"fut_total_buy_qty"`
	FutTotalSellQty float64 `json:"fut_total_sell_qty"`
	FutOIValueLTP   float64 `json:"fut_oi_value_ltp"`
	FutOIValueATP   float64 `json:"fut_oi_value_atp"`
	FutTradeValLTP  float64 `json:"fut_trade_val_ltp"`
	FutTradeValATP  float64 `json:"fut_trade_val_atp"`

	// RawJSON holds the upstream chain payload for offline replay. It is
	// persisted but never served in API responses.
	RawJSON string `json:"-"`
}

// TimeUTC parses the snapshot timestamp back into a time.Time.
func (p *Point) TimeUTC() (time.Time, error) {
	return time.Parse(TimestampLayout, p.Timestamp)
}

// JSON returns the JSON-encoded point (ignoring errors for hot-path usage).
func (p *Point) JSON() []byte {
	b, _ := json.Marshal(p)
	return b
}
