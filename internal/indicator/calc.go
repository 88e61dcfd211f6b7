// Package indicator turns a raw option-chain payload into the flat snapshot
// row the store persists and the charts plot.
//
// Upstream OI and volume are already contract counts, so no lot-size scaling
// happens here. Per-strike aggregates:
//
//	total_ce_oi_value        = Σ (ce_oi × ce_ltp)
//	total_ce_oi_value_2      = Σ (ce_oi × ce_ltp)   only where ce_volume > 0
//	total_ce_oi_change_value = Σ ((ce_oi − ce_prev_oi) × ce_ltp)
//	total_ce_trade_value     = Σ (ce_volume × ce_ltp)
//
// and the PE mirrors. Derived values:
//
//	diff_oi_value   = total_ce_oi_value − total_pe_oi_value
//	ratio_oi_value  = total_ce_oi_value ÷ total_pe_oi_value   (0 when PE is 0)
//	diff_trade_value = total_ce_trade_value − total_pe_trade_value
package indicator

import (
	"errors"
	"fmt"

	"oipulse/internal/model"
	"oipulse/pkg/optionchain"
)

// FromChain computes every chain-derived indicator. The returned point has
// no timestamp, date or futures fields; the collector fills those in.
// A payload without the per-strike rows collection is rejected; an empty
// collection yields a zero point.
func FromChain(chain *optionchain.Chain) (model.Point, error) {
	var p model.Point
	if chain.Status != "success" {
		return p, fmt.Errorf("chain status is %q, not success", chain.Status)
	}
	if chain.Data == nil {
		return p, errors.New("chain payload has no data rows")
	}

	for _, row := range chain.Data {
		if spot := row.UnderlyingSpotPrice; spot != 0 && p.Underlying == 0 {
			p.Underlying = spot
		}

		ce := row.CallOptions.MarketData
		ceChange := ce.OI - ce.PrevOI
		p.CEOI += ce.OI
		p.CEChgOI += ceChange
		p.CEVol += ce.Volume
		p.TotalCEOIValue += ce.OI * ce.LTP
		if ce.Volume > 0 {
			p.TotalCEOIValue2 += ce.OI * ce.LTP
		}
		p.TotalCEOIChangeValue += ceChange * ce.LTP
		p.TotalCETradeValue += ce.Volume * ce.LTP

		pe := row.PutOptions.MarketData
		peChange := pe.OI - pe.PrevOI
		p.PEOI += pe.OI
		p.PEChgOI += peChange
		p.PEVol += pe.Volume
		p.TotalPEOIValue += pe.OI * pe.LTP
		if pe.Volume > 0 {
			p.TotalPEOIValue2 += pe.OI * pe.LTP
		}
		p.TotalPEOIChangeValue += peChange * pe.LTP
		p.TotalPETradeValue += pe.Volume * pe.LTP
	}

	p.NiftyPrice = p.Underlying
	p.DiffOIValue = p.TotalCEOIValue - p.TotalPEOIValue
	p.DiffOIValue2 = p.TotalCEOIValue2 - p.TotalPEOIValue2
	if p.TotalPEOIValue != 0 {
		p.RatioOIValue = p.TotalCEOIValue / p.TotalPEOIValue
	}
	if p.TotalPEOIValue2 != 0 {
		p.RatioOIValue2 = p.TotalCEOIValue2 / p.TotalPEOIValue2
	}
	p.DiffTradeValue = p.TotalCETradeValue - p.TotalPETradeValue
	p.TestValue = 0

	return p, nil
}

// ApplyFuture copies a futures quote onto the point and computes the derived
// rupee values. lot scales contract counts for deployments that want value
// in units rather than contracts; 1 keeps the raw counts.
func ApplyFuture(p *model.Point, q *optionchain.FutureQuote, lot float64) {
	if lot == 0 {
		lot = 1
	}
	p.FutLTP = q.LTP
	p.FutATP = q.ATP
	p.FutOI = q.OI * lot
	p.FutVolume = q.Volume * lot
	p.FutTotalBuyQty = q.TotalBuyQty
	p.FutTotalSellQty = q.TotalSellQty
	p.FutOIValueLTP = p.FutOI * q.LTP
	p.FutOIValueATP = p.FutOI * q.ATP
	p.FutTradeValLTP = p.FutVolume * q.LTP
	p.FutTradeValATP = p.FutVolume * q.ATP
}
