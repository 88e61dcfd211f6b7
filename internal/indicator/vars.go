package indicator

import (
	"oipulse/internal/formula"
	"oipulse/internal/model"
)

// VarNames is the fixed variable vocabulary for custom formulas, one name
// per numeric snapshot column. Order matches the snapshots schema.
var VarNames = []string{
	"underlying", "nifty_price",
	"total_ce_oi_value", "total_pe_oi_value",
	"total_ce_oi_value_2", "total_pe_oi_value_2",
	"total_ce_oi_change_value", "total_pe_oi_change_value",
	"total_ce_trade_value", "total_pe_trade_value",
	"diff_oi_value", "ratio_oi_value",
	"diff_oi_value_2", "ratio_oi_value_2",
	"diff_trade_value", "test_value",
	"ce_oi", "pe_oi", "ce_chg_oi", "pe_chg_oi", "ce_vol", "pe_vol",
	"fut_ltp", "fut_atp", "fut_oi", "fut_volume",
	"fut_total_buy_qty", "fut_total_sell_qty",
	"fut_oi_value_ltp", "fut_oi_value_atp",
	"fut_trade_val_ltp", "fut_trade_val_atp",
}

// Vars flattens a point into the formula variable map.
func Vars(p *model.Point) map[string]float64 {
	return map[string]float64{
		"underlying":               p.Underlying,
		"nifty_price":              p.NiftyPrice,
		"total_ce_oi_value":        p.TotalCEOIValue,
		"total_pe_oi_value":        p.TotalPEOIValue,
		"total_ce_oi_value_2":      p.TotalCEOIValue2,
		"total_pe_oi_value_2":      p.TotalPEOIValue2,
		"total_ce_oi_change_value": p.TotalCEOIChangeValue,
		"total_pe_oi_change_value": p.TotalPEOIChangeValue,
		"total_ce_trade_value":     p.TotalCETradeValue,
		"total_pe_trade_value":     p.TotalPETradeValue,
		"diff_oi_value":            p.DiffOIValue,
		"ratio_oi_value":           p.RatioOIValue,
		"diff_oi_value_2":          p.DiffOIValue2,
		"ratio_oi_value_2":         p.RatioOIValue2,
		"diff_trade_value":         p.DiffTradeValue,
		"test_value":               p.TestValue,
		"ce_oi":                    p.CEOI,
		"pe_oi":                    p.PEOI,
		"ce_chg_oi":                p.CEChgOI,
		"pe_chg_oi":                p.PEChgOI,
		"ce_vol":                   p.CEVol,
		"pe_vol":                   p.PEVol,
		"fut_ltp":                  p.FutLTP,
		"fut_atp":                  p.FutATP,
		"fut_oi":                   p.FutOI,
		"fut_volume":               p.FutVolume,
		"fut_total_buy_qty":        p.FutTotalBuyQty,
		"fut_total_sell_qty":       p.FutTotalSellQty,
		"fut_oi_value_ltp":         p.FutOIValueLTP,
		"fut_oi_value_atp":         p.FutOIValueATP,
		"fut_trade_val_ltp":        p.FutTradeValLTP,
		"fut_trade_val_atp":        p.FutTradeValATP,
	}
}

func uniformSample(v float64) map[string]float64 {
	m := make(map[string]float64, len(VarNames))
	for _, name := range VarNames {
		m[name] = v
	}
	return m
}

// ValidateFormula checks a custom formula against the indicator vocabulary
// and dry-runs it on uniform samples of 1 and 1,000,000 so broken or
// unplottable formulas are rejected before they hit storage.
func ValidateFormula(src string) error {
	return formula.Validate(src, VarNames, uniformSample(1), uniformSample(1_000_000), model.MaxSafeValue)
}

// CompileFormula compiles a custom formula against the indicator vocabulary.
func CompileFormula(src string) (*formula.Program, error) {
	return formula.Compile(src, VarNames)
}
