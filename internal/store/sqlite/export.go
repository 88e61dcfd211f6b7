package sqlite

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"oipulse/internal/marketday"
	"oipulse/internal/model"
)

// CSVHeader is the fixed export column order. Consumers key on these names;
// do not reorder.
var CSVHeader = []string{
	"timestamp_IST", "underlying", "nifty_price",
	"total_ce_oi_value", "total_pe_oi_value",
	"total_ce_oi_change_value", "total_pe_oi_change_value",
	"total_ce_trade_value", "total_pe_trade_value",
	"diff_oi_value", "ratio_oi_value", "diff_trade_value", "test_value",
	"ce_oi", "pe_oi", "ce_chg_oi", "pe_chg_oi", "ce_vol", "pe_vol",
}

// ExportCSV streams one trading date as CSV with IST display timestamps.
func (s *Store) ExportCSV(w io.Writer, date string) error {
	points, err := s.ForDate(date)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return fmt.Errorf("csv header: %w", err)
	}
	for i := range points {
		if err := cw.Write(csvRecord(&points[i])); err != nil {
			return fmt.Errorf("csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func csvRecord(p *model.Point) []string {
	return []string{
		displayTimestamp(p.Timestamp),
		num(p.Underlying), num(p.NiftyPrice),
		num(p.TotalCEOIValue), num(p.TotalPEOIValue),
		num(p.TotalCEOIChangeValue), num(p.TotalPEOIChangeValue),
		num(p.TotalCETradeValue), num(p.TotalPETradeValue),
		num(p.DiffOIValue), num(p.RatioOIValue), num(p.DiffTradeValue), num(p.TestValue),
		num(p.CEOI), num(p.PEOI), num(p.CEChgOI), num(p.PEChgOI), num(p.CEVol), num(p.PEVol),
	}
}

// displayTimestamp renders a stored UTC timestamp in IST; an unparseable
// value passes through untouched.
func displayTimestamp(ts string) string {
	t, err := time.Parse(model.TimestampLayout, ts)
	if err != nil {
		return ts
	}
	return marketday.DisplayIST(t)
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
