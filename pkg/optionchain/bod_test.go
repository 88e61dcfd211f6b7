package optionchain

import (
	"compress/gzip"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeMaster(t *testing.T, instruments []Instrument) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "NSE.json.gz")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create master: %v", err)
	}
	gz := gzip.NewWriter(f)
	if err := json.NewEncoder(gz).Encode(instruments); err != nil {
		t.Fatalf("encode master: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close file: %v", err)
	}
	return path
}

func TestNearestFuture(t *testing.T) {
	now := time.Date(2026, 8, 21, 10, 0, 0, 0, time.UTC)
	ms := func(t time.Time) int64 { return t.UnixMilli() }

	path := writeMaster(t, []Instrument{
		// Expired contract, must be skipped.
		{InstrumentKey: "NSE_FO|1", TradingSymbol: "NIFTY26JULFUT", Segment: "NSE_FO", InstrumentType: "FUT",
			UnderlyingType: "INDEX", UnderlyingSymbol: "NIFTY", ExpiryMS: ms(now.AddDate(0, 0, -7)), LotSize: 75},
		// Far month.
		{InstrumentKey: "NSE_FO|3", TradingSymbol: "NIFTY26SEPFUT", Segment: "NSE_FO", InstrumentType: "FUT",
			UnderlyingType: "INDEX", UnderlyingSymbol: "NIFTY", ExpiryMS: ms(now.AddDate(0, 1, 5)), LotSize: 75},
		// Near month, the one we want.
		{InstrumentKey: "NSE_FO|2", TradingSymbol: "NIFTY26AUGFUT", Segment: "NSE_FO", InstrumentType: "FUT",
			UnderlyingType: "INDEX", UnderlyingSymbol: "NIFTY", ExpiryMS: ms(now.AddDate(0, 0, 6)), LotSize: 75},
		// Stock future, wrong underlying type.
		{InstrumentKey: "NSE_FO|4", TradingSymbol: "SBIN26AUGFUT", Segment: "NSE_FO", InstrumentType: "FUT",
			UnderlyingType: "EQUITY", UnderlyingSymbol: "SBIN", ExpiryMS: ms(now.AddDate(0, 0, 6)), LotSize: 750},
		// Option, wrong instrument type.
		{InstrumentKey: "NSE_FO|5", TradingSymbol: "NIFTY26AUG24000CE", Segment: "NSE_FO", InstrumentType: "CE",
			UnderlyingType: "INDEX", UnderlyingSymbol: "NIFTY", ExpiryMS: ms(now.AddDate(0, 0, 6)), LotSize: 75},
	})

	inst, err := NearestFuture(path, now)
	if err != nil {
		t.Fatalf("NearestFuture failed: %v", err)
	}
	if inst.InstrumentKey != "NSE_FO|2" {
		t.Errorf("picked %s, want NSE_FO|2", inst.InstrumentKey)
	}
	if inst.TradingSymbol != "NIFTY26AUGFUT" {
		t.Errorf("symbol = %s", inst.TradingSymbol)
	}
}

func TestNearestFutureLotSizeDefault(t *testing.T) {
	now := time.Date(2026, 8, 21, 10, 0, 0, 0, time.UTC)
	path := writeMaster(t, []Instrument{
		{InstrumentKey: "NSE_FO|9", TradingSymbol: "NIFTY26AUGFUT", Segment: "NSE_FO", InstrumentType: "FUT",
			UnderlyingType: "INDEX", UnderlyingSymbol: "NIFTY50", ExpiryMS: now.AddDate(0, 0, 3).UnixMilli()},
	})

	inst, err := NearestFuture(path, now)
	if err != nil {
		t.Fatalf("NearestFuture failed: %v", err)
	}
	if inst.LotSize != 75 {
		t.Errorf("lot size = %v, want default 75", inst.LotSize)
	}
}

func TestNearestFutureNoContracts(t *testing.T) {
	now := time.Date(2026, 8, 21, 10, 0, 0, 0, time.UTC)
	path := writeMaster(t, []Instrument{
		{InstrumentKey: "NSE_FO|1", Segment: "NSE_FO", InstrumentType: "FUT",
			UnderlyingType: "INDEX", UnderlyingSymbol: "NIFTY", ExpiryMS: now.AddDate(0, 0, -1).UnixMilli()},
	})
	if _, err := NearestFuture(path, now); err == nil {
		t.Fatalf("expected error when every contract is expired")
	}
}

func TestNearestFutureMissingFile(t *testing.T) {
	if _, err := NearestFuture(filepath.Join(t.TempDir(), "missing.json.gz"), time.Now()); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
