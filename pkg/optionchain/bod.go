package optionchain

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"
)

// defaultLotSize applies when the master file omits lot_size for a contract.
const defaultLotSize = 75

// NearestFuture reads a gzipped beginning-of-day instrument master (the
// NSE.json.gz published daily by the exchange feed) and returns the
// nearest-expiry NIFTY index future that is still alive at now.
func NearestFuture(path string, now time.Time) (*Instrument, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open instrument master: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("instrument master is not gzip: %w", err)
	}
	defer gz.Close()

	var instruments []Instrument
	if err := json.NewDecoder(gz).Decode(&instruments); err != nil {
		return nil, fmt.Errorf("decode instrument master: %w", err)
	}

	nowMS := now.UnixMilli()
	var futures []Instrument
	for _, inst := range instruments {
		if inst.Segment != "NSE_FO" || inst.InstrumentType != "FUT" {
			continue
		}
		if inst.UnderlyingType != "INDEX" {
			continue
		}
		if inst.UnderlyingSymbol != "NIFTY" && inst.UnderlyingSymbol != "NIFTY50" {
			continue
		}
		if inst.ExpiryMS <= nowMS {
			continue
		}
		futures = append(futures, inst)
	}
	if len(futures) == 0 {
		return nil, fmt.Errorf("no active NIFTY futures in %s", path)
	}

	sort.Slice(futures, func(i, j int) bool { return futures[i].ExpiryMS < futures[j].ExpiryMS })
	nearest := futures[0]
	if nearest.LotSize == 0 {
		nearest.LotSize = defaultLotSize
	}
	return &nearest, nil
}
