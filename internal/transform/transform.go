// Package transform turns raw provider records into canonical bars.
package transform

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/trogers1052/market-data-ingestor/internal/errs"
	"github.com/trogers1052/market-data-ingestor/internal/models"
)

// PricePlaces is the number of decimal places prices are rounded to
const PricePlaces = 4

// Drop reasons reported by Normalize
const (
	ReasonMissingField       = "missing_field"
	ReasonNegativeValue      = "negative_value"
	ReasonInvalidOHLC        = "invalid_ohlc"
	ReasonInvalidVolume      = "invalid_volume"
	ReasonDuplicateTimestamp = "duplicate_timestamp"
)

// Report summarizes one Normalize call
type Report struct {
	Input   int            `json:"input"`
	Kept    int            `json:"kept"`
	Dropped int            `json:"dropped"`
	Reasons map[string]int `json:"reasons,omitempty"`
}

// Rejection describes one dropped record
type Rejection struct {
	Index  int
	Time   time.Time
	Reason string
}

// Error returns the rejection as a DataQuality error
func (r Rejection) Error() error {
	return errs.Errorf(errs.DataQuality, "transform.Normalize", "record %d at %s: %s",
		r.Index, r.Time.Format(time.RFC3339), r.Reason)
}

// Normalize validates raw records for instrumentID and returns canonical bars
// sorted by timestamp. Invalid records are dropped and counted, never fatal.
// When two records share a timestamp the first one wins. A missing volume is
// read as zero; a missing price is a drop.
func Normalize(raw []models.RawBar, instrumentID int64) ([]models.Bar, Report) {
	bars, report, _ := NormalizeWithRejections(raw, instrumentID)
	return bars, report
}

// NormalizeWithRejections is Normalize that also returns every dropped record
func NormalizeWithRejections(raw []models.RawBar, instrumentID int64) ([]models.Bar, Report, []Rejection) {
	report := Report{Input: len(raw), Reasons: map[string]int{}}
	bars := make([]models.Bar, 0, len(raw))
	seen := make(map[int64]struct{}, len(raw))
	var rejected []Rejection

	for i, r := range raw {
		ts := r.Time.UTC().Truncate(time.Minute)
		bar, reason := normalizeOne(r, ts, instrumentID)
		if reason == "" {
			if _, dup := seen[ts.Unix()]; dup {
				reason = ReasonDuplicateTimestamp
			}
		}
		if reason != "" {
			report.Dropped++
			report.Reasons[reason]++
			rejected = append(rejected, Rejection{Index: i, Time: r.Time, Reason: reason})
			continue
		}
		seen[ts.Unix()] = struct{}{}
		bars = append(bars, bar)
	}

	sort.SliceStable(bars, func(i, j int) bool {
		return bars[i].Timestamp.Before(bars[j].Timestamp)
	})
	report.Kept = len(bars)
	return bars, report, rejected
}

func normalizeOne(r models.RawBar, ts time.Time, instrumentID int64) (models.Bar, string) {
	if r.Time.IsZero() || r.Time.Unix() <= 0 {
		return models.Bar{}, ReasonMissingField
	}
	if !r.Open.Valid || !r.High.Valid || !r.Low.Valid || !r.Close.Valid {
		return models.Bar{}, ReasonMissingField
	}

	volume := decimal.Zero
	if r.Volume.Valid {
		volume = r.Volume.Decimal
	}
	for _, v := range []decimal.Decimal{r.Open.Decimal, r.High.Decimal, r.Low.Decimal, r.Close.Decimal, volume} {
		if v.IsNegative() {
			return models.Bar{}, ReasonNegativeValue
		}
	}
	if r.High.Decimal.LessThan(r.Low.Decimal) {
		return models.Bar{}, ReasonInvalidOHLC
	}
	if !volume.Equal(volume.Truncate(0)) || !volume.BigInt().IsInt64() {
		return models.Bar{}, ReasonInvalidVolume
	}

	return models.Bar{
		InstrumentID: instrumentID,
		Timestamp:    ts,
		Open:         r.Open.Decimal.Round(PricePlaces),
		High:         r.High.Decimal.Round(PricePlaces),
		Low:          r.Low.Decimal.Round(PricePlaces),
		Close:        r.Close.Decimal.Round(PricePlaces),
		Volume:       volume.IntPart(),
	}, ""
}
