// Package archive writes raw provider payloads to Parquet files for audit
// and replay.
package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"
	"github.com/trogers1052/market-data-ingestor/internal/models"
)

// Row is one archived raw record. Prices stay decimal strings and nulls stay nulls.
type Row struct {
	Timestamp int64   `parquet:"t"` // Unix milliseconds
	Open      *string `parquet:"o,optional"`
	High      *string `parquet:"h,optional"`
	Low       *string `parquet:"l,optional"`
	Close     *string `parquet:"c,optional"`
	Volume    *string `parquet:"v,optional"`
}

// Parquet saves one file per fetch under Dir/{provider}/{symbol}/
type Parquet struct {
	Dir string
}

// NewParquet creates a Parquet archive rooted at dir
func NewParquet(dir string) *Parquet {
	return &Parquet{Dir: dir}
}

func (Parquet) Extension() string { return "parquet" }

// Save writes bars to {symbol}_{fetchedAt}.parquet
func (p *Parquet) Save(provider, symbol string, fetchedAt time.Time, bars []models.RawBar) error {
	dir := filepath.Join(p.Dir, provider, sanitize(symbol))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create archive dir %s: %w", dir, err)
	}
	name := fmt.Sprintf("%s_%s.%s", sanitize(symbol), fetchedAt.UTC().Format("20060102T150405.000Z"), p.Extension())

	rows := make([]Row, 0, len(bars))
	for _, b := range bars {
		rows = append(rows, Row{
			Timestamp: b.Time.UnixMilli(),
			Open:      nullString(b.Open),
			High:      nullString(b.High),
			Low:       nullString(b.Low),
			Close:     nullString(b.Close),
			Volume:    nullString(b.Volume),
		})
	}
	return parquet.WriteFile(filepath.Join(dir, name), rows)
}

// Load reads an archived file back into raw bars
func Load(path string) ([]models.RawBar, error) {
	rows, err := parquet.ReadFile[Row](path)
	if err != nil {
		return nil, fmt.Errorf("read archive %s: %w", path, err)
	}

	bars := make([]models.RawBar, 0, len(rows))
	for _, r := range rows {
		b := models.RawBar{Time: time.UnixMilli(r.Timestamp).UTC()}
		for _, f := range []struct {
			src *string
			dst *decimal.NullDecimal
		}{
			{r.Open, &b.Open}, {r.High, &b.High}, {r.Low, &b.Low}, {r.Close, &b.Close}, {r.Volume, &b.Volume},
		} {
			if f.src == nil {
				continue
			}
			d, err := decimal.NewFromString(*f.src)
			if err != nil {
				return nil, fmt.Errorf("read archive %s: %w", path, err)
			}
			*f.dst = decimal.NewNullDecimal(d)
		}
		bars = append(bars, b)
	}
	return bars, nil
}

func nullString(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}

// sanitize keeps index symbols such as ^GSPC usable as path segments
func sanitize(symbol string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '^', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, symbol)
}
