// Package export renders buffer snapshots as CSV.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"whalescan/internal/market"
)

var header = []string{
	"timestamp", "contract", "underlying", "expiry", "side", "strike",
	"size", "price", "notional", "tag",
}

// FileName is the attachment name for a snapshot taken at ts.
func FileName(ts time.Time) string {
	return fmt.Sprintf("whales_%s.csv", ts.Format("20060102_150405"))
}

// WriteCSV writes a header row and one row per record, in order. Timestamps
// are rendered in loc (UTC when nil).
func WriteCSV(w io.Writer, records []market.ClassifiedRecord, loc *time.Location) error {
	if loc == nil {
		loc = time.UTC
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{
			r.Timestamp.In(loc).Format(time.RFC3339),
			r.Contract,
			r.Underlying,
			r.Expiry,
			r.Side,
			r.Strike,
			strconv.FormatInt(r.Size, 10),
			r.Price.StringFixed(2),
			r.Notional.StringFixed(2),
			string(r.Tag),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
