package footballdata

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/socascores/ingester/internal/ingesterr"
)

// Layout is the shape of a downloaded CSV: its header and data row count.
type Layout struct {
	Columns  []string
	RowCount int
}

// Inspect reads the header and counts non-blank data rows.
func Inspect(body []byte) (Layout, error) {
	reader := csv.NewReader(bytes.NewReader(body))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Layout{}, ingesterr.Mark(errors.New("csv has no header"), ingesterr.ErrPermanent)
		}
		return Layout{}, ingesterr.Mark(fmt.Errorf("read csv header: %w", err), ingesterr.ErrPermanent)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	if len(header) < 2 {
		return Layout{}, ingesterr.Mark(fmt.Errorf("csv header has %d column(s)", len(header)), ingesterr.ErrPermanent)
	}

	layout := Layout{Columns: header}
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Layout{}, ingesterr.Mark(fmt.Errorf("read csv row %d: %w", layout.RowCount+1, err), ingesterr.ErrPermanent)
		}
		if !blankRecord(record) {
			layout.RowCount++
		}
	}
	return layout, nil
}

func blankRecord(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
