package pool

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/Makoto0824/machisaga/model"
)

// ParseCSV reads the campaign tooling's four-column table
// (id,event,url,description; first line is a header). Rows whose URL is
// not http(s) are skipped and counted, blank ids/events/descriptions get
// the same fallbacks the original import used. Duplicate IDs within one
// file are last-row-wins; the count is reported so operators can fix
// the sheet.
func ParseCSV(r io.Reader) ([]model.SingleUseURL, ImportReport, error) {
	var report ImportReport

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, report, fmt.Errorf("parse CSV: %w", err)
	}
	if len(rows) > 0 {
		rows = rows[1:] // header
	}

	seen := make(map[string]int)
	records := make([]model.SingleUseURL, 0, len(rows))
	for _, row := range rows {
		rec := fromRow(row, len(records)+1)
		if !strings.HasPrefix(rec.URL, "http") {
			report.Skipped++
			continue
		}

		if idx, dup := seen[rec.ID]; dup {
			records[idx] = rec
			report.DuplicateIDs++
			continue
		}
		seen[rec.ID] = len(records)
		records = append(records, rec)
	}

	report.Parsed = len(records)
	return records, report, nil
}

// ImportReport summarizes a CSV parse.
type ImportReport struct {
	Parsed       int `json:"parsed"`
	Skipped      int `json:"skipped"`
	DuplicateIDs int `json:"duplicateIds"`
}

func fromRow(row []string, n int) model.SingleUseURL {
	field := func(i int) string {
		if i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}

	rec := model.SingleUseURL{
		ID:          field(0),
		Event:       field(1),
		URL:         field(2),
		Description: field(3),
	}
	if rec.ID == "" {
		rec.ID = fmt.Sprintf("url_%d", n)
	}
	if rec.Event == "" {
		rec.Event = "Default"
	}
	if rec.Description == "" {
		rec.Description = fmt.Sprintf("まちサーガイベント %d", n)
	}
	return rec
}
