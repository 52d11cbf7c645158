package ingest

import (
	"context"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// XLSXLoader renders each spreadsheet sheet as a pipe-delimited table,
// one paragraph per sheet, so tabular evidence survives passage splitting.
type XLSXLoader struct{}

func (*XLSXLoader) Formats() []string { return []string{"xlsx", "xls"} }

func (*XLSXLoader) Load(_ context.Context, path string) (*Document, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening spreadsheet: %w", err)
	}
	defer f.Close()

	var sb strings.Builder
	sheets := 0
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil || len(rows) == 0 {
			continue
		}
		if sheets > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(sheet)
		sb.WriteString("\n")
		for _, row := range rows {
			sb.WriteString("| " + strings.Join(row, " | ") + " |\n")
		}
		sheets++
	}
	if sheets == 0 {
		return nil, fmt.Errorf("no data in spreadsheet %s", path)
	}
	return &Document{
		Text:     sb.String(),
		Metadata: map[string]string{"sheets": fmt.Sprintf("%d", sheets)},
	}, nil
}
