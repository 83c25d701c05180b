package analytics

import (
	"fmt"
	"io"
	"strconv"

	"github.com/xuri/excelize/v2"
)

// Sheet names in exported workbooks.
const (
	SheetStages      = "Stages"
	SheetBottlenecks = "Bottlenecks"
	SheetPerformers  = "Performers"
	SheetSummary     = "Summary"
)

// WriteXLSX writes r as an Excel workbook with one sheet per section.
func WriteXLSX(w io.Writer, r *Report) error {
	f := excelize.NewFile()
	defer f.Close()

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#D3D3D3"}, Pattern: 1},
	})
	if err != nil {
		return fmt.Errorf("analytics: header style: %w", err)
	}

	sheets := []struct {
		name    string
		headers []string
		rows    [][]interface{}
	}{
		{SheetStages, []string{"Stage", "Samples", "Avg Hours", "Max Hours", "SLA Hours", "Delayed", "Delay Frequency", "Efficiency"}, stageRows(r)},
		{SheetBottlenecks, []string{"Rank", "Stage", "Score", "Avg Hours", "Delay Frequency"}, bottleneckRows(r)},
		{SheetPerformers, []string{"Actor", "Cases Handled", "Transitions", "Completed Cases", "Avg Completion Hours"}, performerRows(r)},
		{SheetSummary, []string{"Metric", "Value"}, summaryRows(r)},
	}

	for i, s := range sheets {
		if i == 0 {
			if err := f.SetSheetName("Sheet1", s.name); err != nil {
				return fmt.Errorf("analytics: rename sheet: %w", err)
			}
		} else if _, err := f.NewSheet(s.name); err != nil {
			return fmt.Errorf("analytics: new sheet %s: %w", s.name, err)
		}
		if err := writeSheet(f, s.name, s.headers, s.rows, headerStyle); err != nil {
			return err
		}
	}
	f.SetActiveSheet(0)

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("analytics: write workbook: %w", err)
	}
	return nil
}

func writeSheet(f *excelize.File, sheet string, headers []string, rows [][]interface{}, style int) error {
	for i, h := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return fmt.Errorf("analytics: %s header: %w", sheet, err)
		}
		if err := f.SetCellStyle(sheet, cell, cell, style); err != nil {
			return fmt.Errorf("analytics: %s header style: %w", sheet, err)
		}
	}
	for r, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, r+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("analytics: %s row %d: %w", sheet, r+2, err)
		}
	}
	last, err := excelize.ColumnNumberToName(len(headers))
	if err != nil {
		return err
	}
	return f.SetColWidth(sheet, "A", last, 18)
}

func stageRows(r *Report) [][]interface{} {
	rows := make([][]interface{}, 0, len(r.Stages))
	for _, s := range r.Stages {
		rows = append(rows, []interface{}{string(s.Stage), s.Samples, s.AvgHours, s.MaxHours, s.SLAHours, s.Delayed, s.DelayFrequency, s.Efficiency})
	}
	return rows
}

func bottleneckRows(r *Report) [][]interface{} {
	rows := make([][]interface{}, 0, len(r.Bottlenecks))
	for _, b := range r.Bottlenecks {
		rows = append(rows, []interface{}{b.Rank, string(b.Stage), b.Score, b.AvgHours, b.DelayFrequency})
	}
	return rows
}

func performerRows(r *Report) [][]interface{} {
	rows := make([][]interface{}, 0, len(r.TopPerformers))
	for _, p := range r.TopPerformers {
		rows = append(rows, []interface{}{p.Actor, p.CasesHandled, p.Transitions, p.CompletedCases, p.AvgCompletionHours})
	}
	return rows
}

func summaryRows(r *Report) [][]interface{} {
	s := r.Summary
	return [][]interface{}{
		{"Total cases", s.TotalCases},
		{"Open", s.Open},
		{"Closed", s.Closed},
		{"Rejected", s.Rejected},
		{"Conversion rate %", s.ConversionRate},
		{"Avg cycle hours", s.AvgCycleHours},
		{"Transitions", s.Transitions},
		{"Generated at", r.GeneratedAt.Format("2006-01-02 15:04:05")},
		{"Window", windowLabel(r.Window)},
	}
}

func windowLabel(w Window) string {
	from, to := "start", "now"
	if !w.Since.IsZero() {
		from = w.Since.Format("2006-01-02")
	}
	if !w.Until.IsZero() {
		to = w.Until.Format("2006-01-02")
	}
	return from + " .. " + to
}

// FormatHours renders hours for digests and CLI tables.
func FormatHours(h float64) string {
	if h < 48 {
		return strconv.FormatFloat(h, 'f', 1, 64) + "h"
	}
	return strconv.FormatFloat(h/24, 'f', 1, 64) + "d"
}
