package services

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/timeplus-io/tp-alarm-monitor/pkg/models"
)

// EventExportHeaders are the column titles of event exports
var EventExportHeaders = []string{
	"Event ID", "Rule ID", "Rule Name", "Service Type", "Channel ID", "Data Type", "Point ID",
	"Warning Level", "Operator", "Threshold", "Trigger Value", "Recovery Value", "Event Type",
	"Triggered At", "Recovered At", "Duration (Seconds)",
}

const exportTimeLayout = "2006-01-02 15:04:05"

func eventRecord(e *models.AlertEvent) []string {
	recovery := ""
	if e.RecoveryValue != nil {
		recovery = formatFloat(*e.RecoveryValue)
	}
	recoveredAt := ""
	if e.RecoveredAt > 0 {
		recoveredAt = time.Unix(e.RecoveredAt, 0).Format(exportTimeLayout)
	}
	return []string{
		strconv.FormatInt(e.ID, 10),
		strconv.FormatInt(e.RuleID, 10),
		e.RuleName,
		e.ServiceType,
		strconv.FormatInt(e.ChannelID, 10),
		e.DataType,
		strconv.FormatInt(e.PointID, 10),
		strconv.Itoa(int(e.WarningLevel)),
		string(e.Operator),
		formatFloat(e.ThresholdValue),
		formatFloat(e.TriggerValue),
		recovery,
		string(e.EventType),
		time.Unix(e.TriggeredAt, 0).Format(exportTimeLayout),
		recoveredAt,
		strconv.FormatInt(e.Duration, 10),
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ExportEventsCSV writes every event matching the filter as CSV
func (s *AlertService) ExportEventsCSV(ctx context.Context, filter models.EventFilter, w io.Writer) (int, error) {
	events, err := s.store.ListEvents(ctx, filter)
	if err != nil {
		return 0, err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(EventExportHeaders); err != nil {
		return 0, fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, e := range events {
		if err := cw.Write(eventRecord(e)); err != nil {
			return 0, fmt.Errorf("failed to write csv row: %w", err)
		}
	}
	cw.Flush()
	return len(events), cw.Error()
}

// ExportEventsXLSX writes every event matching the filter as an Excel workbook
func (s *AlertService) ExportEventsXLSX(ctx context.Context, filter models.EventFilter, w io.Writer) (int, error) {
	events, err := s.store.ListEvents(ctx, filter)
	if err != nil {
		return 0, err
	}

	f := excelize.NewFile()
	defer f.Close()

	sheetName := "Alert Events"
	index, err := f.NewSheet(sheetName)
	if err != nil {
		return 0, fmt.Errorf("failed to create sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create header style: %w", err)
	}

	for col, header := range EventExportHeaders {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return 0, err
		}
		if err := f.SetCellValue(sheetName, cell, header); err != nil {
			return 0, err
		}
		if err := f.SetCellStyle(sheetName, cell, cell, headerStyle); err != nil {
			return 0, err
		}
	}

	for i, e := range events {
		for col, value := range eventRecord(e) {
			cell, err := excelize.CoordinatesToCellName(col+1, i+2)
			if err != nil {
				return 0, err
			}
			if err := f.SetCellValue(sheetName, cell, value); err != nil {
				return 0, err
			}
		}
	}

	lastCol, err := excelize.ColumnNumberToName(len(EventExportHeaders))
	if err != nil {
		return 0, err
	}
	if err := f.SetColWidth(sheetName, "A", lastCol, 16); err != nil {
		return 0, err
	}
	if err := f.SetPanes(sheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return 0, fmt.Errorf("failed to freeze panes: %w", err)
	}

	if _, err := f.WriteTo(w); err != nil {
		return 0, fmt.Errorf("failed to write workbook: %w", err)
	}
	return len(events), nil
}
