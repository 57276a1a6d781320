// Package export renders sync status reports as spreadsheets.
package export

import (
	"context"
	"fmt"
	"io"
	"time"

	"mealsync/internal/models"

	"github.com/xuri/excelize/v2"
)

const sheetName = "Sync status"

var columns = []struct {
	title string
	width float64
}{
	{"Item", 38},
	{"Type", 10},
	{"Planned item", 38},
	{"Status", 12},
	{"Last sync (UTC)", 22},
	{"Last error", 60},
}

var statusColors = map[models.SyncStatus]string{
	models.SyncSynced:  "#C6EFCE",
	models.SyncPending: "#FFEB9C",
	models.SyncFailed:  "#FFC7CE",
	models.SyncRemoved: "#EDEDED",
}

// PageFunc returns one page of a user's records.
type PageFunc func(ctx context.Context, page, pageSize int) (models.SyncStatusPage, error)

// CollectAll walks every page.
func CollectAll(ctx context.Context, fetch PageFunc) ([]models.SyncStatusRecord, error) {
	var all []models.SyncStatusRecord
	for page := 1; ; page++ {
		p, err := fetch(ctx, page, models.MaxStatusPageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, p.Items...)
		if len(p.Items) < models.MaxStatusPageSize || len(all) >= p.Total {
			return all, nil
		}
	}
}

// WriteSyncStatuses writes an xlsx workbook with one row per record to w.
func WriteSyncStatuses(w io.Writer, userID string, records []models.SyncStatusRecord, generated time.Time) error {
	f := excelize.NewFile()
	defer f.Close()

	if _, err := f.NewSheet(sheetName); err != nil {
		return fmt.Errorf("error creating sheet: %w", err)
	}
	_ = f.DeleteSheet("Sheet1")
	if index, err := f.GetSheetIndex(sheetName); err == nil {
		f.SetActiveSheet(index)
	}

	_ = f.SetCellValue(sheetName, "A1", fmt.Sprintf("CalDAV sync status for %s, %s", userID, generated.UTC().Format(time.RFC3339)))
	title, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Size: 14},
	})
	_ = f.SetCellStyle(sheetName, "A1", "A1", title)

	header, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font: &excelize.Font{Bold: true},
	})
	for i, c := range columns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 2)
		_ = f.SetCellValue(sheetName, cell, c.title)
		_ = f.SetCellStyle(sheetName, cell, cell, header)
		col, _ := excelize.ColumnNumberToName(i + 1)
		_ = f.SetColWidth(sheetName, col, col, c.width)
	}

	styles := make(map[models.SyncStatus]int, len(statusColors))
	for status, color := range statusColors {
		id, err := f.NewStyle(&excelize.Style{
			Fill: excelize.Fill{Type: "pattern", Color: []string{color}, Pattern: 1},
		})
		if err != nil {
			return fmt.Errorf("error creating style: %w", err)
		}
		styles[status] = id
	}

	for i, rec := range records {
		row := i + 3
		values := []any{rec.ItemID, string(rec.ItemType), rec.PlannedItemID, string(rec.Status), "", ""}
		if rec.LastSyncAt != nil {
			values[4] = rec.LastSyncAt.UTC().Format("2006-01-02 15:04:05")
		}
		if rec.LastError != nil {
			values[5] = *rec.LastError
		}
		start, _ := excelize.CoordinatesToCellName(1, row)
		if err := f.SetSheetRow(sheetName, start, &values); err != nil {
			return fmt.Errorf("error writing row %d: %w", row, err)
		}
		if style, ok := styles[rec.Status]; ok {
			cell, _ := excelize.CoordinatesToCellName(4, row)
			_ = f.SetCellStyle(sheetName, cell, cell, style)
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("error writing workbook: %w", err)
	}
	return nil
}
