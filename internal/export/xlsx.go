// Package export renders sync task history as spreadsheets.
package export

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"signalgw/internal/models"

	"github.com/xuri/excelize/v2"
)

const (
	tasksSheet = "Tasks"
	statsSheet = "Summary"
	timeLayout = "2006-01-02 15:04:05"
)

var taskHeaders = []string{
	"Task ID", "Controller", "Sync type", "Priority", "Status", "Progress",
	"Retries", "Created", "Started", "Finished", "Duration (s)", "Message",
}

// WriteTasks renders tasks into an XLSX workbook written to w.
func WriteTasks(w io.Writer, tasks []models.SyncTask, generatedAt time.Time) error {
	f, err := build(tasks, generatedAt)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.Write(w); err != nil {
		return fmt.Errorf("error writing workbook: %w", err)
	}
	return nil
}

// SaveTasks writes the workbook under dir and returns its path.
func SaveTasks(dir string, tasks []models.SyncTask, generatedAt time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("error creating export directory: %w", err)
	}

	f, err := build(tasks, generatedAt)
	if err != nil {
		return "", err
	}
	defer f.Close()

	path := filepath.Join(dir, FileName(generatedAt))
	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("error saving file: %w", err)
	}
	return path, nil
}

// FileName is the export file name for a generation time.
func FileName(generatedAt time.Time) string {
	return fmt.Sprintf("sync_tasks_%s.xlsx", generatedAt.Format("20060102_150405"))
}

func build(tasks []models.SyncTask, generatedAt time.Time) (*excelize.File, error) {
	f := excelize.NewFile()

	if _, err := f.NewSheet(tasksSheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("error creating sheet: %w", err)
	}

	writeHeaders(f)
	for i := range tasks {
		writeTaskRow(f, i+2, &tasks[i])
	}

	_ = f.SetColWidth(tasksSheet, "A", "A", 38)
	_ = f.SetColWidth(tasksSheet, "B", "G", 14)
	_ = f.SetColWidth(tasksSheet, "H", "J", 20)
	_ = f.SetColWidth(tasksSheet, "K", "K", 12)
	_ = f.SetColWidth(tasksSheet, "L", "L", 50)
	_ = f.SetPanes(tasksSheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})

	if err := writeSummary(f, tasks, generatedAt); err != nil {
		f.Close()
		return nil, err
	}

	_ = f.DeleteSheet("Sheet1")
	if index, err := f.GetSheetIndex(tasksSheet); err == nil {
		f.SetActiveSheet(index)
	}
	return f, nil
}

func writeHeaders(f *excelize.File) {
	style, _ := f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	for i, h := range taskHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(tasksSheet, cell, h)
		_ = f.SetCellStyle(tasksSheet, cell, cell, style)
	}
}

func writeTaskRow(f *excelize.File, row int, t *models.SyncTask) {
	values := []interface{}{
		t.TaskID,
		t.ControllerID,
		string(t.SyncType),
		t.Priority,
		string(t.Status),
		t.Progress,
		t.RetryCount,
		t.CreateTime.Format(timeLayout),
		formatTime(t.StartTime),
		formatTime(t.EndTime),
		duration(t),
		t.Message,
	}
	for i, v := range values {
		cell, _ := excelize.CoordinatesToCellName(i+1, row)
		_ = f.SetCellValue(tasksSheet, cell, v)
	}

	if color, ok := statusColors[t.Status]; ok {
		style, _ := f.NewStyle(&excelize.Style{
			Fill: excelize.Fill{Type: "pattern", Color: []string{color}, Pattern: 1},
		})
		cell, _ := excelize.CoordinatesToCellName(5, row)
		_ = f.SetCellStyle(tasksSheet, cell, cell, style)
	}
}

var statusColors = map[models.SyncStatus]string{
	models.SyncCompleted: "#E2EFDA",
	models.SyncFailed:    "#F8CBAD",
	models.SyncTimeout:   "#FFE699",
	models.SyncCancelled: "#D9D9D9",
}

func writeSummary(f *excelize.File, tasks []models.SyncTask, generatedAt time.Time) error {
	if _, err := f.NewSheet(statsSheet); err != nil {
		return fmt.Errorf("error creating sheet: %w", err)
	}

	counts := make(map[models.SyncStatus]int)
	for i := range tasks {
		counts[tasks[i].Status]++
	}

	_ = f.SetCellValue(statsSheet, "A1", "Generated")
	_ = f.SetCellValue(statsSheet, "B1", generatedAt.Format(timeLayout))
	_ = f.SetCellValue(statsSheet, "A2", "Tasks")
	_ = f.SetCellValue(statsSheet, "B2", len(tasks))

	row := 3
	for _, st := range []models.SyncStatus{
		models.SyncCreated, models.SyncPending, models.SyncRunning, models.SyncCompleted,
		models.SyncFailed, models.SyncCancelled, models.SyncTimeout,
	} {
		_ = f.SetCellValue(statsSheet, fmt.Sprintf("A%d", row), string(st))
		_ = f.SetCellValue(statsSheet, fmt.Sprintf("B%d", row), counts[st])
		row++
	}
	_ = f.SetColWidth(statsSheet, "A", "B", 20)
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(timeLayout)
}

func duration(t *models.SyncTask) interface{} {
	if t.StartTime == nil || t.EndTime == nil {
		return ""
	}
	return t.EndTime.Sub(*t.StartTime).Seconds()
}
