// Package google mirrors sync task outcomes into a Google Sheets report.
package google

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"sync"
	"time"

	"signalgw/internal/models"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

const timeLayout = "2006-01-02 15:04:05"

var headers = []interface{}{
	"Task ID", "Controller", "Sync Type", "Payload", "Priority", "Status",
	"Progress", "Retries", "Created", "Started", "Finished", "Message",
}

// ErrRowNotFound is returned by FindTaskRow when the task has no row yet.
var ErrRowNotFound = errors.New("task row not found")

// TaskSheet writes one row per sync task, keyed by task id in column A.
type TaskSheet struct {
	service       *sheets.Service
	spreadsheetID string
	sheetName     string

	cacheMu  sync.RWMutex
	rowCache map[string]int
}

// NewTaskSheet authenticates with a service account credentials file.
func NewTaskSheet(ctx context.Context, credentialsFile, spreadsheetID, sheetName string) (*TaskSheet, error) {
	credentialsJSON, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}

	jwt, err := google.JWTConfigFromJSON(credentialsJSON, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}

	srv, err := sheets.NewService(ctx, option.WithHTTPClient(jwt.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return NewTaskSheetWithService(srv, spreadsheetID, sheetName), nil
}

func NewTaskSheetWithService(srv *sheets.Service, spreadsheetID, sheetName string) *TaskSheet {
	return &TaskSheet{
		service:       srv,
		spreadsheetID: spreadsheetID,
		sheetName:     sheetName,
		rowCache:      make(map[string]int),
	}
}

// TestConnection reads the first header cell.
func (s *TaskSheet) TestConnection(ctx context.Context) error {
	_, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, s.sheetName+"!A1").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}
	return nil
}

// EnsureHeader writes the header row.
func (s *TaskSheet) EnsureHeader(ctx context.Context) error {
	rangeData := fmt.Sprintf("%s!A1:L1", s.sheetName)
	_, err := s.service.Spreadsheets.Values.Update(s.spreadsheetID, rangeData, &sheets.ValueRange{
		Values: [][]interface{}{headers},
	}).ValueInputOption("RAW").Context(ctx).Do()
	return err
}

// WarmUpCache rebuilds the task id -> row index from column A.
func (s *TaskSheet) WarmUpCache(ctx context.Context) error {
	resp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, s.sheetName+"!A:A").Context(ctx).Do()
	if err != nil {
		return err
	}

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.rowCache = make(map[string]int)
	for i, row := range resp.Values {
		if i == 0 || len(row) == 0 {
			continue
		}
		if id, ok := row[0].(string); ok && id != "" {
			s.rowCache[id] = i + 1
		}
	}
	return nil
}

// UpsertTask rewrites the task's row, appending one when it has none.
func (s *TaskSheet) UpsertTask(ctx context.Context, task models.SyncTask) error {
	if task.TaskID == "" {
		return fmt.Errorf("task id is required")
	}

	rowIdx, err := s.FindTaskRow(ctx, task.TaskID)
	if errors.Is(err, ErrRowNotFound) {
		return s.appendTask(ctx, task)
	}
	if err != nil {
		return err
	}

	rangeData := fmt.Sprintf("%s!A%d:L%d", s.sheetName, rowIdx, rowIdx)
	_, err = s.service.Spreadsheets.Values.Update(s.spreadsheetID, rangeData, &sheets.ValueRange{
		Values: [][]interface{}{taskRowValues(task)},
	}).ValueInputOption("RAW").Context(ctx).Do()
	return err
}

func (s *TaskSheet) appendTask(ctx context.Context, task models.SyncTask) error {
	resp, err := s.service.Spreadsheets.Values.Append(s.spreadsheetID, s.sheetName+"!A:A", &sheets.ValueRange{
		Values: [][]interface{}{taskRowValues(task)},
	}).ValueInputOption("RAW").InsertDataOption("INSERT_ROWS").Context(ctx).Do()
	if err != nil {
		return err
	}
	if resp.Updates != nil {
		if row, ok := firstRow(resp.Updates.UpdatedRange); ok {
			s.setCachedRow(task.TaskID, row)
		}
	}
	return nil
}

// FindTaskRow returns the 1-based row holding taskID.
func (s *TaskSheet) FindTaskRow(ctx context.Context, taskID string) (int, error) {
	if row, ok := s.getCachedRow(taskID); ok {
		return row, nil
	}

	resp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, s.sheetName+"!A:A").Context(ctx).Do()
	if err != nil {
		return 0, err
	}
	for i, row := range resp.Values {
		if len(row) == 0 {
			continue
		}
		if id, ok := row[0].(string); ok && id == taskID {
			s.setCachedRow(taskID, i+1)
			return i + 1, nil
		}
	}
	return 0, ErrRowNotFound
}

func (s *TaskSheet) getCachedRow(id string) (int, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	row, ok := s.rowCache[id]
	return row, ok
}

func (s *TaskSheet) setCachedRow(id string, row int) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.rowCache[id] = row
}

// ClearCache drops the row index.
func (s *TaskSheet) ClearCache() {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.rowCache = make(map[string]int)
}

var rangeRow = regexp.MustCompile(`![A-Z]+(\d+)`)

// firstRow extracts the starting row from an A1 range such as "Tasks!A10:L10".
func firstRow(a1 string) (int, bool) {
	m := rangeRow.FindStringSubmatch(a1)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

func taskRowValues(task models.SyncTask) []interface{} {
	return []interface{}{
		task.TaskID,
		task.ControllerID,
		string(task.SyncType),
		task.PayloadType,
		task.Priority,
		string(task.Status),
		task.Progress,
		task.RetryCount,
		formatTime(&task.CreateTime),
		formatTime(task.StartTime),
		formatTime(task.EndTime),
		task.Message,
	}
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}
