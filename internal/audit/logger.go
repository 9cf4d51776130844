// Package audit records authentication events to the audit_log table of the
// SQL credential store and to a JSON lines file.
package audit

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

type Logger struct {
	db         *sql.DB
	logFile    *os.File
	logPath    string
	asyncMode  bool
	eventQueue chan *Event
	fileMu     sync.Mutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	now        func() time.Time
}

// NewLogger creates a new audit logger. db may be nil when the credential
// store is not SQL backed, and logFilePath may be empty to skip the file.
func NewLogger(db *sql.DB, logFilePath string, asyncMode bool) (*Logger, error) {
	ctx, cancel := context.WithCancel(context.Background())

	logger := &Logger{
		db:        db,
		logPath:   logFilePath,
		asyncMode: asyncMode,
		ctx:       ctx,
		cancel:    cancel,
		now:       time.Now,
	}

	if logFilePath != "" {
		if err := os.MkdirAll(filepath.Dir(logFilePath), 0700); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		logFile, err := os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		logger.logFile = logFile
	}

	if asyncMode {
		logger.eventQueue = make(chan *Event, 1000)
		logger.startAsyncLogger()
	}

	return logger, nil
}

// Log logs an audit event
func (al *Logger) Log(event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = al.now().UTC()
	}
	if event.Level == "" {
		event.Level = LevelInfo
	}

	if al.asyncMode {
		select {
		case al.eventQueue <- event:
			return nil
		default:
			return fmt.Errorf("audit log queue is full")
		}
	}

	return al.writeEvent(event)
}

// writeEvent writes event to database and file
func (al *Logger) writeEvent(event *Event) error {
	if al.db != nil {
		query := `
        INSERT INTO audit_log (
            timestamp, level, username, action, resource,
            request_id, success, error_msg, metadata
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
    `

		result, err := al.db.Exec(query,
			event.Timestamp,
			string(event.Level),
			event.Username,
			event.Action,
			event.Resource,
			event.RequestID,
			event.Success,
			event.ErrorMsg,
			event.Metadata,
		)

		if err != nil {
			slog.Warn("failed to write audit event to database", "action", event.Action, "error", err)
			// Continue to write to file even if DB write fails
		} else {
			event.ID, _ = result.LastInsertId()
		}
	}

	if al.logFile == nil {
		return nil
	}

	jsonData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	al.fileMu.Lock()
	defer al.fileMu.Unlock()
	if _, err := al.logFile.Write(append(jsonData, '\n')); err != nil {
		return fmt.Errorf("failed to write to log file: %w", err)
	}

	return nil
}

// startAsyncLogger starts async logging worker
func (al *Logger) startAsyncLogger() {
	al.wg.Add(1)
	go func() {
		defer al.wg.Done()
		for {
			select {
			case event := <-al.eventQueue:
				if err := al.writeEvent(event); err != nil {
					slog.Warn("failed to write audit event", "error", err)
				}
			case <-al.ctx.Done():
				// Drain remaining events
				for len(al.eventQueue) > 0 {
					event := <-al.eventQueue
					al.writeEvent(event)
				}
				return
			}
		}
	}()
}

// QueryLogs returns matching events, newest first. Without a database the
// JSON lines file is scanned instead.
func (al *Logger) QueryLogs(filters QueryFilters) ([]*Event, error) {
	if filters.Limit <= 0 {
		filters.Limit = 100
	}

	if al.db == nil {
		return al.queryFile(filters)
	}

	query := `
        SELECT id, timestamp, level, username, action, resource,
               request_id, success, error_msg, metadata
        FROM audit_log
        WHERE 1=1
    `

	args := []interface{}{}

	if filters.StartTime != nil {
		query += " AND timestamp >= ?"
		args = append(args, *filters.StartTime)
	}

	if filters.EndTime != nil {
		query += " AND timestamp <= ?"
		args = append(args, *filters.EndTime)
	}

	if filters.Username != "" {
		query += " AND username = ?"
		args = append(args, filters.Username)
	}

	if filters.Action != "" {
		query += " AND action = ?"
		args = append(args, filters.Action)
	}

	if filters.Level != "" {
		query += " AND level = ?"
		args = append(args, string(filters.Level))
	}

	query += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, filters.Limit)

	rows, err := al.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		event := &Event{}
		var level string
		err := rows.Scan(
			&event.ID,
			&event.Timestamp,
			&level,
			&event.Username,
			&event.Action,
			&event.Resource,
			&event.RequestID,
			&event.Success,
			&event.ErrorMsg,
			&event.Metadata,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		event.Level = LogLevel(level)
		events = append(events, event)
	}

	return events, rows.Err()
}

func (al *Logger) queryFile(filters QueryFilters) ([]*Event, error) {
	if al.logPath == "" {
		return nil, nil
	}

	al.fileMu.Lock()
	defer al.fileMu.Unlock()

	f, err := os.Open(al.logPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	var events []*Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		event := &Event{}
		if err := json.Unmarshal(scanner.Bytes(), event); err != nil {
			continue
		}
		if filters.matches(event) {
			events = append(events, event)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
	if len(events) > filters.Limit {
		events = events[:filters.Limit]
	}
	return events, nil
}

// Close flushes pending events and closes the audit logger
func (al *Logger) Close() error {
	al.cancel()
	al.wg.Wait()

	if al.logFile != nil {
		return al.logFile.Close()
	}
	return nil
}
