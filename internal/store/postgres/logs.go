package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/forgelabs/build-plane/internal/models"
)

// LogStore implements store.LogStore using PostgreSQL.
type LogStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// Append records one log line for a build.
func (s *LogStore) Append(ctx context.Context, buildID, message string) error {
	query := `
		INSERT INTO build_logs (build_id, message, timestamp)
		VALUES ($1, $2, $3)`

	_, err := s.db.ExecContext(ctx, query, buildID, message, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("inserting log entry: %w", err)
	}
	return nil
}

// List retrieves log lines for a build in append order.
func (s *LogStore) List(ctx context.Context, buildID string, limit int) ([]*models.LogEntry, error) {
	if limit <= 0 {
		limit = 1000
	}

	query := `
		SELECT build_id, message, timestamp
		FROM build_logs
		WHERE build_id = $1
		ORDER BY id ASC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, buildID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying logs: %w", err)
	}
	defer rows.Close()

	var entries []*models.LogEntry
	for rows.Next() {
		entry := &models.LogEntry{}
		if err := rows.Scan(&entry.BuildID, &entry.Message, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning log row: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating log rows: %w", err)
	}
	return entries, nil
}
