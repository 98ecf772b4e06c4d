package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/forgelabs/build-plane/internal/models"
	"github.com/forgelabs/build-plane/internal/store"
)

// BuildStore implements store.BuildStore using PostgreSQL.
type BuildStore struct {
	db     *sql.DB
	logger *slog.Logger
}

const buildColumns = `build_id, task, mode, status, current_iteration,
	max_iterations, scout_output, architect_output, builder_output,
	tester_output, files_created, error, created_at, updated_at`

// Create persists a new build record.
func (s *BuildStore) Create(ctx context.Context, record *models.BuildRecord) error {
	query := `
		INSERT INTO builds (` + buildColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = record.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, query,
		record.BuildID,
		record.Task,
		record.Mode,
		record.Status,
		record.CurrentIteration,
		record.MaxIterations,
		nullableJSON(record.ScoutOutput),
		nullableJSON(record.ArchitectOutput),
		nullableJSON(record.BuilderOutput),
		nullableJSON(record.TesterOutput),
		pq.Array(record.FilesCreated),
		nullableString(record.Error),
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("inserting build: %w", err)
	}
	return nil
}

// Get retrieves a build record by ID.
func (s *BuildStore) Get(ctx context.Context, buildID string) (*models.BuildRecord, error) {
	query := `SELECT ` + buildColumns + ` FROM builds WHERE build_id = $1`

	record, err := scanBuild(s.db.QueryRowContext(ctx, query, buildID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying build: %w", err)
	}
	return record, nil
}

// Update applies an atomic partial update to a build record. The
// whole set of field changes lands in a single UPDATE statement so
// concurrent readers never observe a half-applied mutation. Status
// changes carry a WHERE guard excluding terminal rows, which makes
// passed, failed, and cancelled absorbing under racing writers.
func (s *BuildStore) Update(ctx context.Context, buildID string, updates store.FieldUpdates) (*models.BuildRecord, error) {
	if updates.Empty() {
		return s.Get(ctx, buildID)
	}

	var (
		sets []string
		args []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if updates.Status != nil {
		sets = append(sets, "status = "+arg(*updates.Status))
	}
	if updates.IncrementIteration {
		sets = append(sets, "current_iteration = current_iteration + 1")
	}
	for stage, output := range updates.StageOutput {
		column, ok := stageColumn(stage)
		if !ok {
			return nil, fmt.Errorf("no output column for stage %q", stage)
		}
		sets = append(sets, column+" = "+arg(nullableJSON(output)))
	}
	if updates.FilesCreated != nil {
		sets = append(sets, "files_created = "+arg(pq.Array(updates.FilesCreated)))
	}
	if updates.Error != nil {
		sets = append(sets, "error = "+arg(nullableString(*updates.Error)))
	}
	sets = append(sets, "updated_at = "+arg(time.Now().UTC()))

	query := `UPDATE builds SET ` + strings.Join(sets, ", ") +
		` WHERE build_id = ` + arg(buildID)
	if updates.Status != nil {
		query += ` AND status NOT IN ('passed', 'failed', 'cancelled')`
	}
	query += ` RETURNING ` + buildColumns

	record, err := scanBuild(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// No matching row: either the build does not exist or the
			// status guard excluded it.
			if updates.Status != nil {
				if _, gerr := s.Get(ctx, buildID); gerr == nil {
					return nil, store.ErrTerminalStatus
				}
			}
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("updating build: %w", err)
	}
	return record, nil
}

// List retrieves builds, optionally filtered by status. Filtered
// listings use the (status, created_at DESC) index.
func (s *BuildStore) List(ctx context.Context, statusFilter models.BuildStatus, limit int) ([]*models.BuildRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	var (
		rows *sql.Rows
		err  error
	)
	if statusFilter != "" {
		query := `SELECT ` + buildColumns + ` FROM builds
			WHERE status = $1
			ORDER BY created_at DESC
			LIMIT $2`
		rows, err = s.db.QueryContext(ctx, query, statusFilter, limit)
	} else {
		query := `SELECT ` + buildColumns + ` FROM builds LIMIT $1`
		rows, err = s.db.QueryContext(ctx, query, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("querying builds: %w", err)
	}
	defer rows.Close()

	var builds []*models.BuildRecord
	for rows.Next() {
		record, err := scanBuild(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning build row: %w", err)
		}
		builds = append(builds, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating build rows: %w", err)
	}
	return builds, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanBuild(row scanner) (*models.BuildRecord, error) {
	record := &models.BuildRecord{}
	var (
		scout, architect, builder, tester []byte
		files                             pq.StringArray
		errMsg                            sql.NullString
	)

	err := row.Scan(
		&record.BuildID,
		&record.Task,
		&record.Mode,
		&record.Status,
		&record.CurrentIteration,
		&record.MaxIterations,
		&scout,
		&architect,
		&builder,
		&tester,
		&files,
		&errMsg,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	record.ScoutOutput = json.RawMessage(scout)
	record.ArchitectOutput = json.RawMessage(architect)
	record.BuilderOutput = json.RawMessage(builder)
	record.TesterOutput = json.RawMessage(tester)
	record.FilesCreated = []string(files)
	if errMsg.Valid {
		record.Error = errMsg.String
	}
	return record, nil
}

func stageColumn(stage models.Stage) (string, bool) {
	switch stage {
	case models.StageScout:
		return "scout_output", true
	case models.StageArchitect:
		return "architect_output", true
	case models.StageBuilder:
		return "builder_output", true
	case models.StageTester:
		return "tester_output", true
	}
	return "", false
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
