// Package store provides build record persistence interfaces and
// implementations.
package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/forgelabs/build-plane/internal/models"
)

// Common store errors.
var (
	// ErrNotFound is returned when a requested build does not exist.
	ErrNotFound = errors.New("build not found")

	// ErrAlreadyExists is returned when creating a build whose ID is
	// already taken.
	ErrAlreadyExists = errors.New("build already exists")

	// ErrTerminalStatus is returned when a status update targets a
	// record that already reached passed, failed, or cancelled.
	ErrTerminalStatus = errors.New("build status is terminal")
)

// FieldUpdates is an atomic partial update of a build record. Nil
// fields are left untouched; the store applies the whole set in a
// single operation and refreshes updated_at.
type FieldUpdates struct {
	// Status replaces the build status.
	Status *models.BuildStatus
	// IncrementIteration bumps current_iteration by one.
	IncrementIteration bool
	// StageOutput overwrites the output of one stage for the current
	// iteration.
	StageOutput map[models.Stage]json.RawMessage
	// FilesCreated replaces the list of generated files.
	FilesCreated []string
	// Error sets the terminal failure description.
	Error *string
}

// Empty reports whether the update would change nothing.
func (u FieldUpdates) Empty() bool {
	return u.Status == nil && !u.IncrementIteration &&
		len(u.StageOutput) == 0 && u.FilesCreated == nil && u.Error == nil
}

// BuildStore defines operations for build record management. All
// mutation is per-record and atomic; the store must be safe under
// concurrent callers (orchestrator writing status while the API
// reads).
type BuildStore interface {
	// Create persists a new build record. Returns ErrAlreadyExists on
	// a build_id collision.
	Create(ctx context.Context, record *models.BuildRecord) error
	// Get retrieves a build record by ID. Returns ErrNotFound if the
	// record does not exist.
	Get(ctx context.Context, buildID string) (*models.BuildRecord, error)
	// Update applies an atomic partial update. Returns ErrNotFound if
	// the record does not exist. An update carrying a Status is
	// rejected with ErrTerminalStatus when the stored status is
	// already terminal, so a terminal outcome can never be overwritten
	// by a racing writer.
	Update(ctx context.Context, buildID string, updates FieldUpdates) (*models.BuildRecord, error)
	// List retrieves builds, optionally filtered by status. Filtered
	// listings are ordered by created_at descending; unfiltered
	// listings are a bounded scan with no ordering guarantee.
	List(ctx context.Context, statusFilter models.BuildStatus, limit int) ([]*models.BuildRecord, error)
}

// LogStore defines operations for per-build log retention.
type LogStore interface {
	// Append records one log line for a build.
	Append(ctx context.Context, buildID, message string) error
	// List retrieves log lines for a build in append order.
	List(ctx context.Context, buildID string, limit int) ([]*models.LogEntry, error)
}

// Store bundles the sub-stores behind one handle.
type Store interface {
	// Builds returns the BuildStore for build record operations.
	Builds() BuildStore
	// Logs returns the LogStore for per-build log operations.
	Logs() LogStore
	// Close releases underlying resources.
	Close() error
}
