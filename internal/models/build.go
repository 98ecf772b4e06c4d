package models

import (
	"encoding/json"
	"time"
)

// BuildStatus represents the current state of a build in the pipeline.
type BuildStatus string

const (
	BuildStatusInitiated    BuildStatus = "initiated"
	BuildStatusScouting     BuildStatus = "scouting"
	BuildStatusArchitecting BuildStatus = "architecting"
	BuildStatusSplitting    BuildStatus = "splitting"
	BuildStatusBuilding     BuildStatus = "building"
	BuildStatusTesting      BuildStatus = "testing"
	BuildStatusSelfHealing  BuildStatus = "self_healing"
	BuildStatusPassed       BuildStatus = "passed"
	BuildStatusFailed       BuildStatus = "failed"
	BuildStatusCancelled    BuildStatus = "cancelled"
)

// Terminal reports whether no further automatic transition occurs
// from this status.
func (s BuildStatus) Terminal() bool {
	switch s {
	case BuildStatusPassed, BuildStatusFailed, BuildStatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is part of the status vocabulary.
func (s BuildStatus) Valid() bool {
	switch s {
	case BuildStatusInitiated, BuildStatusScouting, BuildStatusArchitecting,
		BuildStatusSplitting, BuildStatusBuilding, BuildStatusTesting,
		BuildStatusSelfHealing, BuildStatusPassed, BuildStatusFailed,
		BuildStatusCancelled:
		return true
	}
	return false
}

// BuildMode selects between generating a fresh project and amending an
// existing one.
type BuildMode string

const (
	BuildModeNewProject      BuildMode = "new_project"
	BuildModeExistingProject BuildMode = "existing_project"
)

// FailureCause tags a terminal failure with the stage or condition
// that produced it.
type FailureCause string

const (
	CauseScoutError         FailureCause = "ScoutError"
	CauseArchitectError     FailureCause = "ArchitectError"
	CauseSplitterError      FailureCause = "SplitterError"
	CauseBuilderError       FailureCause = "BuilderError"
	CauseTesterError        FailureCause = "TesterLambdaError"
	CauseDeployerError      FailureCause = "DeployerError"
	CauseMaxIterations      FailureCause = "MaxIterationsReached"
	CauseExecutionTimeout   FailureCause = "Timeout"
	CauseExecutionCancelled FailureCause = "Cancelled"
)

// BuildRecord is the durable record for one build request. The
// orchestrator is the only writer of status, iteration, and stage
// output fields while a build is running; the API writes only at
// creation and on cancellation.
type BuildRecord struct {
	BuildID          string          `json:"build_id"`
	Task             string          `json:"task"`
	Mode             BuildMode       `json:"mode"`
	Status           BuildStatus     `json:"status"`
	CurrentIteration int             `json:"current_iteration"`
	MaxIterations    int             `json:"max_iterations"`
	ScoutOutput      json.RawMessage `json:"scout_output,omitempty"`
	ArchitectOutput  json.RawMessage `json:"architect_output,omitempty"`
	BuilderOutput    json.RawMessage `json:"builder_output,omitempty"`
	TesterOutput     json.RawMessage `json:"tester_output,omitempty"`
	FilesCreated     []string        `json:"files_created,omitempty"`
	Error            string          `json:"error,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Stage identifies a specialist step in the pipeline.
type Stage string

const (
	StageScout     Stage = "scout"
	StageArchitect Stage = "architect"
	StageSplitter  Stage = "splitter"
	StageBuilder   Stage = "builder"
	StageTester    Stage = "tester"
	StageDeployer  Stage = "deployer"
)

// FileTask is one unit of the parallel build fan-out, produced by the
// Splitter from the architect's file structure. It lives only for the
// duration of a single round.
type FileTask struct {
	FilePath      string `json:"file_path"`
	Specification string `json:"specification"`
	Language      string `json:"language"`
}

// TesterVerdict is the decoded body of a tester stage result.
type TesterVerdict struct {
	TestsPassed     bool     `json:"tests_passed"`
	Iteration       int      `json:"iteration"`
	Failures        []string `json:"failures,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	RootCause       string   `json:"root_cause,omitempty"`
	Message         string   `json:"message,omitempty"`
}

// BuilderFileResult is the decoded body of a builder stage result for
// one FileTask.
type BuilderFileResult struct {
	FilePath string `json:"file_path"`
	Status   string `json:"status"`
}

// SplitterManifest is the decoded body of a splitter stage result: the
// ordered fan-out tasks for one round.
type SplitterManifest struct {
	Tasks      []FileTask `json:"tasks"`
	TotalFiles int        `json:"total_files"`
}

// LogEntry is one per-build log line retained for the logs endpoint.
type LogEntry struct {
	BuildID   string    `json:"build_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
