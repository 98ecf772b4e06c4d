package orchestrator

import (
	"fmt"

	"github.com/forgelabs/build-plane/internal/models"
)

// Event is an input to the build state machine.
type Event string

const (
	// EventAdvance moves a build to the next sequential stage.
	EventAdvance Event = "advance"
	// EventTestsPassed ends a successful build.
	EventTestsPassed Event = "tests_passed"
	// EventTestsFailed enters the self-healing loop after a failed
	// test round with iterations remaining.
	EventTestsFailed Event = "tests_failed"
	// EventFail terminates a build with a fatal failure.
	EventFail Event = "fail"
	// EventCancel terminates a build on request.
	EventCancel Event = "cancel"
)

// transitions is the explicit {state, event} -> state table. Every
// non-terminal state has a defined exit for each event it accepts;
// self_healing -> architecting is the only backward edge.
var transitions = map[models.BuildStatus]map[Event]models.BuildStatus{
	models.BuildStatusInitiated: {
		EventAdvance: models.BuildStatusScouting,
		EventFail:    models.BuildStatusFailed,
		EventCancel:  models.BuildStatusCancelled,
	},
	models.BuildStatusScouting: {
		EventAdvance: models.BuildStatusArchitecting,
		EventFail:    models.BuildStatusFailed,
		EventCancel:  models.BuildStatusCancelled,
	},
	models.BuildStatusArchitecting: {
		EventAdvance: models.BuildStatusSplitting,
		EventFail:    models.BuildStatusFailed,
		EventCancel:  models.BuildStatusCancelled,
	},
	models.BuildStatusSplitting: {
		EventAdvance: models.BuildStatusBuilding,
		EventFail:    models.BuildStatusFailed,
		EventCancel:  models.BuildStatusCancelled,
	},
	models.BuildStatusBuilding: {
		EventAdvance: models.BuildStatusTesting,
		EventFail:    models.BuildStatusFailed,
		EventCancel:  models.BuildStatusCancelled,
	},
	models.BuildStatusTesting: {
		EventTestsPassed: models.BuildStatusPassed,
		EventTestsFailed: models.BuildStatusSelfHealing,
		EventFail:        models.BuildStatusFailed,
		EventCancel:      models.BuildStatusCancelled,
	},
	models.BuildStatusSelfHealing: {
		EventAdvance: models.BuildStatusArchitecting,
		EventFail:    models.BuildStatusFailed,
		EventCancel:  models.BuildStatusCancelled,
	},
}

// Next resolves the successor state for the given state and event.
// Terminal states accept no events; undefined pairs are errors.
func Next(from models.BuildStatus, event Event) (models.BuildStatus, error) {
	byEvent, ok := transitions[from]
	if !ok {
		return "", fmt.Errorf("no transitions from terminal or unknown state %q", from)
	}
	to, ok := byEvent[event]
	if !ok {
		return "", fmt.Errorf("event %q not accepted in state %q", event, from)
	}
	return to, nil
}

// CanTransition reports whether the {from, event} pair is defined.
func CanTransition(from models.BuildStatus, event Event) bool {
	_, err := Next(from, event)
	return err == nil
}
