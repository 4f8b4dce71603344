package state

import (
	"context"
	"errors"
	"time"

	"github.com/nholik/exposure-sentinel/internal/exposure"
)

// ErrCorruptState is returned by Load when stored data cannot be decoded.
// The stored data is left in place so it is never overwritten by a fresh state.
var ErrCorruptState = errors.New("persisted state is corrupt")

// State is the full persisted record set.
type State struct {
	NextFileIndex int                            `json:"next_file_index"`
	Exposures     []exposure.Exposure            `json:"exposures"`
	TestResults   map[string]exposure.TestResult `json:"test_results"`
	LastDetection *time.Time                     `json:"last_detection,omitempty"`
	LastError     *string                        `json:"last_error,omitempty"`
	Onboarded     bool                           `json:"onboarded"`
}

// Store defines the interface for persisting state.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, state State) error
}

func (s State) normalized() State {
	if s.TestResults == nil {
		s.TestResults = map[string]exposure.TestResult{}
	}
	if s.Exposures == nil {
		s.Exposures = []exposure.Exposure{}
	}
	return s
}

// clone returns a deep copy so listeners cannot alias store internals.
func (s State) clone() State {
	out := s
	out.Exposures = append([]exposure.Exposure(nil), s.Exposures...)
	out.TestResults = make(map[string]exposure.TestResult, len(s.TestResults))
	for id, result := range s.TestResults {
		out.TestResults[id] = result
	}
	if s.LastDetection != nil {
		value := *s.LastDetection
		out.LastDetection = &value
	}
	if s.LastError != nil {
		value := *s.LastError
		out.LastError = &value
	}
	return out.normalized()
}
