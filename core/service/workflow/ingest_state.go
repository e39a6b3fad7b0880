// Package workflow runs the seven-node processing pipeline for one
// email per invocation.
package workflow

import (
	"strings"
	"time"

	"ingest_server/core/domain"
)

// RunOptions controls one workflow run. Force mode bypasses status
// writes, completion checks and pre-execution validation.
type RunOptions struct {
	Force    bool
	Deadline time.Duration // budget for the whole run; 0 uses the engine default
}

// NodeError is one captured per-node failure, in execution order.
type NodeError struct {
	Stage domain.Stage
	Err   error
}

// State is the shared mutable state of one run. Nodes read and write
// it in sequence; nothing reaches the database until finalize.
type State struct {
	Email    *domain.EmailMessage
	Settings *domain.UserSettings
	Options  RunOptions

	// Outputs accumulated by nodes.
	LLMContent     string
	SummaryTitle   string
	SummaryContent string
	IssueResult    *domain.IssueResult

	OldStatus  domain.EmailStatus
	NodeErrors []NodeError

	// Skipped means another worker already advanced the row; the run
	// ended at prepare without status writes or notifications.
	Skipped bool

	StartedAt time.Time
}

// Fail records a node error. Later nodes still run; finalize refuses
// to persist anything once this is non-empty.
func (s *State) Fail(stage domain.Stage, err error) {
	s.NodeErrors = append(s.NodeErrors, NodeError{Stage: stage, Err: err})
}

// Failed reports whether any node recorded an error.
func (s *State) Failed() bool {
	return len(s.NodeErrors) > 0
}

// ErrorSummary concatenates node errors into the user-visible
// error_message.
func (s *State) ErrorSummary() string {
	parts := make([]string, len(s.NodeErrors))
	for i, ne := range s.NodeErrors {
		parts[i] = string(ne.Stage) + ": " + ne.Err.Error()
	}
	return strings.Join(parts, "; ")
}

// Language returns the configured output language, if any.
func (s *State) Language() string {
	if s.Settings != nil && s.Settings.Prompt != nil {
		return s.Settings.Prompt.OutputLanguage
	}
	return ""
}

// prompt returns a named prompt from the user's prompt config with a
// fallback.
func (s *State) prompt(pick func(*domain.PromptConfig) string, fallback string) string {
	if s.Settings != nil && s.Settings.Prompt != nil {
		if p := pick(s.Settings.Prompt); p != "" {
			return p
		}
	}
	return fallback
}
