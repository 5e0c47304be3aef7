// Package models defines the shared data types for the ll orchestrator.
package models

import "fmt"

// Priority is the scheduling priority of an issue. Lower values win.
type Priority int

const (
	// P0 is the highest priority; P0 issues run sequentially by default.
	P0 Priority = iota
	P1
	P2
	P3
	P4
	// P5 is the lowest priority.
	P5
)

// String returns the canonical "P0".."P5" form.
func (p Priority) String() string {
	return fmt.Sprintf("P%d", int(p))
}

// Valid returns true if the priority is in the known range.
func (p Priority) Valid() bool {
	return p >= P0 && p <= P5
}

// ParsePriority parses a "P0".."P5" string (case-insensitive digit form
// like "p3" is accepted).
func ParsePriority(s string) (Priority, error) {
	if len(s) == 2 && (s[0] == 'P' || s[0] == 'p') && s[1] >= '0' && s[1] <= '5' {
		return Priority(s[1] - '0'), nil
	}
	return P5, fmt.Errorf("invalid priority %q", s)
}

// IssueType classifies the kind of work an issue represents.
type IssueType string

const (
	// TypeBug is a defect fix.
	TypeBug IssueType = "BUG"
	// TypeFeature is new functionality.
	TypeFeature IssueType = "FEAT"
	// TypeEnhancement is an improvement to existing functionality.
	TypeEnhancement IssueType = "ENH"
)

// Valid returns true if the type is a known value.
func (t IssueType) Valid() bool {
	switch t {
	case TypeBug, TypeFeature, TypeEnhancement:
		return true
	default:
		return false
	}
}

// Issue is one unit of work, backed by a Markdown file on disk.
// The orchestrator treats issues as opaque records supplied by the scanner.
type Issue struct {
	// ID is the globally unique issue identifier (e.g. "BUG-123").
	ID string `json:"id"`
	// Title is the issue's heading text.
	Title string `json:"title"`
	// Type is the kind of work (BUG, FEAT, ENH).
	Type IssueType `json:"type"`
	// Priority is the scheduling priority.
	Priority Priority `json:"priority"`
	// Category is the issues subdirectory the file lives in.
	Category string `json:"category,omitempty"`
	// Path is the absolute path to the issue file.
	Path string `json:"path"`
	// BlockedBy lists issue IDs that must complete before this one runs.
	BlockedBy []string `json:"blocked_by,omitempty"`
}
