// Package completion classifies how an agent run ended.
package completion

import (
	"strings"
	"time"
)

// Type is the outcome category of a finished run.
type Type int

const (
	// Success means the agent process exited with code 0.
	Success Type = iota
	// Failed is a nonzero exit with no recognised signature.
	Failed
	// NetworkError is a nonzero exit whose output points at connectivity trouble.
	NetworkError
	// PermissionBlocked is a nonzero exit caused by a denied tool or approval gate.
	PermissionBlocked
)

func (t Type) String() string {
	switch t {
	case Success:
		return "success"
	case Failed:
		return "failed"
	case NetworkError:
		return "network_error"
	case PermissionBlocked:
		return "permission_blocked"
	default:
		return "unknown"
	}
}

// Retryable reports whether the outcome consumes the task's retry budget.
func (t Type) Retryable() bool {
	return t == Failed || t == NetworkError
}

// Backoff reports whether the outcome contributes to agent backoff.
func (t Type) Backoff() bool {
	return t == Failed || t == NetworkError
}

// Result is produced once per finished run.
type Result struct {
	TaskID     string
	RunID      string
	Agent      string
	PID        int
	ExitCode   int
	Type       Type
	SessionID  string
	Cost       float64
	Output     string
	OutputPath string
	StartedAt  time.Time
	Duration   time.Duration
}

// Classifier maps an exit code and captured output to a Type.
type Classifier interface {
	Classify(exitCode int, output string) Type
}

// DefaultNetworkPatterns are matched before permission patterns.
var DefaultNetworkPatterns = []string{
	"connection refused",
	"connection reset",
	"timed out",
	"timeout",
	"could not resolve host",
	"no such host",
	"getaddrinfo",
	"name or service not known",
	"temporary failure in name resolution",
	"network is unreachable",
	"host is unreachable",
	"econnrefused",
	"econnreset",
	"etimedout",
	"enotfound",
	"socket hang up",
}

// DefaultPermissionPatterns is deliberately narrow: a generic "permission denied"
// from a failing shell command is an ordinary failure.
var DefaultPermissionPatterns = []string{
	"permission to use",
	"requires approval",
	"was blocked",
	"not allowed to run",
	"tool use was denied",
	"permission denied by policy",
	"user denied",
}

// PatternClassifier matches case-insensitive substrings in order.
type PatternClassifier struct {
	network    []string
	permission []string
}

// NewPatternClassifier creates a classifier from the given pattern lists.
func NewPatternClassifier(network, permission []string) *PatternClassifier {
	return &PatternClassifier{
		network:    lower(network),
		permission: lower(permission),
	}
}

// NewDefaultClassifier uses DefaultNetworkPatterns and DefaultPermissionPatterns.
func NewDefaultClassifier() *PatternClassifier {
	return NewPatternClassifier(DefaultNetworkPatterns, DefaultPermissionPatterns)
}

// Classify implements Classifier.
func (c *PatternClassifier) Classify(exitCode int, output string) Type {
	if exitCode == 0 {
		return Success
	}

	text := strings.ToLower(output)
	if containsAny(text, c.network) {
		return NetworkError
	}
	if containsAny(text, c.permission) {
		return PermissionBlocked
	}
	return Failed
}

func containsAny(text string, patterns []string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(text, p) {
			return true
		}
	}
	return false
}

func lower(patterns []string) []string {
	out := make([]string, len(patterns))
	for i, p := range patterns {
		out[i] = strings.ToLower(p)
	}
	return out
}
