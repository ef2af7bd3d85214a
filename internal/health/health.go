// Package health tracks per-agent failure history and derives backoff windows
// and health status from it.
package health

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// FailureKind distinguishes failures that penalise scheduling from those that don't.
type FailureKind int

const (
	FailureCrash FailureKind = iota
	FailureNetwork
	FailurePermission
)

func (k FailureKind) String() string {
	switch k {
	case FailureCrash:
		return "crash"
	case FailureNetwork:
		return "network"
	case FailurePermission:
		return "permission"
	default:
		return "unknown"
	}
}

// Status is the coarse health classification of an agent.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusWarning   Status = "warning"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Policy holds the backoff curve and status thresholds.
type Policy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64

	// Consecutive failure counts at which status escalates.
	WarningAt   int
	DegradedAt  int
	UnhealthyAt int
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		InitialBackoff: 30 * time.Second,
		MaxBackoff:     15 * time.Minute,
		Multiplier:     2,
		WarningAt:      2,
		DegradedAt:     4,
		UnhealthyAt:    6,
	}
}

// ErrThresholds is wrapped by Validate when the status thresholds are out of order.
var ErrThresholds = errors.New("health thresholds must satisfy 1 <= warning < degraded < unhealthy")

// Validate checks that the backoff curve is sane and the thresholds are ordered.
func (p Policy) Validate() error {
	if p.InitialBackoff <= 0 {
		return fmt.Errorf("initial backoff must be positive, got %v", p.InitialBackoff)
	}
	if p.MaxBackoff < p.InitialBackoff {
		return fmt.Errorf("max backoff %v is below initial backoff %v", p.MaxBackoff, p.InitialBackoff)
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("backoff multiplier must be >= 1, got %v", p.Multiplier)
	}
	if p.WarningAt < 1 || p.WarningAt >= p.DegradedAt || p.DegradedAt >= p.UnhealthyAt {
		return fmt.Errorf("%w, got %d/%d/%d", ErrThresholds, p.WarningAt, p.DegradedAt, p.UnhealthyAt)
	}
	return nil
}

// AgentHealth is the mutable record kept per agent.
type AgentHealth struct {
	ConsecutiveFailures int
	LastSuccessAt       time.Time
	LastFailureAt       time.Time
	TotalRuns           int
	TotalSuccesses      int
	PermissionBlocks    int
}

// Report is a derived view of an agent's health.
type Report struct {
	Agent               string
	Status              Status
	ConsecutiveFailures int
	BackoffSeconds      int
	SuccessRate         float64
	HasSuccessRate      bool
	TotalRuns           int
	PermissionBlocks    int
}

// Tracker records outcomes per agent. It has no locking: only the
// orchestrator loop may call it.
type Tracker struct {
	policy Policy
	agents map[string]*AgentHealth
	now    func() time.Time
}

// NewTracker creates a tracker with the given policy.
func NewTracker(policy Policy) *Tracker {
	return &Tracker{
		policy: policy,
		agents: make(map[string]*AgentHealth),
		now:    time.Now,
	}
}

// SetClock replaces the time source.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

func (t *Tracker) get(agent string) *AgentHealth {
	h, ok := t.agents[agent]
	if !ok {
		h = &AgentHealth{}
		t.agents[agent] = h
	}
	return h
}

// RecordSuccess resets the failure streak for agent.
func (t *Tracker) RecordSuccess(agent string) {
	h := t.get(agent)
	h.ConsecutiveFailures = 0
	h.LastSuccessAt = t.now()
	h.TotalRuns++
	h.TotalSuccesses++
}

// RecordFailure records a failed run. Permission failures are counted but
// never extend the failure streak, so they neither back off the agent nor
// move it towards unhealthy.
func (t *Tracker) RecordFailure(agent string, kind FailureKind) {
	h := t.get(agent)
	h.TotalRuns++
	h.LastFailureAt = t.now()
	if kind == FailurePermission {
		h.PermissionBlocks++
		return
	}
	h.ConsecutiveFailures++
}

// Window returns the full backoff window for a failure streak of n.
func (t *Tracker) Window(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.policy.InitialBackoff
	b.MaxInterval = t.policy.MaxBackoff
	b.Multiplier = t.policy.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	var window time.Duration
	for i := 0; i < n; i++ {
		window = b.NextBackOff()
		if window >= t.policy.MaxBackoff {
			return t.policy.MaxBackoff
		}
	}
	return window
}

// BackoffSeconds returns the seconds remaining in the agent's backoff window,
// rounded up, or 0 when the agent may run.
func (t *Tracker) BackoffSeconds(agent string) int {
	h, ok := t.agents[agent]
	if !ok || h.ConsecutiveFailures == 0 {
		return 0
	}
	remaining := t.Window(h.ConsecutiveFailures) - t.now().Sub(h.LastFailureAt)
	if remaining <= 0 {
		return 0
	}
	return int(math.Ceil(remaining.Seconds()))
}

// IsAvailable reports whether the agent is outside its backoff window.
func (t *Tracker) IsAvailable(agent string) bool {
	return t.BackoffSeconds(agent) == 0
}

// Status returns the health report for agent. Unknown agents are healthy.
func (t *Tracker) Status(agent string) Report {
	r := Report{Agent: agent, Status: StatusHealthy}
	h, ok := t.agents[agent]
	if !ok {
		return r
	}

	r.ConsecutiveFailures = h.ConsecutiveFailures
	r.BackoffSeconds = t.BackoffSeconds(agent)
	r.TotalRuns = h.TotalRuns
	r.PermissionBlocks = h.PermissionBlocks
	if h.TotalRuns > 0 {
		r.SuccessRate = float64(h.TotalSuccesses) / float64(h.TotalRuns)
		r.HasSuccessRate = true
	}

	switch n := h.ConsecutiveFailures; {
	case n >= t.policy.UnhealthyAt:
		r.Status = StatusUnhealthy
	case n >= t.policy.DegradedAt:
		r.Status = StatusDegraded
	case n >= t.policy.WarningAt:
		r.Status = StatusWarning
	}
	return r
}

// Snapshot returns reports for every observed agent, sorted by name.
func (t *Tracker) Snapshot() []Report {
	names := make([]string, 0, len(t.agents))
	for name := range t.agents {
		names = append(names, name)
	}
	sort.Strings(names)

	reports := make([]Report, 0, len(names))
	for _, name := range names {
		reports = append(reports, t.Status(name))
	}
	return reports
}
