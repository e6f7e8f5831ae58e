package alerting

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tannerhall/eventcore/pkg/eventcore/schema"
)

// Config configures the alerting manager.
type Config struct {
	// Rules evaluated in order against each event. Defaults to
	// DefaultRules() when empty.
	Rules []Rule

	// MaxAlerts caps total retained alerts; oldest resolved are evicted
	// first. Default: 100
	MaxAlerts int

	// AutoResolveAfter is the age past which an unresolved alert is
	// auto-resolved by the maintenance sweep. Resolved alerts are
	// pruned once older than twice this. Default: 24 hours
	AutoResolveAfter time.Duration

	// BurstWindow is the window for correlated-failure escalation.
	// Default: 10 minutes
	BurstWindow time.Duration

	// BurstThreshold is how many failure-category alerts must share a
	// correlation ID within BurstWindow before severity escalates to
	// critical. Default: 3
	BurstThreshold int

	// Notifier receives each newly created alert. Optional;
	// notification is fire-and-forget and failures are only logged.
	Notifier Notifier

	// Logger for notification failures and sweep activity. Optional.
	Logger *slog.Logger
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	MaxAlerts:        100,
	AutoResolveAfter: 24 * time.Hour,
	BurstWindow:      10 * time.Minute,
	BurstThreshold:   3,
}

// Manager evaluates events against rules and owns the alert lifecycle.
type Manager struct {
	cfg Config

	mu          sync.Mutex
	alerts      map[string]*Alert // by alert ID
	open        map[string]*Alert // open alert by throttle key
	lastTrigger map[string]time.Time

	now func() time.Time
}

// NewManager creates an alerting manager.
func NewManager(cfg Config) *Manager {
	if len(cfg.Rules) == 0 {
		cfg.Rules = DefaultRules()
	}
	if cfg.MaxAlerts <= 0 {
		cfg.MaxAlerts = DefaultConfig.MaxAlerts
	}
	if cfg.AutoResolveAfter <= 0 {
		cfg.AutoResolveAfter = DefaultConfig.AutoResolveAfter
	}
	if cfg.BurstWindow <= 0 {
		cfg.BurstWindow = DefaultConfig.BurstWindow
	}
	if cfg.BurstThreshold <= 0 {
		cfg.BurstThreshold = DefaultConfig.BurstThreshold
	}

	return &Manager{
		cfg:         cfg,
		alerts:      make(map[string]*Alert),
		open:        make(map[string]*Alert),
		lastTrigger: make(map[string]time.Time),
		now:         time.Now,
	}
}

// ProcessEvent evaluates the event against every enabled rule in order.
// The first match triggers alerting and returns the resulting alert
// (new or updated); at most one alert is touched per call. Returns nil
// when no rule matches.
func (m *Manager) ProcessEvent(env schema.Envelope) *Alert {
	for i := range m.cfg.Rules {
		rule := &m.cfg.Rules[i]
		if !rule.Enabled || rule.Condition == nil || !rule.Condition(env) {
			continue
		}
		return m.trigger(rule, env)
	}
	return nil
}

// trigger creates or updates the alert for (rule, correlation) under
// the rule's throttle window.
func (m *Manager) trigger(rule *Rule, env schema.Envelope) *Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	scope := env.CorrelationID
	if scope == "" {
		scope = "global"
	}
	key := rule.ID + "|" + scope

	// Within the throttle window an existing open alert absorbs the
	// occurrence instead of creating a duplicate.
	if last, ok := m.lastTrigger[key]; ok && now.Sub(last) <= rule.Throttle {
		if alert, ok := m.open[key]; ok && !alert.Resolved {
			alert.OccurrenceCount++
			alert.LastOccurrence = now
			m.lastTrigger[key] = now
			m.escalateLocked(alert, now)
			return alert
		}
	}

	message := rule.ID
	if rule.Describe != nil {
		message = rule.Describe(env)
	}

	alert := &Alert{
		ID:              uuid.New().String(),
		RuleID:          rule.ID,
		Category:        rule.Category,
		Severity:        rule.Severity,
		Message:         message,
		CorrelationID:   env.CorrelationID,
		OccurrenceCount: 1,
		FirstOccurrence: now,
		LastOccurrence:  now,
		Details: map[string]any{
			"event_type": env.EventType,
			"event_id":   env.EventID,
		},
	}

	m.alerts[alert.ID] = alert
	m.open[key] = alert
	m.lastTrigger[key] = now
	m.escalateLocked(alert, now)
	m.notifyLocked(alert)
	return alert
}

// escalateLocked raises a failure alert to critical when enough
// failure-category alerts share its correlation ID within the burst
// window. Caller holds the lock.
func (m *Manager) escalateLocked(alert *Alert, now time.Time) {
	if alert.Category != "failure" || alert.CorrelationID == "" {
		return
	}

	count := 0
	cutoff := now.Add(-m.cfg.BurstWindow)
	for _, a := range m.alerts {
		if a.Category == "failure" && a.CorrelationID == alert.CorrelationID &&
			a.LastOccurrence.After(cutoff) {
			count += a.OccurrenceCount
		}
	}

	if count >= m.cfg.BurstThreshold && alert.Severity.rank() < SeverityCritical.rank() {
		alert.Severity = SeverityCritical
		if alert.Details == nil {
			alert.Details = make(map[string]any)
		}
		alert.Details["escalated"] = true
		alert.Details["correlated_failures"] = count
	}
}

// notifyLocked dispatches the webhook notification for a new alert.
// Fire-and-forget: runs in its own goroutine, errors are only logged.
func (m *Manager) notifyLocked(alert *Alert) {
	if m.cfg.Notifier == nil {
		return
	}
	cp := *alert
	go func() {
		if err := m.cfg.Notifier.Notify(cp); err != nil && m.cfg.Logger != nil {
			m.cfg.Logger.Warn("alert notification failed",
				slog.String("alert_id", cp.ID),
				slog.String("rule_id", cp.RuleID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Resolve manually resolves an alert by ID. Returns false when unknown.
func (m *Manager) Resolve(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	alert, ok := m.alerts[id]
	if !ok || alert.Resolved {
		return ok && alert.Resolved
	}
	now := m.now()
	alert.Resolved = true
	alert.ResolvedAt = &now
	return true
}

// ActiveAlerts returns unresolved alerts, newest first.
func (m *Manager) ActiveAlerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Alert, 0)
	for _, a := range m.alerts {
		if !a.Resolved {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastOccurrence.After(out[j].LastOccurrence)
	})
	return out
}

// ActiveCount returns the number of unresolved alerts.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, a := range m.alerts {
		if !a.Resolved {
			n++
		}
	}
	return n
}

// Get returns a copy of the alert with the given ID.
func (m *Manager) Get(id string) (Alert, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[id]
	if !ok {
		return Alert{}, false
	}
	return *a, true
}

// Maintain runs one lifecycle sweep: auto-resolve stale alerts, prune
// long-resolved ones, and enforce the alert cap. Called periodically.
func (m *Manager) Maintain() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	for _, a := range m.alerts {
		if !a.Resolved && now.Sub(a.LastOccurrence) > m.cfg.AutoResolveAfter {
			a.Resolved = true
			resolvedAt := now
			a.ResolvedAt = &resolvedAt
		}
	}

	pruneCutoff := 2 * m.cfg.AutoResolveAfter
	for id, a := range m.alerts {
		if a.Resolved && a.ResolvedAt != nil && now.Sub(*a.ResolvedAt) > pruneCutoff {
			m.removeLocked(id)
		}
	}

	// Hard cap: evict oldest resolved first.
	if len(m.alerts) > m.cfg.MaxAlerts {
		resolved := make([]*Alert, 0)
		for _, a := range m.alerts {
			if a.Resolved {
				resolved = append(resolved, a)
			}
		}
		sort.Slice(resolved, func(i, j int) bool {
			return resolved[i].LastOccurrence.Before(resolved[j].LastOccurrence)
		})
		for _, a := range resolved {
			if len(m.alerts) <= m.cfg.MaxAlerts {
				break
			}
			m.removeLocked(a.ID)
		}
	}
}

// removeLocked deletes an alert and its throttle bookkeeping.
// Caller holds the lock.
func (m *Manager) removeLocked(id string) {
	a, ok := m.alerts[id]
	if !ok {
		return
	}
	delete(m.alerts, id)

	scope := a.CorrelationID
	if scope == "" {
		scope = "global"
	}
	key := a.RuleID + "|" + scope
	if m.open[key] == a {
		delete(m.open, key)
		delete(m.lastTrigger, key)
	}
}

// SetClock replaces the manager's time source. Tests only.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}
