package alerting_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tannerhall/eventcore/pkg/eventcore/alerting"
	"github.com/tannerhall/eventcore/pkg/eventcore/schema"
)

func newTestManager(t *testing.T, cfg alerting.Config) (*alerting.Manager, *time.Time) {
	t.Helper()
	m := alerting.NewManager(cfg)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })
	return m, &now
}

func callFailedEvent(correlationID string) schema.Envelope {
	return schema.New(alerting.EventCallFailed, map[string]any{
		"operation":      "workflow_sync",
		"error":          "HTTP 500: internal error",
		"error_category": "transient",
	}, schema.WithCorrelationID(correlationID))
}

func TestProcessEventMatchesRule(t *testing.T) {
	m, _ := newTestManager(t, alerting.Config{})

	alert := m.ProcessEvent(callFailedEvent("c1"))
	require.NotNil(t, alert)
	assert.Equal(t, "outbound_call_failure", alert.RuleID)
	assert.Equal(t, alerting.SeverityError, alert.Severity)
	assert.Equal(t, 1, alert.OccurrenceCount)
	assert.Equal(t, "c1", alert.CorrelationID)
	assert.Equal(t, 1, m.ActiveCount())
}

func TestProcessEventNoMatch(t *testing.T) {
	m, _ := newTestManager(t, alerting.Config{})

	env := schema.New("orchestration.workflow_started@1", nil)
	assert.Nil(t, m.ProcessEvent(env))
	assert.Equal(t, 0, m.ActiveCount())
}

func TestFirstMatchingRuleWins(t *testing.T) {
	m, _ := newTestManager(t, alerting.Config{})

	// A call failure with a 401 matches the authentication rule,
	// which is ordered before the generic outbound failure rule.
	env := schema.New(alerting.EventCallFailed, map[string]any{
		"operation":   "workflow_sync",
		"status_code": 401,
	})

	alert := m.ProcessEvent(env)
	require.NotNil(t, alert)
	assert.Equal(t, "authentication_failure", alert.RuleID)
	assert.Equal(t, alerting.SeverityCritical, alert.Severity)
}

func TestThrottleDeduplicates(t *testing.T) {
	m, now := newTestManager(t, alerting.Config{})

	first := m.ProcessEvent(callFailedEvent("c1"))
	require.NotNil(t, first)

	*now = now.Add(time.Minute) // inside the 5m throttle
	second := m.ProcessEvent(callFailedEvent("c1"))
	require.NotNil(t, second)

	assert.Equal(t, first.ID, second.ID, "throttled event must update the same alert")
	assert.Equal(t, 2, second.OccurrenceCount)
	assert.Equal(t, 1, m.ActiveCount())
}

func TestThrottleExpiryCreatesNewAlert(t *testing.T) {
	m, now := newTestManager(t, alerting.Config{})

	first := m.ProcessEvent(callFailedEvent("c1"))
	require.NotNil(t, first)

	*now = now.Add(6 * time.Minute) // beyond the 5m throttle
	second := m.ProcessEvent(callFailedEvent("c1"))
	require.NotNil(t, second)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 1, second.OccurrenceCount)
	assert.Equal(t, 2, m.ActiveCount())
}

func TestDifferentCorrelationsNotThrottledTogether(t *testing.T) {
	m, _ := newTestManager(t, alerting.Config{})

	a := m.ProcessEvent(callFailedEvent("c1"))
	b := m.ProcessEvent(callFailedEvent("c2"))
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestBurstEscalatesToCritical(t *testing.T) {
	m, now := newTestManager(t, alerting.Config{BurstThreshold: 3, BurstWindow: 10 * time.Minute})

	m.ProcessEvent(callFailedEvent("c1"))
	*now = now.Add(time.Minute)
	m.ProcessEvent(callFailedEvent("c1"))
	*now = now.Add(time.Minute)
	alert := m.ProcessEvent(callFailedEvent("c1"))

	require.NotNil(t, alert)
	assert.Equal(t, alerting.SeverityCritical, alert.Severity, "3 correlated failures within the window escalate")
	assert.Equal(t, true, alert.Details["escalated"])
}

func TestBurstOutsideWindowDoesNotEscalate(t *testing.T) {
	m, now := newTestManager(t, alerting.Config{BurstThreshold: 3, BurstWindow: 10 * time.Minute})

	m.ProcessEvent(callFailedEvent("c1"))
	*now = now.Add(11 * time.Minute)
	m.ProcessEvent(callFailedEvent("c1"))
	*now = now.Add(11 * time.Minute)
	alert := m.ProcessEvent(callFailedEvent("c1"))

	require.NotNil(t, alert)
	assert.Equal(t, alerting.SeverityError, alert.Severity)
}

func TestResolve(t *testing.T) {
	m, _ := newTestManager(t, alerting.Config{})

	alert := m.ProcessEvent(callFailedEvent("c1"))
	require.NotNil(t, alert)

	assert.True(t, m.Resolve(alert.ID))
	assert.Equal(t, 0, m.ActiveCount())

	got, ok := m.Get(alert.ID)
	require.True(t, ok)
	assert.True(t, got.Resolved)
	assert.NotNil(t, got.ResolvedAt)
}

func TestMaintainAutoResolvesAndPrunes(t *testing.T) {
	m, now := newTestManager(t, alerting.Config{AutoResolveAfter: time.Hour})

	alert := m.ProcessEvent(callFailedEvent("c1"))
	require.NotNil(t, alert)

	// Past the auto-resolve age: sweep resolves it.
	*now = now.Add(2 * time.Hour)
	m.Maintain()
	got, ok := m.Get(alert.ID)
	require.True(t, ok)
	assert.True(t, got.Resolved)

	// Past twice the age since resolution: sweep prunes it.
	*now = now.Add(3 * time.Hour)
	m.Maintain()
	_, ok = m.Get(alert.ID)
	assert.False(t, ok, "resolved alert should be pruned")
}

func TestMaintainEnforcesCap(t *testing.T) {
	m, now := newTestManager(t, alerting.Config{MaxAlerts: 2})

	var resolved *alerting.Alert
	for i, corr := range []string{"c1", "c2", "c3"} {
		a := m.ProcessEvent(callFailedEvent(corr))
		require.NotNil(t, a)
		if i == 0 {
			resolved = a
		}
		*now = now.Add(time.Second)
	}
	require.True(t, m.Resolve(resolved.ID))

	m.Maintain()

	_, ok := m.Get(resolved.ID)
	assert.False(t, ok, "oldest resolved alert evicted first")
	assert.Equal(t, 2, m.ActiveCount())
}

func TestNotifierReceivesNewAlerts(t *testing.T) {
	received := make(chan alerting.Alert, 1)
	m, _ := newTestManager(t, alerting.Config{
		Notifier: alerting.NotifierFunc(func(a alerting.Alert) error {
			received <- a
			return nil
		}),
	})

	m.ProcessEvent(callFailedEvent("c1"))

	select {
	case a := <-received:
		assert.Equal(t, "outbound_call_failure", a.RuleID)
	case <-time.After(time.Second):
		t.Fatal("notifier was not invoked")
	}
}

func TestWebhookNotifierPayload(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := alerting.NewWebhookNotifier(srv.URL, "eventcore", "test")
	err := n.Notify(alerting.Alert{
		ID:             "a1",
		RuleID:         "timeout",
		Category:       "failure",
		Severity:       alerting.SeverityError,
		Message:        "timeout during sync",
		CorrelationID:  "c1",
		LastOccurrence: time.Now(),
	})
	require.NoError(t, err)

	alert, ok := body["alert"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "a1", alert["id"])
	assert.Equal(t, "timeout during sync", alert["message"])
	assert.Equal(t, "c1", alert["correlationId"])
	assert.Equal(t, "eventcore", body["system"])
	assert.Equal(t, "test", body["environment"])
}

func TestWebhookNotifierErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := alerting.NewWebhookNotifier(srv.URL, "eventcore", "test")
	err := n.Notify(alerting.Alert{ID: "a1", LastOccurrence: time.Now()})
	assert.Error(t, err)
}
