package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BradenHooton/revguard/internal/auth"
	"github.com/BradenHooton/revguard/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEventLog(config EventLogConfig) (*SecurityEventLog, *auth.FakeClock, *MockSecurityEventRepository) {
	clock := auth.NewFakeClock(testEpoch)
	repo := &MockSecurityEventRepository{}
	log := NewSecurityEventLog(config, clock, auth.NewSeededRandom(5), repo, inlinePersister{}, newTestLogger())
	return log, clock, repo
}

// ============================================================================
// Recording Tests
// ============================================================================

func TestSecurityEventLog_RecordEventPersists(t *testing.T) {
	log, _, repo := newTestEventLog(EventLogConfig{})

	log.RecordEvent(models.EventLogin, "user-1", "alice@example.com", models.EventMetadata{"ip": "10.0.0.1"})

	events := log.Events(models.SecurityEventFilter{})
	require.Len(t, events, 1)
	assert.NotEmpty(t, events[0].ID)
	assert.Equal(t, testEpoch, events[0].Timestamp)
	assert.Equal(t, "10.0.0.1", events[0].Metadata["ip"])

	require.Len(t, repo.Events, 1)
	assert.Equal(t, events[0].ID, repo.Events[0].ID)
}

func TestSecurityEventLog_EventsReturnsCopies(t *testing.T) {
	log, _, _ := newTestEventLog(EventLogConfig{})
	log.RecordEvent(models.EventLogin, "user-1", "", models.EventMetadata{"ip": "10.0.0.1"})

	first := log.Events(models.SecurityEventFilter{})
	first[0].Metadata["ip"] = "tampered"
	first[0].Kind = "tampered"

	second := log.Events(models.SecurityEventFilter{})
	assert.Equal(t, "10.0.0.1", second[0].Metadata["ip"])
	assert.Equal(t, models.EventLogin, second[0].Kind)
}

func TestSecurityEventLog_CapsPartitionsIndependently(t *testing.T) {
	log, clock, _ := newTestEventLog(EventLogConfig{MaxEntries: 3})

	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		log.RecordEvent(models.EventFailedLogin, fmt.Sprintf("user-%d", i), "", nil)
	}
	log.RecordThreat(models.ThreatCSRF, models.SeverityHigh, "forged", "")

	events := log.Events(models.SecurityEventFilter{})
	require.Len(t, events, 3)
	assert.Equal(t, "user-2", events[0].SubjectID)
	assert.Equal(t, "user-4", events[2].SubjectID)
	assert.Len(t, log.Threats(models.SeverityLow), 1)
}

// ============================================================================
// Query Tests
// ============================================================================

func TestSecurityEventLog_EventsFilter(t *testing.T) {
	log, clock, _ := newTestEventLog(EventLogConfig{})

	log.RecordEvent(models.EventLogin, "user-1", "", nil)
	clock.Advance(time.Minute)
	log.RecordEvent(models.EventFailedLogin, "user-2", "", nil)
	clock.Advance(time.Minute)
	log.RecordEvent(models.EventFailedLogin, "user-1", "", nil)
	clock.Advance(time.Minute)
	log.RecordEvent(models.EventLogout, "user-1", "", nil)

	tests := []struct {
		name     string
		filter   models.SecurityEventFilter
		expected []string
	}{
		{"all", models.SecurityEventFilter{}, []string{models.EventLogin, models.EventFailedLogin, models.EventFailedLogin, models.EventLogout}},
		{"by kind", models.SecurityEventFilter{Kind: models.EventFailedLogin}, []string{models.EventFailedLogin, models.EventFailedLogin}},
		{"by subject", models.SecurityEventFilter{SubjectID: "user-2"}, []string{models.EventFailedLogin}},
		{"since", models.SecurityEventFilter{Since: testEpoch.Add(2 * time.Minute)}, []string{models.EventFailedLogin, models.EventLogout}},
		{"limit keeps newest", models.SecurityEventFilter{SubjectID: "user-1", Limit: 2}, []string{models.EventFailedLogin, models.EventLogout}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := log.Events(tt.filter)
			kinds := make([]string, 0, len(events))
			for _, e := range events {
				kinds = append(kinds, e.Kind)
			}
			assert.Equal(t, tt.expected, kinds)
		})
	}
}

func TestSecurityEventLog_ThreatsMinSeverity(t *testing.T) {
	log, _, repo := newTestEventLog(EventLogConfig{})

	log.RecordThreat(models.ThreatRateLimit, models.SeverityMedium, "lockout", "")
	log.RecordThreat(models.ThreatXSS, models.SeverityHigh, "script tag", "<script>")
	log.RecordThreat(models.ThreatSQLInjection, models.SeverityCritical, "tautology", "' or 1=1")

	assert.Len(t, log.Threats(models.SeverityLow), 3)
	assert.Len(t, log.Threats(models.SeverityHigh), 2)

	critical := log.Threats(models.SeverityCritical)
	require.Len(t, critical, 1)
	assert.Equal(t, models.ThreatSQLInjection, critical[0].Kind)

	assert.Len(t, repo.Threats, 3)
}

// ============================================================================
// Prune Tests
// ============================================================================

func TestSecurityEventLog_PruneByAge(t *testing.T) {
	log, clock, repo := newTestEventLog(EventLogConfig{MaxAge: time.Hour})

	log.RecordEvent(models.EventLogin, "old", "", nil)
	log.RecordThreat(models.ThreatCSRF, models.SeverityHigh, "old", "")
	clock.Advance(45 * time.Minute)
	log.RecordEvent(models.EventLogin, "new", "", nil)
	clock.Advance(30 * time.Minute)

	removed, err := log.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	events := log.Events(models.SecurityEventFilter{})
	require.Len(t, events, 1)
	assert.Equal(t, "new", events[0].SubjectID)
	assert.Empty(t, log.Threats(models.SeverityLow))

	require.Len(t, repo.Cutoffs, 1)
	assert.Equal(t, clock.Now().Add(-time.Hour), repo.Cutoffs[0])
}

func TestSecurityEventLog_WithoutRepository(t *testing.T) {
	clock := auth.NewFakeClock(testEpoch)
	log := NewSecurityEventLog(EventLogConfig{}, clock, auth.NewSeededRandom(1), nil, nil, newTestLogger())

	log.RecordEvent(models.EventLogin, "user-1", "", nil)
	clock.Advance(48 * time.Hour)

	removed, err := log.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestSecurityEventLog_RestoreLoadsRecentEntries(t *testing.T) {
	log, clock, repo := newTestEventLog(EventLogConfig{MaxAge: time.Hour})

	log.RecordEvent(models.EventLogin, "stale", "", nil)
	clock.Advance(90 * time.Minute)
	log.RecordEvent(models.EventLogin, "recent", "", nil)
	log.RecordThreat(models.ThreatXSS, models.SeverityHigh, "script tag", "")

	restarted := NewSecurityEventLog(EventLogConfig{MaxAge: time.Hour}, clock, nil, repo, inlinePersister{}, newTestLogger())
	require.NoError(t, restarted.Restore(context.Background()))

	events := restarted.Events(models.SecurityEventFilter{})
	require.Len(t, events, 1)
	assert.Equal(t, "recent", events[0].SubjectID)
	assert.Len(t, restarted.Threats(models.SeverityLow), 1)
}

// tickingClock moves forward one millisecond on every read
type tickingClock struct {
	ticks atomic.Int64
}

func (c *tickingClock) Now() time.Time {
	return testEpoch.Add(time.Duration(c.ticks.Add(1)) * time.Millisecond)
}

func TestSecurityEventLog_ConcurrentRecordsStayOrdered(t *testing.T) {
	log := NewSecurityEventLog(EventLogConfig{}, &tickingClock{}, auth.NewSeededRandom(9), nil, nil, newTestLogger())

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				log.RecordEvent(models.EventFailedLogin, "", "alice@example.com", nil)
				log.RecordThreat(models.ThreatXSS, models.SeverityLow, "pattern match", "")
			}
		}()
	}
	wg.Wait()

	events := log.Events(models.SecurityEventFilter{})
	require.Len(t, events, 400)
	for i := 1; i < len(events); i++ {
		assert.False(t, events[i].Timestamp.Before(events[i-1].Timestamp), "event %d out of order", i)
	}

	threats := log.Threats(models.SeverityLow)
	require.Len(t, threats, 400)
	for i := 1; i < len(threats); i++ {
		assert.False(t, threats[i].Timestamp.Before(threats[i-1].Timestamp), "threat %d out of order", i)
	}
}
