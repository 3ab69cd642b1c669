package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/proctor-alerts/internal/identity"
	"github.com/t77yq/proctor-alerts/internal/model"
	"github.com/t77yq/proctor-alerts/internal/storage"
)

type failingAlertStore struct {
	storage.AlertStore
	err error
}

func (s *failingAlertStore) Append(ctx context.Context, alert *model.Alert) error {
	return s.err
}

type failingSessionStore struct {
	storage.SessionStore
	err error
}

func (s *failingSessionStore) Upsert(ctx context.Context, obs model.Observation) error {
	return s.err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*model.AlertEvent
	err    error
}

func (p *recordingPublisher) PublishAlert(ctx context.Context, event *model.AlertEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

type recordingRecorder struct {
	mu       sync.Mutex
	outcomes map[string]int
	alerts   map[model.Severity]int
}

func newRecordingRecorder() *recordingRecorder {
	return &recordingRecorder{
		outcomes: make(map[string]int),
		alerts:   make(map[model.Severity]int),
	}
}

func (r *recordingRecorder) RecordOutcome(stage string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[stage]++
}

func (r *recordingRecorder) RecordAlert(sev model.Severity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts[sev]++
}

func (r *recordingRecorder) RecordLatency(d time.Duration) {}

// stepClock returns a clock that advances by one millisecond per call
func stepClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	current := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now := current
		current = current.Add(time.Millisecond)
		return now
	}
}

func newSQLiteStores(t *testing.T) (storage.AlertStore, storage.SessionStore) {
	t.Helper()

	logger := zap.NewNop()
	db, err := storage.OpenSQLite(logger, filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return storage.NewSQLiteAlertStore(logger, db), storage.NewSQLiteSessionStore(logger, db)
}

func TestService_SubmitCritical(t *testing.T) {
	ctx := context.Background()
	alerts, sessions := newSQLiteStores(t)
	publisher := &recordingPublisher{}
	recorder := newRecordingRecorder()
	now := time.Date(2024, 5, 10, 9, 30, 0, 0, time.UTC)

	svc := NewService(zap.NewNop(), alerts, sessions,
		WithPublisher(publisher),
		WithRecorder(recorder),
		WithClock(func() time.Time { return now }))

	result, err := svc.Submit(ctx, []byte(`{"message":"face not detected","confidence":0.85}`), "1.2.3.4", "UA1")
	require.NoError(t, err)

	assert.Equal(t, "processed", result.Status)
	assert.Equal(t, model.SeverityCritical, result.Severity)
	assert.Len(t, result.Recommendations, 3)
	assert.Equal(t, identity.Resolve("1.2.3.4", "UA1", now), result.SessionID)
	assert.NotEmpty(t, result.AlertID)

	agg, err := sessions.Get(ctx, result.SessionID)
	require.NoError(t, err)
	require.NotNil(t, agg)
	assert.Equal(t, int64(1), agg.TotalAlerts)
	assert.Equal(t, 0.85, agg.MaxConfidence)
	assert.True(t, agg.StartTime.Equal(now))

	history, err := alerts.ListBySession(ctx, result.SessionID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "face not detected", history[0].Type)

	require.Len(t, publisher.events, 1)
	assert.Equal(t, model.SeverityCritical, publisher.events[0].Severity)
	assert.Equal(t, 1, recorder.outcomes[string(StageAcknowledged)])
	assert.Equal(t, 1, recorder.alerts[model.SeverityCritical])
}

func TestService_RejectsInvalidPayloads(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"missing message and confidence", `{}`},
		{"missing confidence", `{"message":"face not detected"}`},
		{"missing message", `{"confidence":0.5}`},
		{"blank message", `{"message":"   ","confidence":0.5}`},
		{"null confidence", `{"message":"x","confidence":null}`},
		{"confidence above one", `{"message":"x","confidence":1.5}`},
		{"negative confidence", `{"message":"x","confidence":-0.1}`},
		{"non numeric confidence", `{"message":"x","confidence":"high"}`},
		{"boolean confidence", `{"message":"x","confidence":true}`},
		{"evidence not a list", `{"message":"x","confidence":0.5,"evidence":"nope"}`},
		{"not an object", `[1,2,3]`},
		{"malformed json", `{"message":`},
		{"empty body", ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			alerts := storage.NewMemoryAlertStore()
			sessions := storage.NewMemorySessionStore()
			recorder := newRecordingRecorder()
			svc := NewService(zap.NewNop(), alerts, sessions, WithRecorder(recorder))

			_, err := svc.Submit(ctx, []byte(tt.payload), "1.2.3.4", "UA1")
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidInput))
			assert.False(t, IsRetryable(err))

			recent, err := alerts.Recent(ctx, 10)
			require.NoError(t, err)
			assert.Empty(t, recent)

			totals, err := sessions.GlobalTotals(ctx)
			require.NoError(t, err)
			assert.Zero(t, totals.SessionCount)
			assert.Equal(t, 1, recorder.outcomes[string(StageRejected)])
		})
	}
}

func TestService_CoercesConfidence(t *testing.T) {
	ctx := context.Background()
	svc := NewService(zap.NewNop(), storage.NewMemoryAlertStore(), storage.NewMemorySessionStore())

	result, err := svc.Submit(ctx, []byte(`{"message":"tab switch","confidence":" 0.65 ","evidence":[{"a":1},2,"x"]}`), "1.2.3.4", "UA1")
	require.NoError(t, err)
	assert.Equal(t, model.SeverityHigh, result.Severity)

	for _, boundary := range []string{"0", "1"} {
		_, err := svc.Submit(ctx, []byte(`{"message":"edge","confidence":`+boundary+`}`), "1.2.3.4", "UA1")
		require.NoError(t, err, "confidence %s", boundary)
	}
}

func TestService_AlertTypeDefaultsToMessage(t *testing.T) {
	ctx := context.Background()
	alerts := storage.NewMemoryAlertStore()
	svc := NewService(zap.NewNop(), alerts, storage.NewMemorySessionStore())

	_, err := svc.Submit(ctx, []byte(`{"message":"screen shared","confidence":0.3}`), "1.2.3.4", "UA1")
	require.NoError(t, err)
	_, err = svc.Submit(ctx, []byte(`{"message":"remote desktop suspected","type":"rdp","confidence":0.3}`), "1.2.3.4", "UA1")
	require.NoError(t, err)

	counts, err := alerts.CountByType(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"screen shared": 1, "rdp": 1}, counts)
}

func TestService_BlankClientAttributes(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	alerts := storage.NewMemoryAlertStore()
	svc := NewService(zap.NewNop(), alerts, storage.NewMemorySessionStore(),
		WithClock(func() time.Time { return now }))

	result, err := svc.Submit(ctx, []byte(`{"message":"x","confidence":0.1}`), "", "  ")
	require.NoError(t, err)
	assert.Equal(t, identity.Resolve("unknown", "unknown", now), result.SessionID)

	history, err := alerts.ListBySession(ctx, result.SessionID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "unknown", history[0].SourceAddress)
}

func TestService_AggregateInvariant(t *testing.T) {
	ctx := context.Background()
	alerts, sessions := newSQLiteStores(t)
	svc := NewService(zap.NewNop(), alerts, sessions,
		WithClock(stepClock(time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC))))

	confidences := []string{"0.3", "0.9", "0.1", "0.55", "0.9"}
	var first *model.IngestResult
	for _, c := range confidences {
		result, err := svc.Submit(ctx, []byte(`{"message":"gaze away","confidence":`+c+`}`), "10.0.0.1", "Mozilla/5.0")
		require.NoError(t, err)
		if first == nil {
			first = result
		}
		require.Equal(t, first.SessionID, result.SessionID)
	}

	agg, err := sessions.Get(ctx, first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(len(confidences)), agg.TotalAlerts)
	assert.Equal(t, 0.9, agg.MaxConfidence)
	assert.True(t, agg.StartTime.Equal(first.Timestamp))

	history, err := alerts.ListBySession(ctx, first.SessionID)
	require.NoError(t, err)
	assert.Len(t, history, len(confidences))
	for _, a := range history {
		assert.False(t, a.Timestamp.Before(agg.StartTime))
	}
}

func TestService_ConcurrentSubmissions(t *testing.T) {
	const submissions = 100

	setups := map[string]func(t *testing.T) (storage.AlertStore, storage.SessionStore){
		"sqlite": newSQLiteStores,
		"memory": func(t *testing.T) (storage.AlertStore, storage.SessionStore) {
			return storage.NewMemoryAlertStore(), storage.NewMemorySessionStore()
		},
	}

	for name, setup := range setups {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			alerts, sessions := setup(t)
			now := time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)
			svc := NewService(zap.NewNop(), alerts, sessions, WithClock(stepClock(now)))

			var wg sync.WaitGroup
			errs := make(chan error, submissions)
			for i := 0; i < submissions; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := svc.Submit(ctx, []byte(`{"message":"face not detected","confidence":0.42}`), "1.2.3.4", "UA1")
					errs <- err
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}

			agg, err := sessions.Get(ctx, identity.Resolve("1.2.3.4", "UA1", now))
			require.NoError(t, err)
			require.NotNil(t, agg)
			assert.Equal(t, int64(submissions), agg.TotalAlerts)
			assert.Equal(t, 0.42, agg.MaxConfidence)
		})
	}
}

func TestService_AppendFailure(t *testing.T) {
	ctx := context.Background()
	sessions := storage.NewMemorySessionStore()
	alerts := &failingAlertStore{AlertStore: storage.NewMemoryAlertStore(), err: errors.New("disk full")}
	recorder := newRecordingRecorder()
	svc := NewService(zap.NewNop(), alerts, sessions, WithRecorder(recorder))

	_, err := svc.Submit(ctx, []byte(`{"message":"x","confidence":0.5}`), "1.2.3.4", "UA1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStore))
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 1, recorder.outcomes[string(StageFailed)])

	totals, err := sessions.GlobalTotals(ctx)
	require.NoError(t, err)
	assert.Zero(t, totals.SessionCount)
}

func TestService_UpsertFailureThenReconcile(t *testing.T) {
	ctx := context.Background()
	alerts := storage.NewMemoryAlertStore()
	sessions := storage.NewMemorySessionStore()
	now := time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)
	clock := stepClock(now)

	healthy := NewService(zap.NewNop(), alerts, sessions, WithClock(clock))
	broken := NewService(zap.NewNop(), alerts, &failingSessionStore{SessionStore: sessions, err: errors.New("locked")}, WithClock(clock))

	first, err := healthy.Submit(ctx, []byte(`{"message":"x","confidence":0.3}`), "1.2.3.4", "UA1")
	require.NoError(t, err)

	_, err = broken.Submit(ctx, []byte(`{"message":"x","confidence":0.7}`), "1.2.3.4", "UA1")
	require.Error(t, err)
	assert.True(t, IsRetryable(err))

	// a session whose first alert never reached the aggregate store
	_, err = broken.Submit(ctx, []byte(`{"message":"y","confidence":0.2}`), "5.6.7.8", "UA2")
	require.Error(t, err)

	agg, err := sessions.Get(ctx, first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), agg.TotalAlerts)

	reconciler := NewReconciler(zap.NewNop(), alerts, sessions)
	repaired, err := reconciler.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, repaired)

	agg, err = sessions.Get(ctx, first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), agg.TotalAlerts)
	assert.Equal(t, 0.7, agg.MaxConfidence)
	assert.True(t, agg.StartTime.Equal(first.Timestamp))

	orphan, err := sessions.Get(ctx, identity.Resolve("5.6.7.8", "UA2", now))
	require.NoError(t, err)
	require.NotNil(t, orphan)
	assert.Equal(t, int64(1), orphan.TotalAlerts)

	repaired, err = reconciler.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, repaired)
}

// interleavingSessions runs hook once, right after the first Get returns
type interleavingSessions struct {
	storage.SessionStore
	once sync.Once
	hook func()
}

func (s *interleavingSessions) Get(ctx context.Context, sessionID string) (*model.SessionAggregate, error) {
	agg, err := s.SessionStore.Get(ctx, sessionID)
	s.once.Do(s.hook)
	return agg, err
}

func TestReconciler_KeepsConcurrentIncrement(t *testing.T) {
	for name, newStores := range map[string]func(t *testing.T) (storage.AlertStore, storage.SessionStore){
		"sqlite": newSQLiteStores,
		"memory": func(t *testing.T) (storage.AlertStore, storage.SessionStore) {
			return storage.NewMemoryAlertStore(), storage.NewMemorySessionStore()
		},
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			alerts, sessions := newStores(t)
			clock := stepClock(time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC))

			healthy := NewService(zap.NewNop(), alerts, sessions, WithClock(clock))
			broken := NewService(zap.NewNop(), alerts, &failingSessionStore{SessionStore: sessions, err: errors.New("locked")}, WithClock(clock))

			first, err := healthy.Submit(ctx, []byte(`{"message":"gaze","confidence":0.4}`), "1.2.3.4", "UA1")
			require.NoError(t, err)
			_, err = broken.Submit(ctx, []byte(`{"message":"gaze","confidence":0.6}`), "1.2.3.4", "UA1")
			require.ErrorIs(t, err, ErrStore)

			interleaved := &interleavingSessions{SessionStore: sessions}
			interleaved.hook = func() {
				_, err := healthy.Submit(ctx, []byte(`{"message":"gaze","confidence":0.5}`), "1.2.3.4", "UA1")
				require.NoError(t, err)
			}

			reconciler := NewReconciler(zap.NewNop(), alerts, interleaved, WithSettleWindow(0))
			repaired, err := reconciler.Reconcile(ctx)
			require.NoError(t, err)
			assert.Zero(t, repaired)

			// the increment that landed during the repair survives
			agg, err := sessions.Get(ctx, first.SessionID)
			require.NoError(t, err)
			assert.Equal(t, int64(2), agg.TotalAlerts)

			repaired, err = reconciler.Reconcile(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, repaired)

			rows, err := alerts.ListBySession(ctx, first.SessionID)
			require.NoError(t, err)
			agg, err = sessions.Get(ctx, first.SessionID)
			require.NoError(t, err)
			assert.Equal(t, int64(len(rows)), agg.TotalAlerts)
			assert.Equal(t, 0.6, agg.MaxConfidence)
			assert.True(t, agg.LastSeenTime.Equal(rows[len(rows)-1].Timestamp))
		})
	}
}

func TestReconciler_SkipsUnsettledSessions(t *testing.T) {
	ctx := context.Background()
	alerts := storage.NewMemoryAlertStore()
	sessions := storage.NewMemorySessionStore()
	now := time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)

	broken := NewService(zap.NewNop(), alerts, &failingSessionStore{SessionStore: sessions, err: errors.New("locked")},
		WithClock(func() time.Time { return now }))
	_, err := broken.Submit(ctx, []byte(`{"message":"phone","confidence":0.9}`), "1.2.3.4", "UA1")
	require.Error(t, err)

	reconciler := NewReconciler(zap.NewNop(), alerts, sessions,
		WithReconcileClock(func() time.Time { return now.Add(10 * time.Second) }))
	repaired, err := reconciler.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, repaired)

	reconciler = NewReconciler(zap.NewNop(), alerts, sessions,
		WithReconcileClock(func() time.Time { return now.Add(2 * DefaultSettleWindow) }))
	repaired, err = reconciler.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)
}

func TestService_PublisherFailureDoesNotFailRequest(t *testing.T) {
	ctx := context.Background()
	publisher := &recordingPublisher{err: errors.New("no responders")}
	svc := NewService(zap.NewNop(), storage.NewMemoryAlertStore(), storage.NewMemorySessionStore(),
		WithPublisher(publisher))

	result, err := svc.Submit(ctx, []byte(`{"message":"x","confidence":0.5}`), "1.2.3.4", "UA1")
	require.NoError(t, err)
	assert.Equal(t, model.SeverityMedium, result.Severity)
	assert.Len(t, publisher.events, 1)
}
