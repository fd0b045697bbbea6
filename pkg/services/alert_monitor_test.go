package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timeplus-io/tp-alarm-monitor/pkg/config"
	"github.com/timeplus-io/tp-alarm-monitor/pkg/models"
	"github.com/timeplus-io/tp-alarm-monitor/pkg/notifier"
	"github.com/timeplus-io/tp-alarm-monitor/pkg/store"
	"github.com/timeplus-io/tp-alarm-monitor/pkg/valuesource"
)

type recordedNotification struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// recordingSink keeps every payload it is sent
type recordingSink struct {
	mu   sync.Mutex
	sent []recordedNotification
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Send(ctx context.Context, key string, payload []byte) (string, error) {
	var n recordedNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.sent = append(s.sent, n)
	s.mu.Unlock()
	return "", nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) alarms() []models.AlarmData {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AlarmData
	for _, n := range s.sent {
		if n.Type != models.NotificationAlarm {
			continue
		}
		var d models.AlarmData
		if err := json.Unmarshal(n.Data, &d); err == nil {
			out = append(out, d)
		}
	}
	return out
}

func (s *recordingSink) counts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, item := range s.sent {
		if item.Type == models.NotificationAlarmNum {
			n++
		}
	}
	return n
}

type monitorFixture struct {
	mr      *miniredis.Miniredis
	store   *store.Store
	alerts  *AlertService
	sink    *recordingSink
	monitor *AlertMonitor
}

func testMonitorConfig() config.MonitorConfig {
	return config.MonitorConfig{
		DataFetchInterval:   20 * time.Millisecond,
		HeartbeatInterval:   time.Hour,
		WorkerPoolSize:      2,
		FetchTimeout:        200 * time.Millisecond,
		MaxConcurrentChecks: 8,
		StartupPingAttempts: 1,
	}
}

func newMonitorFixture(t *testing.T, cfg config.MonitorConfig) *monitorFixture {
	t.Helper()
	mr, src := setupTestRedis(t)
	s := newTestStore(t)
	sink := &recordingSink{}
	alerts := NewAlertService(s)
	m := NewAlertMonitor(cfg, s, alerts, src, notifier.New(time.Second, sink))
	m.pingRetryDelay = 10 * time.Millisecond
	t.Cleanup(m.Shutdown)
	return &monitorFixture{mr: mr, store: s, alerts: alerts, sink: sink, monitor: m}
}

func (f *monitorFixture) activeCount(t *testing.T) int64 {
	n, err := f.alerts.CountActiveAlerts(context.Background())
	require.NoError(t, err)
	return n
}

func TestMonitorTriggersAndRecovers(t *testing.T) {
	f := newMonitorFixture(t, testMonitorConfig())
	ctx := context.Background()
	rule := createTestRule(t, f.store, "High temp", 1, models.OperatorGreaterThan, 50)

	f.mr.HSet("comsrv:1001:T", "1", "60")
	require.NoError(t, f.monitor.Start(ctx))

	require.Eventually(t, func() bool { return f.activeCount(t) == 1 }, 2*time.Second, 10*time.Millisecond)
	alert, err := f.alerts.GetAlertByRuleID(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, 60.0, alert.CurrentValue)

	f.mr.HSet("comsrv:1001:T", "1", "45")
	require.Eventually(t, func() bool { return f.activeCount(t) == 0 }, 2*time.Second, 10*time.Millisecond)

	page, err := f.alerts.SearchEvents(ctx, models.EventFilter{})
	require.NoError(t, err)
	require.Len(t, page.List, 1)
	assert.Equal(t, 60.0, page.List[0].TriggerValue)
	require.NotNil(t, page.List[0].RecoveryValue)
	assert.Equal(t, 45.0, *page.List[0].RecoveryValue)

	require.Eventually(t, func() bool { return len(f.sink.alarms()) == 2 }, time.Second, 10*time.Millisecond)
	alarms := f.sink.alarms()
	assert.Equal(t, models.AlarmStatusTriggered, alarms[0].Status)
	assert.Equal(t, models.AlarmStatusRecovered, alarms[1].Status)
	assert.Equal(t, rule.ID, alarms[1].RuleID)
	assert.Eventually(t, func() bool { return f.sink.counts() >= 2 }, time.Second, 10*time.Millisecond)
}

func TestMonitorIgnoresMissingAndInvalidValues(t *testing.T) {
	f := newMonitorFixture(t, testMonitorConfig())
	createTestRule(t, f.store, "missing", 1, models.OperatorGreaterThan, 50)
	createTestRule(t, f.store, "invalid", 2, models.OperatorGreaterThan, 50)
	f.mr.HSet("comsrv:1001:T", "2", "not-a-number")

	require.NoError(t, f.monitor.Start(context.Background()))
	require.Eventually(t, func() bool { return f.monitor.Status(context.Background()).TickCount >= 3 }, 2*time.Second, 10*time.Millisecond)

	assert.Zero(t, f.activeCount(t))
	st := f.monitor.Status(context.Background())
	assert.Equal(t, 2, st.LastRuleCount)
	assert.Zero(t, st.LastFetchFailures)
}

func TestMonitorSurvivesValueSourceOutage(t *testing.T) {
	f := newMonitorFixture(t, testMonitorConfig())
	createTestRule(t, f.store, "High temp", 1, models.OperatorGreaterThan, 50)

	require.NoError(t, f.monitor.Start(context.Background()))
	f.mr.Close()

	require.Eventually(t, func() bool {
		return f.monitor.Status(context.Background()).LastFetchFailures > 0
	}, 3*time.Second, 10*time.Millisecond)

	st := f.monitor.Status(context.Background())
	assert.True(t, st.Running)
	assert.Equal(t, SourceError, st.RedisStatus)
	assert.NotEmpty(t, st.LastError)
	assert.Zero(t, f.activeCount(t))
}

func TestMonitorStartFailsWhenSourceDown(t *testing.T) {
	cfg := testMonitorConfig()
	cfg.StartupPingAttempts = 2
	f := newMonitorFixture(t, cfg)
	f.mr.Close()

	err := f.monitor.Start(context.Background())
	require.Error(t, err)
	assert.False(t, f.monitor.IsRunning())
	assert.NotEmpty(t, f.monitor.Status(context.Background()).LastError)
}

// gatedSource blocks the first Ping until release is closed
type gatedSource struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSource) Ping(ctx context.Context) error {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gatedSource) HashGet(ctx context.Context, key, field string) (string, error) {
	return "", valuesource.ErrNotFound
}

func (g *gatedSource) Close() error { return nil }

func TestMonitorStatusResponsiveDuringStart(t *testing.T) {
	cfg := testMonitorConfig()
	cfg.FetchTimeout = 5 * time.Second
	src := &gatedSource{entered: make(chan struct{}), release: make(chan struct{})}
	s := newTestStore(t)
	m := NewAlertMonitor(cfg, s, NewAlertService(s), src, nil)
	t.Cleanup(m.Shutdown)

	started := make(chan error, 1)
	go func() { started <- m.Start(context.Background()) }()
	<-src.entered

	checked := make(chan struct{})
	go func() {
		defer close(checked)
		assert.False(t, m.IsRunning())
		assert.ErrorIs(t, m.Start(context.Background()), ErrMonitorRunning)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		st := m.Status(ctx)
		assert.False(t, st.Running)
		assert.Equal(t, SourceError, st.RedisStatus)
	}()

	select {
	case <-checked:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor state blocked while start was pinging the source")
	}

	close(src.release)
	require.NoError(t, <-started)
	assert.True(t, m.IsRunning())
}

func TestMonitorStartTwiceAndAfterShutdown(t *testing.T) {
	f := newMonitorFixture(t, testMonitorConfig())
	ctx := context.Background()

	require.NoError(t, f.monitor.Start(ctx))
	assert.ErrorIs(t, f.monitor.Start(ctx), ErrMonitorRunning)

	f.monitor.Shutdown()
	f.monitor.Shutdown()
	assert.False(t, f.monitor.IsRunning())
	assert.ErrorIs(t, f.monitor.Start(ctx), ErrMonitorStopped)
	assert.Equal(t, SourceDisconnected, f.monitor.Status(ctx).RedisStatus)
}

func TestMonitorDisableForcesResolution(t *testing.T) {
	f := newMonitorFixture(t, testMonitorConfig())
	ctx := context.Background()
	rule := createTestRule(t, f.store, "High temp", 1, models.OperatorGreaterThan, 50)

	outcome, err := f.alerts.Process(ctx, rule, 60, true)
	require.NoError(t, err)
	require.Equal(t, TransitionTriggered, outcome.Transition)

	require.NoError(t, f.store.SetRuleEnabled(ctx, rule.ID, false))
	require.NoError(t, f.monitor.OnRuleUpdated(ctx, rule.ID))
	assert.Zero(t, f.activeCount(t))

	page, err := f.alerts.SearchEvents(ctx, models.EventFilter{})
	require.NoError(t, err)
	require.Len(t, page.List, 1)
	assert.Nil(t, page.List[0].RecoveryValue)
	assert.Equal(t, 60.0, page.List[0].TriggerValue)
	assert.Equal(t, models.ResolveReasonRuleDisabled, page.List[0].ResolveReason)

	// disabled rules are skipped by the check loop even while the value stays high
	f.mr.HSet("comsrv:1001:T", "1", "60")
	require.NoError(t, f.monitor.Start(ctx))
	require.Eventually(t, func() bool { return f.monitor.Status(ctx).TickCount >= 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, f.activeCount(t))
}

func TestMonitorOnRuleUpdatedKeepsEnabledAlert(t *testing.T) {
	f := newMonitorFixture(t, testMonitorConfig())
	ctx := context.Background()
	rule := createTestRule(t, f.store, "High temp", 1, models.OperatorGreaterThan, 50)

	_, err := f.alerts.Process(ctx, rule, 60, true)
	require.NoError(t, err)
	require.NoError(t, f.monitor.OnRuleUpdated(ctx, rule.ID))
	assert.Equal(t, int64(1), f.activeCount(t))
}

func TestMonitorReconcilesOrphanedAlerts(t *testing.T) {
	f := newMonitorFixture(t, testMonitorConfig())
	ctx := context.Background()

	deleted := createTestRule(t, f.store, "deleted", 1, models.OperatorGreaterThan, 50)
	disabled := createTestRule(t, f.store, "disabled", 2, models.OperatorGreaterThan, 50)
	for _, r := range []*models.AlertRule{deleted, disabled} {
		_, _, err := f.store.CreateAlert(ctx, models.NewAlert(r, 60, time.Now()))
		require.NoError(t, err)
	}
	require.NoError(t, f.store.DeleteRule(ctx, deleted.ID))
	require.NoError(t, f.store.SetRuleEnabled(ctx, disabled.ID, false))

	require.NoError(t, f.monitor.Start(ctx))
	assert.Zero(t, f.activeCount(t))

	page, err := f.alerts.SearchEvents(ctx, models.EventFilter{})
	require.NoError(t, err)
	require.Len(t, page.List, 2)
	reasons := map[int64]string{}
	for _, e := range page.List {
		reasons[e.RuleID] = e.ResolveReason
	}
	assert.Equal(t, models.ResolveReasonRuleDeleted, reasons[deleted.ID])
	assert.Equal(t, models.ResolveReasonRuleDisabled, reasons[disabled.ID])
}

func TestMonitorOnRuleDeleted(t *testing.T) {
	f := newMonitorFixture(t, testMonitorConfig())
	ctx := context.Background()
	rule := createTestRule(t, f.store, "High temp", 1, models.OperatorGreaterThan, 50)
	_, _, err := f.store.CreateAlert(ctx, models.NewAlert(rule, 60, time.Now()))
	require.NoError(t, err)

	require.NoError(t, f.store.DeleteRule(ctx, rule.ID))
	require.NoError(t, f.monitor.OnRuleDeleted(ctx, rule.ID))
	assert.Zero(t, f.activeCount(t))

	alarms := f.sink.alarms()
	require.Len(t, alarms, 1)
	assert.Equal(t, models.AlarmStatusRecovered, alarms[0].Status)
	assert.Nil(t, alarms[0].Value)
}

func TestMonitorManualCheck(t *testing.T) {
	f := newMonitorFixture(t, testMonitorConfig())
	ctx := context.Background()
	rule := createTestRule(t, f.store, "High temp", 1, models.OperatorGreaterThan, 50)
	off := createTestRule(t, f.store, "off", 2, models.OperatorGreaterThan, 50)
	require.NoError(t, f.store.SetRuleEnabled(ctx, off.ID, false))
	noValue := createTestRule(t, f.store, "no value", 3, models.OperatorGreaterThan, 50)

	f.mr.HSet("comsrv:1001:T", "1", "72.5")

	res, err := f.monitor.ManualCheck(ctx, rule.ID)
	require.NoError(t, err)
	assert.True(t, res.Triggered)
	assert.Equal(t, 72.5, res.CurrentValue)
	assert.Equal(t, 50.0, res.ThresholdValue)
	assert.False(t, res.HasActiveAlert)
	assert.Equal(t, "comsrv:1001:T", res.ValueKey)
	assert.Equal(t, "1", res.ValueField)
	assert.Zero(t, f.activeCount(t))

	_, err = f.monitor.ManualCheck(ctx, 9999)
	assert.ErrorIs(t, err, ErrRuleNotFound)
	_, err = f.monitor.ManualCheck(ctx, off.ID)
	assert.ErrorIs(t, err, ErrRuleDisabled)
	_, err = f.monitor.ManualCheck(ctx, noValue.ID)
	assert.ErrorIs(t, err, ErrNoValue)
}

func TestMonitorHeartbeatBroadcastsCount(t *testing.T) {
	cfg := testMonitorConfig()
	cfg.HeartbeatInterval = 30 * time.Millisecond
	f := newMonitorFixture(t, cfg)

	require.NoError(t, f.monitor.Start(context.Background()))
	require.Eventually(t, func() bool { return f.sink.counts() >= 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, f.sink.alarms())
}

func TestMonitorStatus(t *testing.T) {
	f := newMonitorFixture(t, testMonitorConfig())
	ctx := context.Background()

	st := f.monitor.Status(ctx)
	assert.False(t, st.Running)
	assert.Equal(t, SourceConnected, st.RedisStatus)
	assert.Equal(t, f.mr.Addr(), st.RedisAddr)
	assert.Equal(t, 2, st.WorkerPoolSize)
	assert.Equal(t, "20ms", st.CheckInterval)
	assert.Equal(t, []string{"recording"}, st.Sinks)

	require.NoError(t, f.monitor.Start(ctx))
	require.Eventually(t, func() bool { return f.monitor.Status(ctx).TickCount > 0 }, time.Second, 10*time.Millisecond)
	st = f.monitor.Status(ctx)
	assert.True(t, st.Running)
	assert.False(t, st.LastCheckTime.IsZero())
}
