package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timeplus-io/tp-alarm-monitor/pkg/models"
)

type recordingServer struct {
	*httptest.Server
	mu     sync.Mutex
	bodies [][]byte
}

func newRecordingServer(t *testing.T, status int) *recordingServer {
	rs := &recordingServer{}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rs.mu.Lock()
		rs.bodies = append(rs.bodies, body)
		rs.mu.Unlock()
		w.WriteHeader(status)
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(rs.Close)
	return rs
}

func (rs *recordingServer) received() [][]byte {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([][]byte(nil), rs.bodies...)
}

type failingSink struct{}

func (failingSink) Name() string { return "failing" }
func (failingSink) Send(ctx context.Context, key string, payload []byte) (string, error) {
	return "", errors.New("boom")
}
func (failingSink) Close() error { return nil }

func TestBroadcastToleratesPartialFailure(t *testing.T) {
	ok := newRecordingServer(t, http.StatusOK)
	bad := newRecordingServer(t, http.StatusInternalServerError)

	n := New(time.Second, NewHTTPSink(ok.URL, time.Second), NewHTTPSink(bad.URL, time.Second), failingSink{})
	results := n.NotifyCount(context.Background(), 3)

	require.Len(t, results, 3)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.Contains(t, results[1].Detail, "500")
	assert.False(t, results[2].Success)

	require.Len(t, ok.received(), 1)
	require.Len(t, bad.received(), 1)

	var env struct {
		Type      string              `json:"type"`
		ID        string              `json:"id"`
		Timestamp int64               `json:"timestamp"`
		Data      models.AlarmNumData `json:"data"`
	}
	require.NoError(t, json.Unmarshal(ok.received()[0], &env))
	assert.Equal(t, models.NotificationAlarmNum, env.Type)
	assert.NotEmpty(t, env.ID)
	assert.NotZero(t, env.Timestamp)
	assert.Equal(t, int64(3), env.Data.Count)

	// count snapshots carry no point or level fields
	var raw struct {
		Data map[string]json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(ok.received()[0], &raw))
	assert.Equal(t, map[string]json.RawMessage{"count": json.RawMessage("3")}, raw.Data)
}

func TestBroadcastSlowSinkTimesOut(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()
	fast := newRecordingServer(t, http.StatusNoContent)

	n := New(100*time.Millisecond, NewHTTPSink(slow.URL, 5*time.Second), NewHTTPSink(fast.URL, 5*time.Second))

	start := time.Now()
	results := n.NotifyCount(context.Background(), 0)
	elapsed := time.Since(start)

	require.Len(t, results, 2)
	assert.False(t, results[0].Success)
	assert.True(t, results[1].Success)
	assert.Less(t, elapsed, time.Second)
}

func TestNotifyTriggeredAndRecoveredPayloads(t *testing.T) {
	srv := newRecordingServer(t, http.StatusOK)
	n := New(time.Second, NewHTTPSink(srv.URL, time.Second))

	alert := &models.Alert{
		RuleID: 4, ServiceType: "comsrv", ChannelID: 1001, DataType: "T", PointID: 7,
		RuleName: "High temp", WarningLevel: models.WarningLevelHigh,
		Operator: models.OperatorGreaterThan, ThresholdValue: 50, CurrentValue: 60,
	}
	n.NotifyTriggered(context.Background(), alert)
	n.NotifyRecovered(context.Background(), models.NewRecoveryEvent(alert, nil, models.ResolveReasonRuleDisabled, time.Now()))

	bodies := srv.received()
	require.Len(t, bodies, 2)

	var trigger struct {
		Type string           `json:"type"`
		Data models.AlarmData `json:"data"`
	}
	require.NoError(t, json.Unmarshal(bodies[0], &trigger))
	assert.Equal(t, models.NotificationAlarm, trigger.Type)
	assert.Equal(t, models.AlarmStatusTriggered, trigger.Data.Status)
	assert.Equal(t, "comsrv", trigger.Data.ServiceType)
	assert.Equal(t, int64(7), trigger.Data.PointID)
	assert.Equal(t, models.WarningLevelHigh, trigger.Data.Level)
	require.NotNil(t, trigger.Data.Value)
	assert.Equal(t, 60.0, *trigger.Data.Value)
	assert.Equal(t, "High temp triggered: value 60 > 50", trigger.Data.Message)

	var recovery struct {
		Data models.AlarmData `json:"data"`
	}
	require.NoError(t, json.Unmarshal(bodies[1], &recovery))
	assert.Equal(t, models.AlarmStatusRecovered, recovery.Data.Status)
	assert.Nil(t, recovery.Data.Value)
	assert.Equal(t, "High temp recovered: rule disabled", recovery.Data.Message)
}

func TestBroadcastWithoutSinks(t *testing.T) {
	n := New(0)
	assert.Empty(t, n.NotifyCount(context.Background(), 1))
	assert.Empty(t, n.SinkNames())
}
