package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/timeplus-io/tp-alarm-monitor/pkg/models"
	"github.com/timeplus-io/tp-alarm-monitor/pkg/store"
)

// MockAlertStore is a mock implementation of the AlertStore interface
type MockAlertStore struct {
	mock.Mock
}

// Ensure MockAlertStore implements AlertStore
var _ store.AlertStore = (*MockAlertStore)(nil)

func (m *MockAlertStore) CreateAlert(ctx context.Context, alert *models.Alert) (*models.Alert, bool, error) {
	args := m.Called(ctx, alert)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*models.Alert), args.Bool(1), args.Error(2)
}

func (m *MockAlertStore) GetAlert(ctx context.Context, id int64) (*models.Alert, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Alert), args.Error(1)
}

func (m *MockAlertStore) GetAlertByRuleID(ctx context.Context, ruleID int64) (*models.Alert, error) {
	args := m.Called(ctx, ruleID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Alert), args.Error(1)
}

func (m *MockAlertStore) ListAlertsByRuleID(ctx context.Context, ruleID int64) ([]*models.Alert, error) {
	args := m.Called(ctx, ruleID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Alert), args.Error(1)
}

func (m *MockAlertStore) ListActiveAlerts(ctx context.Context) ([]*models.Alert, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Alert), args.Error(1)
}

func (m *MockAlertStore) UpdateAlertValue(ctx context.Context, id int64, value float64) error {
	args := m.Called(ctx, id, value)
	return args.Error(0)
}

func (m *MockAlertStore) ResolveAlert(ctx context.Context, alertID int64, event *models.AlertEvent) (*models.AlertEvent, error) {
	args := m.Called(ctx, alertID, event)
	if rf, ok := args.Get(0).(func(context.Context, int64, *models.AlertEvent) *models.AlertEvent); ok {
		return rf(ctx, alertID, event), args.Error(1)
	}
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.AlertEvent), args.Error(1)
}

func (m *MockAlertStore) CreateAlertEvent(ctx context.Context, event *models.AlertEvent) (*models.AlertEvent, error) {
	args := m.Called(ctx, event)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.AlertEvent), args.Error(1)
}

func (m *MockAlertStore) SearchAlerts(ctx context.Context, filter models.AlertFilter) (*models.Page[*models.Alert], error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Page[*models.Alert]), args.Error(1)
}

func (m *MockAlertStore) CountActiveAlerts(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockAlertStore) CountActiveAlertsByLevel(ctx context.Context) (map[models.WarningLevel]int64, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[models.WarningLevel]int64), args.Error(1)
}

func (m *MockAlertStore) SearchEvents(ctx context.Context, filter models.EventFilter) (*models.Page[*models.AlertEvent], error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Page[*models.AlertEvent]), args.Error(1)
}

func (m *MockAlertStore) ListEvents(ctx context.Context, filter models.EventFilter) ([]*models.AlertEvent, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.AlertEvent), args.Error(1)
}

func (m *MockAlertStore) CountEventsRecoveredSince(ctx context.Context, since time.Time) (int64, error) {
	args := m.Called(ctx, since)
	return args.Get(0).(int64), args.Error(1)
}

// MockListener records rule change hooks
type MockListener struct {
	mock.Mock
}

var _ RuleChangeListener = (*MockListener)(nil)

func (m *MockListener) OnRuleUpdated(ctx context.Context, ruleID int64) error {
	args := m.Called(ctx, ruleID)
	return args.Error(0)
}

func (m *MockListener) OnRuleDeleted(ctx context.Context, ruleID int64) error {
	args := m.Called(ctx, ruleID)
	return args.Error(0)
}

func mockRule() *models.AlertRule {
	return &models.AlertRule{
		ID:           7,
		ServiceType:  "comsrv",
		ChannelID:    1001,
		DataType:     "T",
		PointID:      3,
		RuleName:     "High temp",
		WarningLevel: models.WarningLevelHigh,
		Operator:     models.OperatorGreaterThan,
		Value:        50,
		Enabled:      true,
	}
}

func TestProcessCreateFailureKeepsState(t *testing.T) {
	ctx := context.Background()
	mockStore := new(MockAlertStore)
	svc := NewAlertService(mockStore)

	mockStore.On("GetAlertByRuleID", ctx, int64(7)).Return(nil, store.ErrNotFound)
	mockStore.On("CreateAlert", ctx, mock.AnythingOfType("*models.Alert")).Return(nil, false, errors.New("disk full"))

	outcome, err := svc.Process(ctx, mockRule(), 60, true)
	assert.Error(t, err)
	assert.Equal(t, TransitionNone, outcome.Transition)
	mockStore.AssertExpectations(t)
}

func TestProcessResolveFailureKeepsAlert(t *testing.T) {
	ctx := context.Background()
	mockStore := new(MockAlertStore)
	svc := NewAlertService(mockStore)

	alert := models.NewAlert(mockRule(), 60, time.Now())
	alert.ID = 11
	mockStore.On("GetAlertByRuleID", ctx, int64(7)).Return(alert, nil)
	mockStore.On("ResolveAlert", ctx, int64(11), mock.AnythingOfType("*models.AlertEvent")).Return(nil, errors.New("locked"))

	outcome, err := svc.Process(ctx, mockRule(), 40, false)
	assert.Error(t, err)
	assert.Equal(t, TransitionNone, outcome.Transition)
	assert.Equal(t, alert, outcome.Alert)
	mockStore.AssertNotCalled(t, "CreateAlertEvent", mock.Anything, mock.Anything)
}

func TestProcessLookupFailure(t *testing.T) {
	ctx := context.Background()
	mockStore := new(MockAlertStore)
	svc := NewAlertService(mockStore)

	mockStore.On("GetAlertByRuleID", ctx, int64(7)).Return(nil, errors.New("connection reset"))

	_, err := svc.Process(ctx, mockRule(), 60, true)
	assert.ErrorContains(t, err, "connection reset")
	mockStore.AssertNotCalled(t, "CreateAlert", mock.Anything, mock.Anything)
}

func TestResolveAlertsByRuleIDForcesEveryAlert(t *testing.T) {
	ctx := context.Background()
	mockStore := new(MockAlertStore)
	svc := NewAlertService(mockStore)

	first := models.NewAlert(mockRule(), 60, time.Now().Add(-time.Minute))
	first.ID = 1
	second := models.NewAlert(mockRule(), 65, time.Now().Add(-time.Minute))
	second.ID = 2

	mockStore.On("ListAlertsByRuleID", ctx, int64(7)).Return([]*models.Alert{first, second}, nil)
	mockStore.On("ResolveAlert", ctx, mock.AnythingOfType("int64"), mock.AnythingOfType("*models.AlertEvent")).
		Return(func(_ context.Context, _ int64, e *models.AlertEvent) *models.AlertEvent { return e }, nil)

	events, err := svc.ResolveAlertsByRuleID(ctx, 7, models.ResolveReasonRuleDisabled)
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Nil(t, e.RecoveryValue)
		assert.Equal(t, models.ResolveReasonRuleDisabled, e.ResolveReason)
		assert.Equal(t, models.EventTypeRecovery, e.EventType)
	}
	assert.Equal(t, 60.0, events[0].TriggerValue)
	assert.Equal(t, 65.0, events[1].TriggerValue)
	mockStore.AssertNumberOfCalls(t, "ResolveAlert", 2)
}

func TestResolveAlertsByRuleIDJoinsFailures(t *testing.T) {
	ctx := context.Background()
	mockStore := new(MockAlertStore)
	svc := NewAlertService(mockStore)

	first := models.NewAlert(mockRule(), 60, time.Now())
	first.ID = 1
	second := models.NewAlert(mockRule(), 61, time.Now())
	second.ID = 2

	mockStore.On("ListAlertsByRuleID", ctx, int64(7)).Return([]*models.Alert{first, second}, nil)
	mockStore.On("ResolveAlert", ctx, int64(1), mock.Anything).Return(nil, errors.New("busy"))
	mockStore.On("ResolveAlert", ctx, int64(2), mock.Anything).
		Return(func(_ context.Context, _ int64, e *models.AlertEvent) *models.AlertEvent { return e }, nil)

	events, err := svc.ResolveAlertsByRuleID(ctx, 7, models.ResolveReasonRuleDeleted)
	assert.ErrorContains(t, err, "alert 1: busy")
	assert.Len(t, events, 1)
}
