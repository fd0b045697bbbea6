package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/timeplus-io/tp-alarm-monitor/pkg/metrics"
	"github.com/timeplus-io/tp-alarm-monitor/pkg/models"
	"github.com/timeplus-io/tp-alarm-monitor/pkg/store"
)

// ErrAlertNotFound is returned by alert lookups that match nothing
var ErrAlertNotFound = errors.New("alert not found")

// Transition is the lifecycle change caused by one evaluation
type Transition string

const (
	TransitionNone      Transition = "none"
	TransitionTriggered Transition = "triggered"
	TransitionUpdated   Transition = "updated"
	TransitionRecovered Transition = "recovered"
)

// Outcome describes what Process did to a rule's alert
type Outcome struct {
	Transition Transition
	Alert      *models.Alert
	Event      *models.AlertEvent
}

// AlertService owns the active alert set and its history
type AlertService struct {
	store store.AlertStore
	now   func() time.Time
}

// NewAlertService creates a new alert service
func NewAlertService(alertStore store.AlertStore) *AlertService {
	return &AlertService{store: alertStore, now: time.Now}
}

// SetClock replaces the time source
func (s *AlertService) SetClock(now func() time.Time) {
	s.now = now
}

// Process applies one evaluation result to the rule's alert state.
// An error leaves the stored state as it was; the next tick retries.
func (s *AlertService) Process(ctx context.Context, rule *models.AlertRule, sample float64, triggered bool) (Outcome, error) {
	existing, err := s.store.GetAlertByRuleID(ctx, rule.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		metrics.LifecycleErrorsTotal.WithLabelValues("get").Inc()
		return Outcome{Transition: TransitionNone}, fmt.Errorf("failed to load alert for rule %d: %w", rule.ID, err)
	}

	if triggered {
		if existing == nil {
			return s.trigger(ctx, rule, sample)
		}
		return s.update(ctx, existing, sample)
	}

	if existing == nil {
		return Outcome{Transition: TransitionNone}, nil
	}
	return s.recover(ctx, existing, sample)
}

func (s *AlertService) trigger(ctx context.Context, rule *models.AlertRule, sample float64) (Outcome, error) {
	alert, created, err := s.store.CreateAlert(ctx, models.NewAlert(rule, sample, s.now()))
	if err != nil {
		metrics.LifecycleErrorsTotal.WithLabelValues("create").Inc()
		return Outcome{Transition: TransitionNone}, err
	}
	if !created {
		// lost a race with another writer; treat as an update of the existing episode
		return s.update(ctx, alert, sample)
	}
	metrics.AlertTransitionsTotal.WithLabelValues(string(TransitionTriggered)).Inc()
	return Outcome{Transition: TransitionTriggered, Alert: alert}, nil
}

func (s *AlertService) update(ctx context.Context, alert *models.Alert, sample float64) (Outcome, error) {
	if err := s.store.UpdateAlertValue(ctx, alert.ID, sample); err != nil {
		metrics.LifecycleErrorsTotal.WithLabelValues("update").Inc()
		return Outcome{Transition: TransitionNone}, err
	}
	updated := *alert
	updated.CurrentValue = sample
	metrics.AlertTransitionsTotal.WithLabelValues(string(TransitionUpdated)).Inc()
	return Outcome{Transition: TransitionUpdated, Alert: &updated}, nil
}

func (s *AlertService) recover(ctx context.Context, alert *models.Alert, sample float64) (Outcome, error) {
	recovery := sample
	event, err := s.store.ResolveAlert(ctx, alert.ID, models.NewRecoveryEvent(alert, &recovery, "", s.now()))
	if errors.Is(err, store.ErrNotFound) {
		return Outcome{Transition: TransitionNone}, nil
	}
	if err != nil {
		metrics.LifecycleErrorsTotal.WithLabelValues("resolve").Inc()
		return Outcome{Transition: TransitionNone, Alert: alert}, err
	}
	metrics.AlertTransitionsTotal.WithLabelValues(string(TransitionRecovered)).Inc()
	return Outcome{Transition: TransitionRecovered, Alert: alert, Event: event}, nil
}

// ResolveAlertsByRuleID force-resolves every active alert of a rule with
// no recovery value. Alerts that fail to resolve stay active and their
// errors are joined into the returned error.
func (s *AlertService) ResolveAlertsByRuleID(ctx context.Context, ruleID int64, reason string) ([]*models.AlertEvent, error) {
	alerts, err := s.store.ListAlertsByRuleID(ctx, ruleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts for rule %d: %w", ruleID, err)
	}

	events := make([]*models.AlertEvent, 0, len(alerts))
	var errs []error
	for _, alert := range alerts {
		event, err := s.store.ResolveAlert(ctx, alert.ID, models.NewRecoveryEvent(alert, nil, reason, s.now()))
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			metrics.LifecycleErrorsTotal.WithLabelValues("resolve").Inc()
			errs = append(errs, fmt.Errorf("alert %d: %w", alert.ID, err))
			continue
		}
		metrics.AlertTransitionsTotal.WithLabelValues("forced").Inc()
		events = append(events, event)
	}

	if len(events) > 0 {
		logrus.Infof("Resolved %d alert(s) of rule %d: %s", len(events), ruleID, reason)
	}
	return events, errors.Join(errs...)
}

// ListActiveAlerts returns the whole active set
func (s *AlertService) ListActiveAlerts(ctx context.Context) ([]*models.Alert, error) {
	return s.store.ListActiveAlerts(ctx)
}

// GetAlert returns an active alert by id
func (s *AlertService) GetAlert(ctx context.Context, id int64) (*models.Alert, error) {
	alert, err := s.store.GetAlert(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrAlertNotFound
	}
	return alert, err
}

// GetAlertByRuleID returns the active alert of a rule
func (s *AlertService) GetAlertByRuleID(ctx context.Context, ruleID int64) (*models.Alert, error) {
	alert, err := s.store.GetAlertByRuleID(ctx, ruleID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrAlertNotFound
	}
	return alert, err
}

// SearchAlerts returns a page of active alerts ordered by severity then recency
func (s *AlertService) SearchAlerts(ctx context.Context, filter models.AlertFilter) (*models.Page[*models.Alert], error) {
	return s.store.SearchAlerts(ctx, filter)
}

// CountActiveAlerts returns the size of the active set
func (s *AlertService) CountActiveAlerts(ctx context.Context) (int64, error) {
	return s.store.CountActiveAlerts(ctx)
}

// SearchEvents returns a page of alert history
func (s *AlertService) SearchEvents(ctx context.Context, filter models.EventFilter) (*models.Page[*models.AlertEvent], error) {
	return s.store.SearchEvents(ctx, filter)
}

// Statistics summarizes the active set and today's recoveries
func (s *AlertService) Statistics(ctx context.Context) (*models.AlertStatistics, error) {
	byLevel, err := s.store.CountActiveAlertsByLevel(ctx)
	if err != nil {
		return nil, err
	}
	var active int64
	for _, n := range byLevel {
		active += n
	}
	recovered, err := s.store.CountEventsRecoveredSince(ctx, startOfDay(s.now()))
	if err != nil {
		return nil, err
	}
	return &models.AlertStatistics{
		ActiveCount:    active,
		ActiveByLevel:  byLevel,
		RecoveredToday: recovered,
	}, nil
}
