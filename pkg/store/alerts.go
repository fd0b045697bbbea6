package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/timeplus-io/tp-alarm-monitor/pkg/models"
)

const alertColumns = `id, rule_id, rule_snapshot, service_type, channel_id, data_type, point_id, rule_name,
	warning_level, operator, threshold_value, current_value, status, triggered_at`

const eventColumns = `id, rule_id, rule_snapshot, service_type, channel_id, data_type, point_id, rule_name,
	warning_level, operator, threshold_value, trigger_value, recovery_value, event_type, resolve_reason,
	triggered_at, recovered_at, duration`

func scanAlert(row rowScanner) (*models.Alert, error) {
	var a models.Alert
	err := row.Scan(&a.ID, &a.RuleID, &a.RuleSnapshot, &a.ServiceType, &a.ChannelID, &a.DataType, &a.PointID,
		&a.RuleName, &a.WarningLevel, &a.Operator, &a.ThresholdValue, &a.CurrentValue, &a.Status, &a.TriggeredAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanEvent(row rowScanner) (*models.AlertEvent, error) {
	var e models.AlertEvent
	var recovery sql.NullFloat64
	var recoveredAt, duration sql.NullInt64
	err := row.Scan(&e.ID, &e.RuleID, &e.RuleSnapshot, &e.ServiceType, &e.ChannelID, &e.DataType, &e.PointID,
		&e.RuleName, &e.WarningLevel, &e.Operator, &e.ThresholdValue, &e.TriggerValue, &recovery, &e.EventType,
		&e.ResolveReason, &e.TriggeredAt, &recoveredAt, &duration)
	if err != nil {
		return nil, err
	}
	if recovery.Valid {
		v := recovery.Float64
		e.RecoveryValue = &v
	}
	e.RecoveredAt = recoveredAt.Int64
	e.Duration = duration.Int64
	return &e, nil
}

func (s *Store) queryAlerts(ctx context.Context, query string, args ...interface{}) ([]*models.Alert, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	alerts := make([]*models.Alert, 0)
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...interface{}) ([]*models.AlertEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert events: %w", err)
	}
	defer rows.Close()

	events := make([]*models.AlertEvent, 0)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// CreateAlert inserts an active alert unless its rule already has one
func (s *Store) CreateAlert(ctx context.Context, alert *models.Alert) (*models.Alert, bool, error) {
	query := s.rebind(`INSERT INTO alert (rule_id, rule_snapshot, service_type, channel_id, data_type,
		point_id, rule_name, warning_level, operator, threshold_value, current_value, status, triggered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(rule_id) DO NOTHING RETURNING id`)

	var id int64
	err := s.db.QueryRowContext(ctx, query, alert.RuleID, alert.RuleSnapshot, alert.ServiceType, alert.ChannelID,
		alert.DataType, alert.PointID, alert.RuleName, int(alert.WarningLevel), string(alert.Operator), alert.ThresholdValue,
		alert.CurrentValue, string(alert.Status), alert.TriggeredAt).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		existing, err := s.GetAlertByRuleID(ctx, alert.RuleID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to create alert for rule %d: %w", alert.RuleID, err)
	}

	created := *alert
	created.ID = id
	return &created, true, nil
}

// GetAlert returns an active alert by id
func (s *Store) GetAlert(ctx context.Context, id int64) (*models.Alert, error) {
	alert, err := scanAlert(s.db.QueryRowContext(ctx, s.rebind("SELECT "+alertColumns+" FROM alert WHERE id = ?"), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert %d: %w", id, err)
	}
	return alert, nil
}

// GetAlertByRuleID returns the active alert of a rule
func (s *Store) GetAlertByRuleID(ctx context.Context, ruleID int64) (*models.Alert, error) {
	alert, err := scanAlert(s.db.QueryRowContext(ctx,
		s.rebind("SELECT "+alertColumns+" FROM alert WHERE rule_id = ? ORDER BY id LIMIT 1"), ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert for rule %d: %w", ruleID, err)
	}
	return alert, nil
}

// ListAlertsByRuleID returns every active alert recorded for a rule
func (s *Store) ListAlertsByRuleID(ctx context.Context, ruleID int64) ([]*models.Alert, error) {
	return s.queryAlerts(ctx, "SELECT "+alertColumns+" FROM alert WHERE rule_id = ? ORDER BY id", ruleID)
}

// ListActiveAlerts returns the whole active set
func (s *Store) ListActiveAlerts(ctx context.Context) ([]*models.Alert, error) {
	return s.queryAlerts(ctx, "SELECT "+alertColumns+" FROM alert WHERE status = ? ORDER BY id", string(models.AlertStatusActive))
}

// UpdateAlertValue records the latest sample of an active alert
func (s *Store) UpdateAlertValue(ctx context.Context, id int64, value float64) error {
	res, err := s.db.ExecContext(ctx, s.rebind("UPDATE alert SET current_value = ? WHERE id = ?"), value, id)
	if err != nil {
		return fmt.Errorf("failed to update alert %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResolveAlert appends the event and removes the alert atomically.
// Nothing is written if the alert is already gone.
func (s *Store) ResolveAlert(ctx context.Context, alertID int64, event *models.AlertEvent) (*models.AlertEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin resolve of alert %d: %w", alertID, err)
	}

	id, err := s.insertEvent(ctx, tx, event)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	res, err := tx.ExecContext(ctx, s.rebind("DELETE FROM alert WHERE id = ?"), alertID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("failed to delete alert %d: %w", alertID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		tx.Rollback()
		return nil, ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit resolve of alert %d: %w", alertID, err)
	}

	stored := *event
	stored.ID = id
	return &stored, nil
}

type execQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *Store) insertEvent(ctx context.Context, q execQuerier, event *models.AlertEvent) (int64, error) {
	var recovery interface{}
	if event.RecoveryValue != nil {
		recovery = *event.RecoveryValue
	}
	var id int64
	err := q.QueryRowContext(ctx, s.rebind(`INSERT INTO alert_event (rule_id, rule_snapshot, service_type,
		channel_id, data_type, point_id, rule_name, warning_level, operator, threshold_value, trigger_value,
		recovery_value, event_type, resolve_reason, triggered_at, recovered_at, duration)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		event.RuleID, event.RuleSnapshot, event.ServiceType, event.ChannelID, event.DataType, event.PointID,
		event.RuleName, int(event.WarningLevel), string(event.Operator), event.ThresholdValue, event.TriggerValue, recovery,
		string(event.EventType), event.ResolveReason, event.TriggeredAt, event.RecoveredAt, event.Duration).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create alert event for rule %d: %w", event.RuleID, err)
	}
	return id, nil
}

// CreateAlertEvent appends a standalone event
func (s *Store) CreateAlertEvent(ctx context.Context, event *models.AlertEvent) (*models.AlertEvent, error) {
	id, err := s.insertEvent(ctx, s.db, event)
	if err != nil {
		return nil, err
	}
	stored := *event
	stored.ID = id
	return &stored, nil
}

func alertWhere(filter models.AlertFilter) *where {
	w := &where{}
	w.add("status = ?", string(models.AlertStatusActive))
	w.keyword(filter.Keyword, "rule_name", "CAST(channel_id AS TEXT)", "CAST(point_id AS TEXT)")
	if filter.ServiceType != "" {
		w.add("service_type = ?", filter.ServiceType)
	}
	if filter.WarningLevel != nil {
		w.add("warning_level = ?", int(*filter.WarningLevel))
	}
	if filter.TriggeredAfter != nil {
		w.add("triggered_at >= ?", filter.TriggeredAfter.Unix())
	}
	if filter.TriggeredBefore != nil {
		w.add("triggered_at <= ?", filter.TriggeredBefore.Unix())
	}
	return w
}

// SearchAlerts returns one page of active alerts, most severe and most recent first
func (s *Store) SearchAlerts(ctx context.Context, filter models.AlertFilter) (*models.Page[*models.Alert], error) {
	w := alertWhere(filter)
	total, err := s.count(ctx, "alert", w)
	if err != nil {
		return nil, err
	}

	page, size := models.NormalizePage(filter.Page, filter.PageSize)
	args := append(w.args, size, (page-1)*size)
	alerts, err := s.queryAlerts(ctx, "SELECT "+alertColumns+" FROM alert WHERE "+w.String()+
		" ORDER BY warning_level DESC, triggered_at DESC, id DESC LIMIT ? OFFSET ?", args...)
	if err != nil {
		return nil, err
	}
	return &models.Page[*models.Alert]{Total: total, Page: page, PageSize: size, List: alerts}, nil
}

// CountActiveAlerts returns the size of the active set
func (s *Store) CountActiveAlerts(ctx context.Context) (int64, error) {
	return s.count(ctx, "alert", alertWhere(models.AlertFilter{}))
}

// CountActiveAlertsByLevel returns the active set size per warning level
func (s *Store) CountActiveAlertsByLevel(ctx context.Context) (map[models.WarningLevel]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind("SELECT warning_level, COUNT(*) FROM alert WHERE status = ? GROUP BY warning_level"),
		string(models.AlertStatusActive))
	if err != nil {
		return nil, fmt.Errorf("failed to count alerts by level: %w", err)
	}
	defer rows.Close()

	counts := map[models.WarningLevel]int64{
		models.WarningLevelLow:    0,
		models.WarningLevelMedium: 0,
		models.WarningLevelHigh:   0,
	}
	for rows.Next() {
		var level models.WarningLevel
		var n int64
		if err := rows.Scan(&level, &n); err != nil {
			return nil, fmt.Errorf("failed to scan alert count: %w", err)
		}
		counts[level] = n
	}
	return counts, rows.Err()
}

func eventWhere(filter models.EventFilter) *where {
	w := &where{}
	w.keyword(filter.Keyword, "rule_name", "CAST(channel_id AS TEXT)", "CAST(point_id AS TEXT)")
	if filter.ServiceType != "" {
		w.add("service_type = ?", filter.ServiceType)
	}
	if filter.WarningLevel != nil {
		w.add("warning_level = ?", int(*filter.WarningLevel))
	}
	if filter.EventType == models.EventTypeTrigger || filter.EventType == models.EventTypeRecovery {
		w.add("event_type = ?", string(filter.EventType))
	}
	if filter.RuleID != nil {
		w.add("rule_id = ?", *filter.RuleID)
	}
	if filter.TriggeredAfter != nil {
		w.add("triggered_at >= ?", filter.TriggeredAfter.Unix())
	}
	if filter.TriggeredBefore != nil {
		w.add("triggered_at <= ?", filter.TriggeredBefore.Unix())
	}
	return w
}

// SearchEvents returns one page of history, most recent trigger first
func (s *Store) SearchEvents(ctx context.Context, filter models.EventFilter) (*models.Page[*models.AlertEvent], error) {
	w := eventWhere(filter)
	total, err := s.count(ctx, "alert_event", w)
	if err != nil {
		return nil, err
	}

	page, size := models.NormalizePage(filter.Page, filter.PageSize)
	args := append(w.args, size, (page-1)*size)
	events, err := s.queryEvents(ctx, "SELECT "+eventColumns+" FROM alert_event WHERE "+w.String()+
		" ORDER BY triggered_at DESC, id DESC LIMIT ? OFFSET ?", args...)
	if err != nil {
		return nil, err
	}
	return &models.Page[*models.AlertEvent]{Total: total, Page: page, PageSize: size, List: events}, nil
}

// ListEvents returns every event matching the filter, ignoring pagination
func (s *Store) ListEvents(ctx context.Context, filter models.EventFilter) ([]*models.AlertEvent, error) {
	w := eventWhere(filter)
	return s.queryEvents(ctx, "SELECT "+eventColumns+" FROM alert_event WHERE "+w.String()+
		" ORDER BY triggered_at DESC, id DESC", w.args...)
}

// CountEventsRecoveredSince counts recoveries at or after since
func (s *Store) CountEventsRecoveredSince(ctx context.Context, since time.Time) (int64, error) {
	w := &where{}
	w.add("event_type = ?", string(models.EventTypeRecovery))
	w.add("recovered_at >= ?", since.Unix())
	return s.count(ctx, "alert_event", w)
}
