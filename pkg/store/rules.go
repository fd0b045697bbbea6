package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/timeplus-io/tp-alarm-monitor/pkg/models"
)

const ruleColumns = `id, service_type, channel_id, data_type, point_id, rule_name, warning_level,
	operator, value, enabled, description, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (*models.AlertRule, error) {
	var r models.AlertRule
	var createdAt, updatedAt int64
	err := row.Scan(&r.ID, &r.ServiceType, &r.ChannelID, &r.DataType, &r.PointID, &r.RuleName,
		&r.WarningLevel, &r.Operator, &r.Value, &r.Enabled, &r.Description, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	r.CreatedAt = time.Unix(createdAt, 0)
	r.UpdatedAt = time.Unix(updatedAt, 0)
	return &r, nil
}

func (s *Store) queryRules(ctx context.Context, query string, args ...interface{}) ([]*models.AlertRule, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	rules := make([]*models.AlertRule, 0)
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// CreateRule inserts a new rule and returns it with its id and timestamps
func (s *Store) CreateRule(ctx context.Context, rule *models.AlertRule) (*models.AlertRule, error) {
	now := s.now().Truncate(time.Second)
	query := s.rebind(`INSERT INTO alert_rule (service_type, channel_id, data_type, point_id, rule_name,
		warning_level, operator, value, enabled, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`)

	var id int64
	err := s.db.QueryRowContext(ctx, query, rule.ServiceType, rule.ChannelID, rule.DataType, rule.PointID,
		rule.RuleName, int(rule.WarningLevel), string(rule.Operator), rule.Value, rule.Enabled, rule.Description,
		now.Unix(), now.Unix()).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateRule
		}
		return nil, fmt.Errorf("failed to create rule: %w", err)
	}

	created := *rule
	created.ID = id
	created.CreatedAt = now
	created.UpdatedAt = now
	return &created, nil
}

// GetRule returns a rule by id
func (s *Store) GetRule(ctx context.Context, id int64) (*models.AlertRule, error) {
	row := s.db.QueryRowContext(ctx, s.rebind("SELECT "+ruleColumns+" FROM alert_rule WHERE id = ?"), id)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule %d: %w", id, err)
	}
	return rule, nil
}

// GetEnabledRules returns every enabled rule
func (s *Store) GetEnabledRules(ctx context.Context) ([]*models.AlertRule, error) {
	return s.queryRules(ctx, "SELECT "+ruleColumns+" FROM alert_rule WHERE enabled = ? ORDER BY id", true)
}

// GetRulesByChannel returns the rules of a channel, optionally narrowed to one service
func (s *Store) GetRulesByChannel(ctx context.Context, channelID int64, serviceType string) ([]*models.AlertRule, error) {
	w := &where{}
	w.add("channel_id = ?", channelID)
	if serviceType != "" {
		w.add("service_type = ?", serviceType)
	}
	return s.queryRules(ctx, "SELECT "+ruleColumns+" FROM alert_rule WHERE "+w.String()+" ORDER BY point_id, id", w.args...)
}

// GetRulesByPoint returns every rule watching the given point
func (s *Store) GetRulesByPoint(ctx context.Context, serviceType string, channelID int64, dataType string, pointID int64) ([]*models.AlertRule, error) {
	return s.queryRules(ctx, "SELECT "+ruleColumns+` FROM alert_rule
		WHERE service_type = ? AND channel_id = ? AND data_type = ? AND point_id = ? ORDER BY id`,
		serviceType, channelID, dataType, pointID)
}

// UpdateRule overwrites every mutable column of the rule
func (s *Store) UpdateRule(ctx context.Context, rule *models.AlertRule) error {
	now := s.now().Truncate(time.Second)
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE alert_rule SET service_type = ?, channel_id = ?,
		data_type = ?, point_id = ?, rule_name = ?, warning_level = ?, operator = ?, value = ?,
		enabled = ?, description = ?, updated_at = ? WHERE id = ?`),
		rule.ServiceType, rule.ChannelID, rule.DataType, rule.PointID, rule.RuleName, int(rule.WarningLevel),
		string(rule.Operator), rule.Value, rule.Enabled, rule.Description, now.Unix(), rule.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateRule
		}
		return fmt.Errorf("failed to update rule %d: %w", rule.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	rule.UpdatedAt = now
	return nil
}

// DeleteRule removes a rule. Alerts and events of the rule are left to the caller.
func (s *Store) DeleteRule(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM alert_rule WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("failed to delete rule %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRuleEnabled flips the enabled flag
func (s *Store) SetRuleEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := s.db.ExecContext(ctx, s.rebind("UPDATE alert_rule SET enabled = ?, updated_at = ? WHERE id = ?"),
		enabled, s.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to set enabled on rule %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SearchRules returns one page of rules ordered by creation time, newest first
func (s *Store) SearchRules(ctx context.Context, filter models.RuleFilter) (*models.Page[*models.AlertRule], error) {
	w := &where{}
	w.keyword(filter.Keyword, "rule_name", "description", "CAST(channel_id AS TEXT)", "CAST(point_id AS TEXT)")
	if filter.ServiceType != "" {
		w.add("service_type = ?", filter.ServiceType)
	}
	if filter.WarningLevel != nil {
		w.add("warning_level = ?", int(*filter.WarningLevel))
	}
	if filter.Enabled != nil {
		w.add("enabled = ?", *filter.Enabled)
	}
	if filter.CreatedAfter != nil {
		w.add("created_at >= ?", filter.CreatedAfter.Unix())
	}
	if filter.CreatedBefore != nil {
		w.add("created_at <= ?", filter.CreatedBefore.Unix())
	}

	total, err := s.count(ctx, "alert_rule", w)
	if err != nil {
		return nil, err
	}

	page, size := models.NormalizePage(filter.Page, filter.PageSize)
	args := append(w.args, size, (page-1)*size)
	rules, err := s.queryRules(ctx, "SELECT "+ruleColumns+" FROM alert_rule WHERE "+w.String()+
		" ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?", args...)
	if err != nil {
		return nil, err
	}
	return &models.Page[*models.AlertRule]{Total: total, Page: page, PageSize: size, List: rules}, nil
}

// CountRules returns the total and enabled rule counts
func (s *Store) CountRules(ctx context.Context) (int64, int64, error) {
	total, err := s.count(ctx, "alert_rule", &where{})
	if err != nil {
		return 0, 0, err
	}
	w := &where{}
	w.add("enabled = ?", true)
	enabled, err := s.count(ctx, "alert_rule", w)
	if err != nil {
		return 0, 0, err
	}
	return total, enabled, nil
}
