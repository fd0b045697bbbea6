package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/timeplus-io/tp-alarm-monitor/pkg/models"
	"github.com/timeplus-io/tp-alarm-monitor/pkg/store"
)

// ErrRuleNotFound is returned when a rule id matches nothing
var ErrRuleNotFound = errors.New("rule not found")

const ruleHookTimeout = 30 * time.Second

// RuleChangeListener is told about rule mutations so it can resolve
// alerts that no longer have an enabled rule behind them
type RuleChangeListener interface {
	OnRuleUpdated(ctx context.Context, ruleID int64) error
	OnRuleDeleted(ctx context.Context, ruleID int64) error
}

// RuleService manages rule definitions
type RuleService struct {
	store    store.RuleStore
	listener RuleChangeListener

	mu     sync.Mutex
	closed bool
	hooks  sync.WaitGroup
}

// NewRuleService creates a new rule service. listener may be nil.
func NewRuleService(ruleStore store.RuleStore, listener RuleChangeListener) *RuleService {
	return &RuleService{store: ruleStore, listener: listener}
}

// CreateRule validates and stores a new rule
func (s *RuleService) CreateRule(ctx context.Context, req *models.CreateRuleRequest) (*models.AlertRule, error) {
	rule, err := req.ToRule()
	if err != nil {
		return nil, err
	}

	created, err := s.store.CreateRule(ctx, rule)
	if err != nil {
		return nil, fmt.Errorf("failed to create rule: %w", err)
	}

	logrus.Infof("Created rule %d (%s) on %s:%s", created.ID, created.RuleName, created.ValueKey(), created.ValueField())
	return created, nil
}

// GetRule returns a rule by id
func (s *RuleService) GetRule(ctx context.Context, id int64) (*models.AlertRule, error) {
	rule, err := s.store.GetRule(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

// SearchRules returns a page of rules, newest first
func (s *RuleService) SearchRules(ctx context.Context, filter models.RuleFilter) (*models.Page[*models.AlertRule], error) {
	return s.store.SearchRules(ctx, filter)
}

// GetRulesByChannel lists a channel's rules, optionally narrowed to one service
func (s *RuleService) GetRulesByChannel(ctx context.Context, channelID int64, serviceType string) ([]*models.AlertRule, error) {
	if channelID <= 0 {
		return nil, &models.ValidationError{Field: "channel_id", Message: "must be greater than 0"}
	}
	return s.store.GetRulesByChannel(ctx, channelID, serviceType)
}

// UpdateRule applies a partial update. The new policy is evaluated on the
// next tick; a disable resolves the rule's alert right away.
func (s *RuleService) UpdateRule(ctx context.Context, id int64, req *models.UpdateRuleRequest) (*models.AlertRule, error) {
	rule, err := s.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}

	req.Apply(rule)
	if err := rule.Validate(); err != nil {
		return nil, err
	}

	if err := s.store.UpdateRule(ctx, rule); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrRuleNotFound
		}
		return nil, fmt.Errorf("failed to update rule: %w", err)
	}

	s.notify(rule.ID, false)
	return rule, nil
}

// DeleteRule removes a rule and resolves its alerts
func (s *RuleService) DeleteRule(ctx context.Context, id int64) error {
	if err := s.store.DeleteRule(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrRuleNotFound
		}
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	logrus.Infof("Deleted rule %d", id)
	s.notify(id, true)
	return nil
}

// EnableRule turns a rule on
func (s *RuleService) EnableRule(ctx context.Context, id int64) (*models.AlertRule, error) {
	return s.setEnabled(ctx, id, true)
}

// DisableRule turns a rule off and resolves its alert
func (s *RuleService) DisableRule(ctx context.Context, id int64) (*models.AlertRule, error) {
	return s.setEnabled(ctx, id, false)
}

func (s *RuleService) setEnabled(ctx context.Context, id int64, enabled bool) (*models.AlertRule, error) {
	if err := s.store.SetRuleEnabled(ctx, id, enabled); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrRuleNotFound
		}
		return nil, fmt.Errorf("failed to set rule enabled=%t: %w", enabled, err)
	}

	s.notify(id, false)
	return s.GetRule(ctx, id)
}

// CountRules returns the total and enabled rule counts
func (s *RuleService) CountRules(ctx context.Context) (int64, int64, error) {
	return s.store.CountRules(ctx)
}

// notify runs the change hook in the background so the caller never waits on it
func (s *RuleService) notify(ruleID int64, deleted bool) {
	if s.listener == nil {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		logrus.Warnf("Rule change hook for rule %d dropped: rule service closed", ruleID)
		return
	}
	s.hooks.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.hooks.Done()

		// detached from the request context, which ends when the response is written
		ctx, cancel := context.WithTimeout(context.Background(), ruleHookTimeout)
		defer cancel()

		var err error
		if deleted {
			err = s.listener.OnRuleDeleted(ctx, ruleID)
		} else {
			err = s.listener.OnRuleUpdated(ctx, ruleID)
		}
		if err != nil {
			logrus.Errorf("Rule change hook failed for rule %d: %v", ruleID, err)
		}
	}()
}

// Wait blocks until every dispatched change hook has returned
func (s *RuleService) Wait() {
	s.hooks.Wait()
}

// Close stops dispatching change hooks and waits for the ones in flight.
// Rule mutations still succeed afterwards; their hooks are dropped and the
// next reconcile pass picks up the change.
func (s *RuleService) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.hooks.Wait()
}
