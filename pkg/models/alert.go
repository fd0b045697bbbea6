package models

import (
	"encoding/json"
	"time"
)

// AlertStatus is the status of an active alert row
type AlertStatus string

const AlertStatusActive AlertStatus = "active"

// EventType classifies a historical alert event
type EventType string

const (
	EventTypeTrigger  EventType = "trigger"
	EventTypeRecovery EventType = "recovery"
)

// Resolve reasons recorded on forced resolutions
const (
	ResolveReasonRuleDisabled = "rule disabled"
	ResolveReasonRuleDeleted  = "rule deleted"
)

// RuleSnapshot is the rule policy frozen at trigger time
type RuleSnapshot struct {
	RuleName     string       `json:"rule_name"`
	WarningLevel WarningLevel `json:"warning_level"`
	Operator     Operator     `json:"operator"`
	Value        float64      `json:"value"`
	Description  string       `json:"description"`
}

// NewRuleSnapshot serializes the policy fields of a rule
func NewRuleSnapshot(rule *AlertRule) string {
	b, _ := json.Marshal(RuleSnapshot{
		RuleName:     rule.RuleName,
		WarningLevel: rule.WarningLevel,
		Operator:     rule.Operator,
		Value:        rule.Value,
		Description:  rule.Description,
	})
	return string(b)
}

// Alert is the live record of a currently triggered rule
type Alert struct {
	ID             int64        `json:"id"`
	RuleID         int64        `json:"rule_id"`
	RuleSnapshot   string       `json:"rule_snapshot"`
	ServiceType    string       `json:"service_type"`
	ChannelID      int64        `json:"channel_id"`
	DataType       string       `json:"data_type"`
	PointID        int64        `json:"point_id"`
	RuleName       string       `json:"rule_name"`
	WarningLevel   WarningLevel `json:"warning_level"`
	Operator       Operator     `json:"operator"`
	ThresholdValue float64      `json:"threshold_value"`
	CurrentValue   float64      `json:"current_value"`
	Status         AlertStatus  `json:"status"`
	TriggeredAt    int64        `json:"triggered_at"` // epoch seconds
}

// NewAlert builds an unsaved active alert for a rule and its triggering sample
func NewAlert(rule *AlertRule, sample float64, now time.Time) *Alert {
	return &Alert{
		RuleID:         rule.ID,
		RuleSnapshot:   NewRuleSnapshot(rule),
		ServiceType:    rule.ServiceType,
		ChannelID:      rule.ChannelID,
		DataType:       rule.DataType,
		PointID:        rule.PointID,
		RuleName:       rule.RuleName,
		WarningLevel:   rule.WarningLevel,
		Operator:       rule.Operator,
		ThresholdValue: rule.Value,
		CurrentValue:   sample,
		Status:         AlertStatusActive,
		TriggeredAt:    now.Unix(),
	}
}

// AlertEvent is an immutable record of one trigger-to-recovery episode
type AlertEvent struct {
	ID             int64        `json:"id"`
	RuleID         int64        `json:"rule_id"`
	RuleSnapshot   string       `json:"rule_snapshot"`
	ServiceType    string       `json:"service_type"`
	ChannelID      int64        `json:"channel_id"`
	DataType       string       `json:"data_type"`
	PointID        int64        `json:"point_id"`
	RuleName       string       `json:"rule_name"`
	WarningLevel   WarningLevel `json:"warning_level"`
	Operator       Operator     `json:"operator"`
	ThresholdValue float64      `json:"threshold_value"`
	TriggerValue   float64      `json:"trigger_value"`
	RecoveryValue  *float64     `json:"recovery_value"`
	EventType      EventType    `json:"event_type"`
	ResolveReason  string       `json:"resolve_reason,omitempty"`
	TriggeredAt    int64        `json:"triggered_at"`
	RecoveredAt    int64        `json:"recovered_at"`
	Duration       int64        `json:"duration"`
}

// NewRecoveryEvent derives the recovery event of an alert resolved at now.
// A nil recoveryValue marks a forced resolution.
func NewRecoveryEvent(alert *Alert, recoveryValue *float64, reason string, now time.Time) *AlertEvent {
	recoveredAt := now.Unix()
	return &AlertEvent{
		RuleID:         alert.RuleID,
		RuleSnapshot:   alert.RuleSnapshot,
		ServiceType:    alert.ServiceType,
		ChannelID:      alert.ChannelID,
		DataType:       alert.DataType,
		PointID:        alert.PointID,
		RuleName:       alert.RuleName,
		WarningLevel:   alert.WarningLevel,
		Operator:       alert.Operator,
		ThresholdValue: alert.ThresholdValue,
		TriggerValue:   alert.CurrentValue,
		RecoveryValue:  recoveryValue,
		EventType:      EventTypeRecovery,
		ResolveReason:  reason,
		TriggeredAt:    alert.TriggeredAt,
		RecoveredAt:    recoveredAt,
		Duration:       recoveredAt - alert.TriggeredAt,
	}
}

// AlertFilter narrows an active-alert search
type AlertFilter struct {
	Keyword         string
	WarningLevel    *WarningLevel
	ServiceType     string
	TriggeredAfter  *time.Time
	TriggeredBefore *time.Time
	Page            int
	PageSize        int
}

// EventFilter narrows an event history search
type EventFilter struct {
	Keyword         string
	WarningLevel    *WarningLevel
	ServiceType     string
	EventType       EventType
	RuleID          *int64
	TriggeredAfter  *time.Time
	TriggeredBefore *time.Time
	Page            int
	PageSize        int
}

// AlertStatistics summarizes the active set and today's recoveries
type AlertStatistics struct {
	ActiveCount    int64                  `json:"active_count"`
	ActiveByLevel  map[WarningLevel]int64 `json:"active_by_level"`
	RecoveredToday int64                  `json:"recovered_today"`
}
