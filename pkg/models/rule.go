package models

import (
	"fmt"
	"strings"
	"time"
)

// Operator is the comparison applied between a sample and a rule threshold
type Operator string

const (
	OperatorGreaterThan  Operator = ">"
	OperatorLessThan     Operator = "<"
	OperatorGreaterEqual Operator = ">="
	OperatorLessEqual    Operator = "<="
	OperatorEqual        Operator = "=="
	OperatorNotEqual     Operator = "!="
)

// Operators lists every supported operator
var Operators = []Operator{
	OperatorGreaterThan,
	OperatorLessThan,
	OperatorGreaterEqual,
	OperatorLessEqual,
	OperatorEqual,
	OperatorNotEqual,
}

// Valid reports whether the operator is one of the closed set
func (o Operator) Valid() bool {
	switch o {
	case OperatorGreaterThan, OperatorLessThan, OperatorGreaterEqual,
		OperatorLessEqual, OperatorEqual, OperatorNotEqual:
		return true
	}
	return false
}

// WarningLevel represents the severity of a rule, 1 (low) to 3 (high)
type WarningLevel int

const (
	WarningLevelLow    WarningLevel = 1
	WarningLevelMedium WarningLevel = 2
	WarningLevelHigh   WarningLevel = 3
)

// Valid reports whether the level is within 1..3
func (l WarningLevel) Valid() bool {
	return l >= WarningLevelLow && l <= WarningLevelHigh
}

// ServiceTypes lists the services that publish points into the value source
var ServiceTypes = []string{"comsrv", "rulesrv", "modsrv", "alarmsrv", "hissrv", "netsrv"}

// DataTypes lists point categories: telemetry, signal, control, adjustment
var DataTypes = []string{"T", "S", "C", "A"}

// AlertRule represents a threshold policy bound to one point
type AlertRule struct {
	ID           int64        `json:"id"`
	ServiceType  string       `json:"service_type"`
	ChannelID    int64        `json:"channel_id"`
	DataType     string       `json:"data_type"`
	PointID      int64        `json:"point_id"`
	RuleName     string       `json:"rule_name"`
	WarningLevel WarningLevel `json:"warning_level"`
	Operator     Operator     `json:"operator"`
	Value        float64      `json:"value"`
	Enabled      bool         `json:"enabled"`
	Description  string       `json:"description"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// ValueKey returns the hash key holding this rule's point
func (r *AlertRule) ValueKey() string {
	return fmt.Sprintf("%s:%d:%s", r.ServiceType, r.ChannelID, r.DataType)
}

// ValueField returns the hash field holding this rule's point
func (r *AlertRule) ValueField() string {
	return fmt.Sprintf("%d", r.PointID)
}

// Validate checks every field of the rule and returns the first violation
func (r *AlertRule) Validate() error {
	if strings.TrimSpace(r.ServiceType) == "" || !contains(ServiceTypes, r.ServiceType) {
		return &ValidationError{Field: "service_type", Message: fmt.Sprintf("must be one of %s", strings.Join(ServiceTypes, ", "))}
	}
	if r.ChannelID <= 0 {
		return &ValidationError{Field: "channel_id", Message: "must be greater than 0"}
	}
	if !contains(DataTypes, r.DataType) {
		return &ValidationError{Field: "data_type", Message: fmt.Sprintf("must be one of %s", strings.Join(DataTypes, ", "))}
	}
	if r.PointID <= 0 {
		return &ValidationError{Field: "point_id", Message: "must be greater than 0"}
	}
	if strings.TrimSpace(r.RuleName) == "" {
		return &ValidationError{Field: "rule_name", Message: "must not be empty"}
	}
	if !r.WarningLevel.Valid() {
		return &ValidationError{Field: "warning_level", Message: "must be 1, 2 or 3"}
	}
	if !r.Operator.Valid() {
		return &ValidationError{Field: "operator", Message: fmt.Sprintf("unsupported operator %q", r.Operator)}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// CreateRuleRequest represents the request payload for creating a rule
type CreateRuleRequest struct {
	ServiceType  string        `json:"service_type"`
	ChannelID    *int64        `json:"channel_id"`
	DataType     string        `json:"data_type"`
	PointID      *int64        `json:"point_id"`
	RuleName     string        `json:"rule_name"`
	WarningLevel *WarningLevel `json:"warning_level"`
	Operator     Operator      `json:"operator"`
	Value        *float64      `json:"value"`
	Enabled      *bool         `json:"enabled,omitempty"`
	Description  string        `json:"description"`
}

// ToRule checks required fields and builds an unsaved rule
func (req *CreateRuleRequest) ToRule() (*AlertRule, error) {
	switch {
	case req.ChannelID == nil:
		return nil, &ValidationError{Field: "channel_id", Message: "is required"}
	case req.DataType == "":
		return nil, &ValidationError{Field: "data_type", Message: "is required"}
	case req.PointID == nil:
		return nil, &ValidationError{Field: "point_id", Message: "is required"}
	case req.RuleName == "":
		return nil, &ValidationError{Field: "rule_name", Message: "is required"}
	case req.WarningLevel == nil:
		return nil, &ValidationError{Field: "warning_level", Message: "is required"}
	case req.Operator == "":
		return nil, &ValidationError{Field: "operator", Message: "is required"}
	case req.Value == nil:
		return nil, &ValidationError{Field: "value", Message: "is required"}
	}

	rule := &AlertRule{
		ServiceType:  req.ServiceType,
		ChannelID:    *req.ChannelID,
		DataType:     req.DataType,
		PointID:      *req.PointID,
		RuleName:     req.RuleName,
		WarningLevel: *req.WarningLevel,
		Operator:     req.Operator,
		Value:        *req.Value,
		Enabled:      true,
		Description:  req.Description,
	}
	if rule.ServiceType == "" {
		rule.ServiceType = "comsrv"
	}
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	return rule, rule.Validate()
}

// UpdateRuleRequest represents the request payload for updating a rule
type UpdateRuleRequest struct {
	ServiceType  *string       `json:"service_type,omitempty"`
	ChannelID    *int64        `json:"channel_id,omitempty"`
	DataType     *string       `json:"data_type,omitempty"`
	PointID      *int64        `json:"point_id,omitempty"`
	RuleName     *string       `json:"rule_name,omitempty"`
	WarningLevel *WarningLevel `json:"warning_level,omitempty"`
	Operator     *Operator     `json:"operator,omitempty"`
	Value        *float64      `json:"value,omitempty"`
	Enabled      *bool         `json:"enabled,omitempty"`
	Description  *string       `json:"description,omitempty"`
}

// Apply copies every set field onto the rule
func (req *UpdateRuleRequest) Apply(rule *AlertRule) {
	if req.ServiceType != nil {
		rule.ServiceType = *req.ServiceType
	}
	if req.ChannelID != nil {
		rule.ChannelID = *req.ChannelID
	}
	if req.DataType != nil {
		rule.DataType = *req.DataType
	}
	if req.PointID != nil {
		rule.PointID = *req.PointID
	}
	if req.RuleName != nil {
		rule.RuleName = *req.RuleName
	}
	if req.WarningLevel != nil {
		rule.WarningLevel = *req.WarningLevel
	}
	if req.Operator != nil {
		rule.Operator = *req.Operator
	}
	if req.Value != nil {
		rule.Value = *req.Value
	}
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	if req.Description != nil {
		rule.Description = *req.Description
	}
}

// RuleFilter narrows a rule search
type RuleFilter struct {
	Keyword       string
	ServiceType   string
	WarningLevel  *WarningLevel
	Enabled       *bool
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Page          int
	PageSize      int
}
