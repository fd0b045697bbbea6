package models

// Notification types carried in the envelope
const (
	NotificationAlarm    = "alarm"
	NotificationAlarmNum = "alarm_num"
)

// Alarm status values in the alarm payload
const (
	AlarmStatusRecovered = 0
	AlarmStatusTriggered = 1
)

// Notification is the envelope posted to every sink
type Notification struct {
	Type      string      `json:"type"`
	ID        string      `json:"id"`
	Timestamp int64       `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// AlarmData is the body of a trigger or recovery notification
type AlarmData struct {
	Status      int          `json:"status"`
	RuleID      int64        `json:"rule_id"`
	ServiceType string       `json:"service_type"`
	ChannelID   int64        `json:"channel_id"`
	DataType    string       `json:"data_type"`
	PointID     int64        `json:"point_id"`
	Level       WarningLevel `json:"level"`
	Value       *float64     `json:"value"`
	Message     string       `json:"message"`
}

// AlarmNumData is the body of an active-count snapshot
type AlarmNumData struct {
	Count int64 `json:"count"`
}
