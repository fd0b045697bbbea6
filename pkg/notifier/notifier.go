package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/timeplus-io/tp-alarm-monitor/pkg/config"
	"github.com/timeplus-io/tp-alarm-monitor/pkg/metrics"
	"github.com/timeplus-io/tp-alarm-monitor/pkg/models"
)

// SinkResult is the outcome of one delivery attempt
type SinkResult struct {
	Sink     string
	Success  bool
	Detail   string
	Err      error
	Duration time.Duration
}

// Notifier fans notifications out to every configured sink.
// Delivery is best-effort: no retry, no queue.
type Notifier struct {
	sinks   []Sink
	timeout time.Duration
	now     func() time.Time
}

// New creates a notifier over the given sinks
func New(timeout time.Duration, sinks ...Sink) *Notifier {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Notifier{sinks: sinks, timeout: timeout, now: time.Now}
}

// NewFromConfig builds the sinks named in the configuration.
// Sinks that cannot be created are logged and skipped.
func NewFromConfig(cfg config.NotifierConfig) *Notifier {
	sinks := make([]Sink, 0, len(cfg.Sinks)+2)
	for _, url := range cfg.Sinks {
		if url == "" {
			continue
		}
		sinks = append(sinks, NewHTTPSink(url, cfg.Timeout))
	}
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Topic != "" {
		sinks = append(sinks, NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Timeout))
	}
	if cfg.NATS.URL != "" {
		natsSink, err := NewNATSSink(cfg.NATS.URL, cfg.NATS.Subject, cfg.Timeout)
		if err != nil {
			logrus.Warnf("NATS sink disabled: %v", err)
		} else {
			sinks = append(sinks, natsSink)
		}
	}

	for _, s := range sinks {
		logrus.Infof("Notification sink configured: %s", s.Name())
	}
	if len(sinks) == 0 {
		logrus.Warn("No notification sinks configured, broadcasts will be dropped")
	}
	return New(cfg.Timeout, sinks...)
}

// SinkNames lists the configured sinks
func (n *Notifier) SinkNames() []string {
	names := make([]string, len(n.sinks))
	for i, s := range n.sinks {
		names[i] = s.Name()
	}
	return names
}

// Broadcast sends the notification to every sink concurrently and waits
// for all of them, each bounded by its own timeout. One sink failing
// never affects the others.
func (n *Notifier) Broadcast(ctx context.Context, notification models.Notification) []SinkResult {
	if notification.ID == "" {
		notification.ID = uuid.New().String()
	}
	if notification.Timestamp == 0 {
		notification.Timestamp = n.now().Unix()
	}

	payload, err := json.Marshal(notification)
	if err != nil {
		logrus.Errorf("Failed to marshal %s notification: %v", notification.Type, err)
		return nil
	}

	results := make([]SinkResult, len(n.sinks))
	var wg sync.WaitGroup
	for i, sink := range n.sinks {
		wg.Add(1)
		go func(i int, sink Sink) {
			defer wg.Done()
			results[i] = n.deliver(ctx, sink, notification.Type, payload)
		}(i, sink)
	}
	wg.Wait()

	for _, r := range results {
		fields := logrus.Fields{
			"sink":     r.Sink,
			"type":     notification.Type,
			"id":       notification.ID,
			"success":  r.Success,
			"duration": r.Duration.String(),
		}
		if r.Detail != "" {
			fields["response"] = r.Detail
		}
		if r.Success {
			logrus.WithFields(fields).Debug("Notification delivered")
		} else {
			logrus.WithFields(fields).WithError(r.Err).Warn("Notification delivery failed")
		}
	}
	return results
}

func (n *Notifier) deliver(ctx context.Context, sink Sink, kind string, payload []byte) (result SinkResult) {
	result.Sink = sink.Name()
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.Err = fmt.Errorf("sink panicked: %v", r)
		}
		result.Duration = time.Since(start)
		outcome := "success"
		if !result.Success {
			outcome = "failure"
		}
		metrics.NotificationsTotal.WithLabelValues(result.Sink, kind, outcome).Inc()
		metrics.NotificationDuration.WithLabelValues(result.Sink).Observe(result.Duration.Seconds())
	}()

	sendCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	detail, err := sink.Send(sendCtx, kind, payload)
	result.Detail = detail
	result.Err = err
	result.Success = err == nil
	return result
}

// NotifyTriggered broadcasts a trigger for a freshly created alert
func (n *Notifier) NotifyTriggered(ctx context.Context, alert *models.Alert) []SinkResult {
	value := alert.CurrentValue
	return n.Broadcast(ctx, models.Notification{
		Type: models.NotificationAlarm,
		Data: models.AlarmData{
			Status:      models.AlarmStatusTriggered,
			RuleID:      alert.RuleID,
			ServiceType: alert.ServiceType,
			ChannelID:   alert.ChannelID,
			DataType:    alert.DataType,
			PointID:     alert.PointID,
			Level:       alert.WarningLevel,
			Value:       &value,
			Message: fmt.Sprintf("%s triggered: value %s %s %s", alert.RuleName,
				formatValue(value), alert.Operator, formatValue(alert.ThresholdValue)),
		},
	})
}

// NotifyRecovered broadcasts a recovery for a resolved alert
func (n *Notifier) NotifyRecovered(ctx context.Context, event *models.AlertEvent) []SinkResult {
	msg := fmt.Sprintf("%s recovered", event.RuleName)
	if event.RecoveryValue != nil {
		msg = fmt.Sprintf("%s recovered: value %s", event.RuleName, formatValue(*event.RecoveryValue))
	} else if event.ResolveReason != "" {
		msg = fmt.Sprintf("%s recovered: %s", event.RuleName, event.ResolveReason)
	}
	return n.Broadcast(ctx, models.Notification{
		Type: models.NotificationAlarm,
		Data: models.AlarmData{
			Status:      models.AlarmStatusRecovered,
			RuleID:      event.RuleID,
			ServiceType: event.ServiceType,
			ChannelID:   event.ChannelID,
			DataType:    event.DataType,
			PointID:     event.PointID,
			Level:       event.WarningLevel,
			Value:       event.RecoveryValue,
			Message:     msg,
		},
	})
}

// NotifyCount broadcasts an active-count snapshot
func (n *Notifier) NotifyCount(ctx context.Context, count int64) []SinkResult {
	return n.Broadcast(ctx, models.Notification{
		Type: models.NotificationAlarmNum,
		Data: models.AlarmNumData{Count: count},
	})
}

// Close releases every sink
func (n *Notifier) Close() {
	for _, s := range n.sinks {
		if err := s.Close(); err != nil {
			logrus.Warnf("Error closing sink %s: %v", s.Name(), err)
		}
	}
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
