package services

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/timeplus-io/tp-alarm-monitor/pkg/config"
	"github.com/timeplus-io/tp-alarm-monitor/pkg/metrics"
	"github.com/timeplus-io/tp-alarm-monitor/pkg/models"
	"github.com/timeplus-io/tp-alarm-monitor/pkg/notifier"
	"github.com/timeplus-io/tp-alarm-monitor/pkg/store"
	"github.com/timeplus-io/tp-alarm-monitor/pkg/valuesource"
)

var (
	ErrMonitorRunning = errors.New("alert monitor is already running")
	ErrMonitorStopped = errors.New("alert monitor has been shut down")
	ErrRuleDisabled   = errors.New("rule is disabled")
	ErrNoValue        = errors.New("no value available for rule")
)

// Value source states reported by Status
const (
	SourceConnected    = "connected"
	SourceDisconnected = "disconnected"
	SourceError        = "error"
)

// MonitorStatus is a point-in-time view of the engine
type MonitorStatus struct {
	Running           bool      `json:"running"`
	RedisStatus       string    `json:"redis_status"`
	RedisAddr         string    `json:"redis_addr,omitempty"`
	RedisDB           int       `json:"redis_db"`
	LastCheckTime     time.Time `json:"last_check_time,omitempty"`
	CheckInterval     string    `json:"check_interval"`
	HeartbeatInterval string    `json:"heartbeat_interval"`
	WorkerPoolSize    int       `json:"worker_pool_size"`
	TickCount         uint64    `json:"tick_count"`
	LastRuleCount     int       `json:"last_rule_count"`
	LastFetchFailures int64     `json:"last_fetch_failures"`
	LastTickDuration  string    `json:"last_tick_duration"`
	LastError         string    `json:"last_error,omitempty"`
	Sinks             []string  `json:"sinks"`
}

// ManualCheckResult reports a one-off evaluation of a rule
type ManualCheckResult struct {
	RuleID         int64           `json:"rule_id"`
	RuleName       string          `json:"rule_name"`
	CurrentValue   float64         `json:"current_value"`
	ThresholdValue float64         `json:"threshold_value"`
	Operator       models.Operator `json:"operator"`
	Triggered      bool            `json:"triggered"`
	HasActiveAlert bool            `json:"has_active_alert"`
	ValueKey       string          `json:"value_key"`
	ValueField     string          `json:"value_field"`
	CheckTime      time.Time       `json:"check_time"`
}

type sourceInfo interface {
	Addr() string
	DB() int
}

// AlertMonitor polls the value source for every enabled rule and drives
// the alert lifecycle. It runs a check loop and a count heartbeat loop.
type AlertMonitor struct {
	cfg      config.MonitorConfig
	rules    store.RuleStore
	alerts   *AlertService
	source   valuesource.Source
	notifier *notifier.Notifier
	fetcher  *ValueFetcher

	pingRetryDelay time.Duration
	now            func() time.Time

	mu        sync.RWMutex
	running   bool
	starting  bool
	cancel    context.CancelFunc
	loops     sync.WaitGroup
	shutdown  sync.Once
	stopped   bool
	lastCheck time.Time
	lastRules int
	lastFails int64
	lastTook  time.Duration
	lastError string
	ticks     atomic.Uint64
}

// NewAlertMonitor creates a stopped monitor
func NewAlertMonitor(cfg config.MonitorConfig, rules store.RuleStore, alerts *AlertService, source valuesource.Source, n *notifier.Notifier) *AlertMonitor {
	if cfg.DataFetchInterval <= 0 {
		cfg.DataFetchInterval = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 4
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 5 * time.Second
	}
	if cfg.MaxConcurrentChecks <= 0 {
		cfg.MaxConcurrentChecks = 64
	}
	if cfg.StartupPingAttempts <= 0 {
		cfg.StartupPingAttempts = 1
	}
	if n == nil {
		n = notifier.New(0)
	}
	return &AlertMonitor{
		cfg:            cfg,
		rules:          rules,
		alerts:         alerts,
		source:         source,
		notifier:       n,
		fetcher:        NewValueFetcher(source, cfg.WorkerPoolSize, cfg.FetchTimeout),
		pingRetryDelay: 2 * time.Second,
		now:            time.Now,
	}
}

// Start connects to the value source and launches both loops. On failure
// the monitor stays stopped and the error is returned for the caller to log.
func (am *AlertMonitor) Start(ctx context.Context) error {
	am.mu.Lock()
	if am.stopped {
		am.mu.Unlock()
		return ErrMonitorStopped
	}
	if am.running || am.starting {
		am.mu.Unlock()
		return ErrMonitorRunning
	}
	am.starting = true
	am.mu.Unlock()

	logrus.Info("Starting Alert Monitor service")

	// the state lock is not held while pinging or reconciling
	if err := am.pingSource(ctx); err != nil {
		am.mu.Lock()
		am.starting = false
		am.lastError = err.Error()
		am.mu.Unlock()
		return fmt.Errorf("failed to connect to value source: %w", err)
	}
	am.reconcile(ctx)

	am.mu.Lock()
	defer am.mu.Unlock()
	am.starting = false
	if am.stopped {
		return ErrMonitorStopped
	}

	am.fetcher.Start()
	loopCtx, cancel := context.WithCancel(context.Background())
	am.cancel = cancel
	am.running = true
	am.lastError = ""

	am.loops.Add(2)
	go am.checkLoop(loopCtx)
	go am.heartbeatLoop(loopCtx)

	logrus.Infof("Alert Monitor started (interval=%s, heartbeat=%s, workers=%d)",
		am.cfg.DataFetchInterval, am.cfg.HeartbeatInterval, am.cfg.WorkerPoolSize)
	return nil
}

// pingSource retries the value source up to StartupPingAttempts times
func (am *AlertMonitor) pingSource(ctx context.Context) error {
	var pingErr error
	for i := 0; i < am.cfg.StartupPingAttempts; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, am.cfg.FetchTimeout)
		pingErr = am.source.Ping(pingCtx)
		cancel()

		if pingErr == nil {
			return nil
		}

		logrus.Warnf("Failed to ping value source (attempt %d/%d): %v", i+1, am.cfg.StartupPingAttempts, pingErr)
		if i+1 < am.cfg.StartupPingAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(am.pingRetryDelay):
			}
		}
	}
	return pingErr
}

// Shutdown cancels both loops, waits for in-flight checks, then releases
// the worker pool and the value source connection.
func (am *AlertMonitor) Shutdown() {
	am.shutdown.Do(func() {
		logrus.Info("Shutting down Alert Monitor service")

		am.mu.Lock()
		cancel := am.cancel
		am.running = false
		am.stopped = true
		am.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		am.loops.Wait()
		am.fetcher.Stop()
		if err := am.source.Close(); err != nil {
			logrus.Warnf("Error closing value source: %v", err)
		}
		logrus.Info("Alert Monitor stopped")
	})
}

// IsRunning reports whether the loops are active
func (am *AlertMonitor) IsRunning() bool {
	am.mu.RLock()
	defer am.mu.RUnlock()
	return am.running
}

func (am *AlertMonitor) checkLoop(ctx context.Context) {
	defer am.loops.Done()
	logrus.Info("Rule check loop started")

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			logrus.Info("Rule check loop stopped")
			return
		case <-timer.C:
		}
		am.runTick(ctx)
		timer.Reset(am.cfg.DataFetchInterval)
	}
}

func (am *AlertMonitor) heartbeatLoop(ctx context.Context) {
	defer am.loops.Done()

	ticker := time.NewTicker(am.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			am.broadcastCount(ctx)
		}
	}
}

// runTick evaluates every enabled rule once. Rule checks never fail the tick.
func (am *AlertMonitor) runTick(ctx context.Context) {
	start := am.now()
	metrics.CheckTicksTotal.Inc()

	rules, err := am.rules.GetEnabledRules(ctx)
	if err != nil {
		logrus.Errorf("Failed to load enabled rules: %v", err)
		am.recordTick(start, 0, 0, err)
		return
	}
	if len(rules) == 0 {
		logrus.Debug("No enabled rules to check")
	} else {
		logrus.Debugf("Checking %d rule(s)", len(rules))
	}

	var failures atomic.Int64
	var g errgroup.Group
	g.SetLimit(am.cfg.MaxConcurrentChecks)
	for _, rule := range rules {
		rule := rule
		g.Go(func() error {
			am.checkRule(ctx, rule, &failures)
			return nil
		})
	}
	g.Wait()

	if ctx.Err() == nil {
		am.reconcile(ctx)
	}
	am.recordTick(start, len(rules), failures.Load(), nil)
}

func (am *AlertMonitor) recordTick(start time.Time, rules int, fails int64, err error) {
	took := am.now().Sub(start)
	metrics.CheckTickDuration.Observe(took.Seconds())
	metrics.RulesChecked.Set(float64(rules))

	am.mu.Lock()
	am.lastCheck = start
	am.lastRules = rules
	am.lastFails = fails
	am.lastTook = took
	if err != nil {
		am.lastError = err.Error()
	} else if fails > 0 {
		am.lastError = fmt.Sprintf("%d value source read(s) failed", fails)
	} else {
		am.lastError = ""
	}
	am.mu.Unlock()
	am.ticks.Add(1)

	logrus.Debugf("Rule check completed in %s", took)
}

func (am *AlertMonitor) checkRule(ctx context.Context, rule *models.AlertRule, failures *atomic.Int64) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RuleCheckPanics.Inc()
			logrus.WithFields(logrus.Fields{
				"rule_id": rule.ID,
				"panic":   r,
				"stack":   string(debug.Stack()),
			}).Error("Panic while checking rule")
		}
	}()

	if ctx.Err() != nil {
		return
	}

	res := am.fetcher.Fetch(ctx, rule)
	if !res.OK() {
		if res.Status == FetchUnavailable {
			failures.Add(1)
		}
		return
	}

	triggered := Evaluate(rule, res.Value)
	outcome, err := am.alerts.Process(ctx, rule, res.Value, triggered)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"rule_id":   rule.ID,
			"rule_name": rule.RuleName,
			"value":     res.Value,
		}).Errorf("Alert lifecycle transition failed: %v", err)
		return
	}

	switch outcome.Transition {
	case TransitionTriggered:
		logrus.Warnf("Alert triggered: rule=%s value=%v %s %v", rule.RuleName, res.Value, rule.Operator, rule.Value)
		am.notifier.NotifyTriggered(ctx, outcome.Alert)
		am.broadcastCount(ctx)
	case TransitionRecovered:
		logrus.Infof("Alert recovered: rule=%s value=%v", rule.RuleName, res.Value)
		am.notifier.NotifyRecovered(ctx, outcome.Event)
		am.broadcastCount(ctx)
	}
}

func (am *AlertMonitor) broadcastCount(ctx context.Context) {
	count, err := am.alerts.CountActiveAlerts(ctx)
	if err != nil {
		logrus.Errorf("Failed to count active alerts: %v", err)
		return
	}
	metrics.ActiveAlerts.Set(float64(count))
	am.notifier.NotifyCount(ctx, count)
}

// forceResolve resolves every alert of a rule without a sample
func (am *AlertMonitor) forceResolve(ctx context.Context, ruleID int64, reason string) error {
	events, err := am.alerts.ResolveAlertsByRuleID(ctx, ruleID, reason)
	for _, event := range events {
		am.notifier.NotifyRecovered(ctx, event)
	}
	if len(events) > 0 {
		am.broadcastCount(ctx)
	}
	return err
}

// reconcile resolves active alerts whose rule is gone or disabled
func (am *AlertMonitor) reconcile(ctx context.Context) {
	active, err := am.alerts.ListActiveAlerts(ctx)
	if err != nil {
		logrus.Errorf("Reconciliation skipped: %v", err)
		return
	}

	seen := make(map[int64]bool, len(active))
	for _, alert := range active {
		if seen[alert.RuleID] {
			continue
		}
		seen[alert.RuleID] = true

		reason := ""
		rule, err := am.rules.GetRule(ctx, alert.RuleID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			reason = models.ResolveReasonRuleDeleted
		case err != nil:
			logrus.Warnf("Reconciliation could not load rule %d: %v", alert.RuleID, err)
			continue
		case !rule.Enabled:
			reason = models.ResolveReasonRuleDisabled
		default:
			continue
		}

		if err := am.forceResolve(ctx, alert.RuleID, reason); err != nil {
			logrus.Errorf("Reconciliation failed for rule %d: %v", alert.RuleID, err)
		}
	}
}

// OnRuleUpdated resolves the rule's alerts if it is now disabled or gone.
// An enabled rule keeps its alert; the next tick evaluates the new policy.
func (am *AlertMonitor) OnRuleUpdated(ctx context.Context, ruleID int64) error {
	rule, err := am.rules.GetRule(ctx, ruleID)
	if errors.Is(err, store.ErrNotFound) {
		return am.forceResolve(ctx, ruleID, models.ResolveReasonRuleDeleted)
	}
	if err != nil {
		return fmt.Errorf("failed to load rule %d: %w", ruleID, err)
	}
	if !rule.Enabled {
		return am.forceResolve(ctx, ruleID, models.ResolveReasonRuleDisabled)
	}
	return nil
}

// OnRuleDeleted resolves every alert of a deleted rule
func (am *AlertMonitor) OnRuleDeleted(ctx context.Context, ruleID int64) error {
	return am.forceResolve(ctx, ruleID, models.ResolveReasonRuleDeleted)
}

// ManualCheck evaluates one rule against its current value without
// touching alert state
func (am *AlertMonitor) ManualCheck(ctx context.Context, ruleID int64) (*ManualCheckResult, error) {
	rule, err := am.rules.GetRule(ctx, ruleID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, err
	}
	if !rule.Enabled {
		return nil, ErrRuleDisabled
	}

	var res FetchResult
	if am.IsRunning() {
		res = am.fetcher.Fetch(ctx, rule)
	} else {
		res = readValue(ctx, am.source, rule.ValueKey(), rule.ValueField(), am.cfg.FetchTimeout)
	}
	if !res.OK() {
		return nil, fmt.Errorf("%w: %s %s (%s)", ErrNoValue, rule.ValueKey(), rule.ValueField(), res.Status)
	}

	_, alertErr := am.alerts.GetAlertByRuleID(ctx, rule.ID)
	if alertErr != nil && !errors.Is(alertErr, ErrAlertNotFound) {
		return nil, alertErr
	}

	return &ManualCheckResult{
		RuleID:         rule.ID,
		RuleName:       rule.RuleName,
		CurrentValue:   res.Value,
		ThresholdValue: rule.Value,
		Operator:       rule.Operator,
		Triggered:      Evaluate(rule, res.Value),
		HasActiveAlert: alertErr == nil,
		ValueKey:       rule.ValueKey(),
		ValueField:     rule.ValueField(),
		CheckTime:      am.now(),
	}, nil
}

// Status reports the engine state and pings the value source
func (am *AlertMonitor) Status(ctx context.Context) MonitorStatus {
	am.mu.RLock()
	st := MonitorStatus{
		Running:           am.running,
		LastCheckTime:     am.lastCheck,
		CheckInterval:     am.cfg.DataFetchInterval.String(),
		HeartbeatInterval: am.cfg.HeartbeatInterval.String(),
		WorkerPoolSize:    am.fetcher.Size(),
		TickCount:         am.ticks.Load(),
		LastRuleCount:     am.lastRules,
		LastFetchFailures: am.lastFails,
		LastTickDuration:  am.lastTook.String(),
		LastError:         am.lastError,
		Sinks:             am.notifier.SinkNames(),
	}
	stopped := am.stopped
	am.mu.RUnlock()

	if info, ok := am.source.(sourceInfo); ok {
		st.RedisAddr = info.Addr()
		st.RedisDB = info.DB()
	}

	st.RedisStatus = SourceDisconnected
	if !stopped {
		pingCtx, cancel := context.WithTimeout(ctx, am.cfg.FetchTimeout)
		defer cancel()
		if err := am.source.Ping(pingCtx); err != nil {
			st.RedisStatus = SourceError
		} else {
			st.RedisStatus = SourceConnected
		}
	}
	return st
}
