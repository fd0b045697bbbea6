package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/timeplus-io/tp-alarm-monitor/pkg/models"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")
	// ErrDuplicateRule is returned when a rule violates the point+name uniqueness
	ErrDuplicateRule = errors.New("a rule with the same service, channel, data type, point and name already exists")
)

// Dialects supported by Store
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// RuleStore persists rule definitions
type RuleStore interface {
	CreateRule(ctx context.Context, rule *models.AlertRule) (*models.AlertRule, error)
	GetRule(ctx context.Context, id int64) (*models.AlertRule, error)
	GetEnabledRules(ctx context.Context) ([]*models.AlertRule, error)
	GetRulesByChannel(ctx context.Context, channelID int64, serviceType string) ([]*models.AlertRule, error)
	GetRulesByPoint(ctx context.Context, serviceType string, channelID int64, dataType string, pointID int64) ([]*models.AlertRule, error)
	UpdateRule(ctx context.Context, rule *models.AlertRule) error
	DeleteRule(ctx context.Context, id int64) error
	SetRuleEnabled(ctx context.Context, id int64, enabled bool) error
	SearchRules(ctx context.Context, filter models.RuleFilter) (*models.Page[*models.AlertRule], error)
	CountRules(ctx context.Context) (total int64, enabled int64, err error)
}

// AlertStore persists active alerts and their history
type AlertStore interface {
	// CreateAlert inserts the alert unless one already exists for its rule,
	// in which case the existing row is returned with created=false.
	CreateAlert(ctx context.Context, alert *models.Alert) (stored *models.Alert, created bool, err error)
	GetAlert(ctx context.Context, id int64) (*models.Alert, error)
	GetAlertByRuleID(ctx context.Context, ruleID int64) (*models.Alert, error)
	ListAlertsByRuleID(ctx context.Context, ruleID int64) ([]*models.Alert, error)
	ListActiveAlerts(ctx context.Context) ([]*models.Alert, error)
	UpdateAlertValue(ctx context.Context, id int64, value float64) error
	// ResolveAlert writes the event and deletes the alert in one transaction.
	ResolveAlert(ctx context.Context, alertID int64, event *models.AlertEvent) (*models.AlertEvent, error)
	CreateAlertEvent(ctx context.Context, event *models.AlertEvent) (*models.AlertEvent, error)
	SearchAlerts(ctx context.Context, filter models.AlertFilter) (*models.Page[*models.Alert], error)
	CountActiveAlerts(ctx context.Context) (int64, error)
	CountActiveAlertsByLevel(ctx context.Context) (map[models.WarningLevel]int64, error)
	SearchEvents(ctx context.Context, filter models.EventFilter) (*models.Page[*models.AlertEvent], error)
	ListEvents(ctx context.Context, filter models.EventFilter) ([]*models.AlertEvent, error)
	CountEventsRecoveredSince(ctx context.Context, since time.Time) (int64, error)
}

// Store implements RuleStore and AlertStore on database/sql
type Store struct {
	db      *sql.DB
	dialect string
	now     func() time.Time
}

var (
	_ RuleStore  = (*Store)(nil)
	_ AlertStore = (*Store)(nil)
)

// Open connects to the configured database and creates the schema
func Open(driver, dsn string) (*Store, error) {
	var db *sql.DB
	var err error

	switch driver {
	case DialectSQLite, "":
		driver = DialectSQLite
		db, err = sql.Open("sqlite", sqliteDSN(dsn))
		if err == nil {
			// one writer keeps WAL contention and :memory: databases sane
			db.SetMaxOpenConns(1)
		}
	case DialectPostgres:
		db, err = sql.Open("postgres", dsn)
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", driver, err)
	}

	s := New(db, driver)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.InitSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logrus.Infof("Store opened (driver=%s)", driver)
	return s, nil
}

// New wraps an existing connection pool without touching the schema
func New(db *sql.DB, dialect string) *Store {
	return &Store{db: db, dialect: dialect, now: time.Now}
}

func sqliteDSN(dsn string) string {
	if dsn == "" {
		dsn = ":memory:"
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}

// Close closes the underlying pool
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InitSchema creates tables and indexes if they do not exist
func (s *Store) InitSchema(ctx context.Context) error {
	schema := sqliteSchema
	if s.dialect == DialectPostgres {
		schema = postgresSchema
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// where accumulates AND conditions and their arguments
type where struct {
	conds []string
	args  []interface{}
}

func (w *where) add(cond string, args ...interface{}) {
	w.conds = append(w.conds, cond)
	w.args = append(w.args, args...)
}

func (w *where) keyword(keyword string, columns ...string) {
	if keyword == "" {
		return
	}
	pattern := "%" + keyword + "%"
	parts := make([]string, len(columns))
	args := make([]interface{}, len(columns))
	for i, col := range columns {
		parts[i] = col + " LIKE ?"
		args[i] = pattern
	}
	w.add("("+strings.Join(parts, " OR ")+")", args...)
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return "1=1"
	}
	return strings.Join(w.conds, " AND ")
}

func (s *Store) count(ctx context.Context, table string, w *where) (int64, error) {
	var total int64
	query := s.rebind(fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", table, w))
	if err := s.db.QueryRowContext(ctx, query, w.args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return total, nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS alert_rule (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		service_type TEXT NOT NULL DEFAULT 'comsrv',
		channel_id INTEGER NOT NULL,
		data_type TEXT NOT NULL,
		point_id INTEGER NOT NULL,
		rule_name TEXT NOT NULL,
		warning_level INTEGER NOT NULL CHECK(warning_level IN (1, 2, 3)),
		operator TEXT NOT NULL CHECK(operator IN ('>', '<', '>=', '<=', '==', '!=')),
		value REAL NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		description TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE(service_type, channel_id, data_type, point_id, rule_name)
	)`,
	`CREATE TABLE IF NOT EXISTS alert (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		rule_id INTEGER NOT NULL,
		rule_snapshot TEXT NOT NULL,
		service_type TEXT NOT NULL,
		channel_id INTEGER NOT NULL,
		data_type TEXT NOT NULL,
		point_id INTEGER NOT NULL,
		rule_name TEXT NOT NULL,
		warning_level INTEGER NOT NULL,
		operator TEXT NOT NULL,
		threshold_value REAL NOT NULL,
		current_value REAL NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		triggered_at INTEGER NOT NULL,
		UNIQUE(rule_id)
	)`,
	`CREATE TABLE IF NOT EXISTS alert_event (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		rule_id INTEGER NOT NULL,
		rule_snapshot TEXT NOT NULL,
		service_type TEXT NOT NULL,
		channel_id INTEGER NOT NULL,
		data_type TEXT NOT NULL,
		point_id INTEGER NOT NULL,
		rule_name TEXT NOT NULL,
		warning_level INTEGER NOT NULL,
		operator TEXT NOT NULL,
		threshold_value REAL NOT NULL,
		trigger_value REAL NOT NULL,
		recovery_value REAL,
		event_type TEXT NOT NULL CHECK(event_type IN ('trigger', 'recovery')),
		resolve_reason TEXT NOT NULL DEFAULT '',
		triggered_at INTEGER NOT NULL,
		recovered_at INTEGER,
		duration INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alert_rule_point ON alert_rule(service_type, channel_id, data_type, point_id)`,
	`CREATE INDEX IF NOT EXISTS idx_alert_rule_enabled ON alert_rule(enabled)`,
	`CREATE INDEX IF NOT EXISTS idx_alert_rule_created_at ON alert_rule(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_alert_level_time ON alert(warning_level, triggered_at)`,
	`CREATE INDEX IF NOT EXISTS idx_alert_event_rule_id ON alert_event(rule_id)`,
	`CREATE INDEX IF NOT EXISTS idx_alert_event_triggered_at ON alert_event(triggered_at)`,
	`CREATE INDEX IF NOT EXISTS idx_alert_event_recovered_at ON alert_event(recovered_at)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS alert_rule (
		id BIGSERIAL PRIMARY KEY,
		service_type TEXT NOT NULL DEFAULT 'comsrv',
		channel_id BIGINT NOT NULL,
		data_type TEXT NOT NULL,
		point_id BIGINT NOT NULL,
		rule_name TEXT NOT NULL,
		warning_level INTEGER NOT NULL CHECK(warning_level IN (1, 2, 3)),
		operator TEXT NOT NULL CHECK(operator IN ('>', '<', '>=', '<=', '==', '!=')),
		value DOUBLE PRECISION NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		description TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		UNIQUE(service_type, channel_id, data_type, point_id, rule_name)
	)`,
	`CREATE TABLE IF NOT EXISTS alert (
		id BIGSERIAL PRIMARY KEY,
		rule_id BIGINT NOT NULL UNIQUE,
		rule_snapshot TEXT NOT NULL,
		service_type TEXT NOT NULL,
		channel_id BIGINT NOT NULL,
		data_type TEXT NOT NULL,
		point_id BIGINT NOT NULL,
		rule_name TEXT NOT NULL,
		warning_level INTEGER NOT NULL,
		operator TEXT NOT NULL,
		threshold_value DOUBLE PRECISION NOT NULL,
		current_value DOUBLE PRECISION NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		triggered_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS alert_event (
		id BIGSERIAL PRIMARY KEY,
		rule_id BIGINT NOT NULL,
		rule_snapshot TEXT NOT NULL,
		service_type TEXT NOT NULL,
		channel_id BIGINT NOT NULL,
		data_type TEXT NOT NULL,
		point_id BIGINT NOT NULL,
		rule_name TEXT NOT NULL,
		warning_level INTEGER NOT NULL,
		operator TEXT NOT NULL,
		threshold_value DOUBLE PRECISION NOT NULL,
		trigger_value DOUBLE PRECISION NOT NULL,
		recovery_value DOUBLE PRECISION,
		event_type TEXT NOT NULL CHECK(event_type IN ('trigger', 'recovery')),
		resolve_reason TEXT NOT NULL DEFAULT '',
		triggered_at BIGINT NOT NULL,
		recovered_at BIGINT,
		duration BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alert_rule_point ON alert_rule(service_type, channel_id, data_type, point_id)`,
	`CREATE INDEX IF NOT EXISTS idx_alert_rule_enabled ON alert_rule(enabled)`,
	`CREATE INDEX IF NOT EXISTS idx_alert_rule_created_at ON alert_rule(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_alert_level_time ON alert(warning_level, triggered_at)`,
	`CREATE INDEX IF NOT EXISTS idx_alert_event_rule_id ON alert_event(rule_id)`,
	`CREATE INDEX IF NOT EXISTS idx_alert_event_triggered_at ON alert_event(triggered_at)`,
	`CREATE INDEX IF NOT EXISTS idx_alert_event_recovered_at ON alert_event(recovered_at)`,
}
