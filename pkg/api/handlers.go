package api

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/timeplus-io/tp-alarm-monitor/pkg/models"
	"github.com/timeplus-io/tp-alarm-monitor/pkg/services"
	"github.com/timeplus-io/tp-alarm-monitor/pkg/store"
)

const serviceName = "alarm-monitor"

// APIHandler handles HTTP API requests
type APIHandler struct {
	ruleService  *services.RuleService
	alertService *services.AlertService
	monitor      *services.AlertMonitor
	now          func() time.Time
}

// NewAPIHandler creates a new API handler
func NewAPIHandler(ruleService *services.RuleService, alertService *services.AlertService, monitor *services.AlertMonitor) *APIHandler {
	return &APIHandler{
		ruleService:  ruleService,
		alertService: alertService,
		monitor:      monitor,
		now:          time.Now,
	}
}

// errorStatus maps service errors onto HTTP status codes
func errorStatus(err error) int {
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrRuleNotFound), errors.Is(err, services.ErrAlertNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrDuplicateRule):
		return http.StatusConflict
	case errors.Is(err, services.ErrRuleDisabled), errors.Is(err, services.ErrNoValue):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func respondError(c echo.Context, err error, action string) error {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		logrus.Errorf("Error %s: %v", action, err)
		return c.JSON(status, map[string]string{"error": fmt.Sprintf("Failed %s", action)})
	}
	logrus.Debugf("Rejected %s: %v", action, err)
	return c.JSON(status, map[string]string{"error": err.Error()})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": msg})
}

func pathID(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s: %s", name, c.Param(name))
	}
	return id, nil
}

// query holds the filter parameters shared by the list endpoints
type query struct {
	keyword      string
	serviceType  string
	warningLevel *models.WarningLevel
	from, to     *time.Time
	page, size   int
}

func (h *APIHandler) parseQuery(c echo.Context) (*query, error) {
	q := &query{
		keyword:     strings.TrimSpace(c.QueryParam("keyword")),
		serviceType: c.QueryParam("service_type"),
	}

	if v := c.QueryParam("warning_level"); v != "" {
		n, err := strconv.Atoi(v)
		level := models.WarningLevel(n)
		if err != nil || !level.Valid() {
			return nil, fmt.Errorf("invalid warning_level: %s", v)
		}
		q.warningLevel = &level
	}

	from, to, err := services.ParseTimeRange(c.QueryParam("start_time"), c.QueryParam("end_time"), h.now())
	if err != nil {
		return nil, err
	}
	q.from, q.to = from, to

	for _, p := range []struct {
		name string
		dst  *int
	}{{"page", &q.page}, {"page_size", &q.size}} {
		if v := c.QueryParam(p.name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("invalid %s: %s", p.name, v)
			}
			*p.dst = n
		}
	}
	return q, nil
}

// Root returns the service banner
func (h *APIHandler) Root(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"service": serviceName,
		"status":  "running",
		"time":    h.now().Format(time.RFC3339),
	})
}

// Health reports store and engine health
func (h *APIHandler) Health(c echo.Context) error {
	ctx := c.Request().Context()
	status := h.monitor.Status(ctx)

	body := map[string]interface{}{
		"service":         serviceName,
		"monitor_running": status.Running,
		"redis_status":    status.RedisStatus,
		"time":            h.now().Format(time.RFC3339),
	}

	total, enabled, err := h.ruleService.CountRules(ctx)
	if err != nil {
		logrus.Errorf("Health check failed to count rules: %v", err)
		body["status"] = "unhealthy"
		body["error"] = "store unavailable"
		return c.JSON(http.StatusServiceUnavailable, body)
	}
	active, err := h.alertService.CountActiveAlerts(ctx)
	if err != nil {
		logrus.Errorf("Health check failed to count alerts: %v", err)
		body["status"] = "unhealthy"
		body["error"] = "store unavailable"
		return c.JSON(http.StatusServiceUnavailable, body)
	}

	body["rules_total"] = total
	body["rules_enabled"] = enabled
	body["active_alerts"] = active
	body["status"] = "healthy"
	if !status.Running || status.RedisStatus != services.SourceConnected {
		body["status"] = "degraded"
	}
	return c.JSON(http.StatusOK, body)
}

// CreateRule creates a new rule
func (h *APIHandler) CreateRule(c echo.Context) error {
	var req models.CreateRuleRequest
	if err := c.Bind(&req); err != nil {
		logrus.Errorf("Error binding create rule request: %v", err)
		return badRequest(c, "Invalid request format")
	}

	rule, err := h.ruleService.CreateRule(c.Request().Context(), &req)
	if err != nil {
		return respondError(c, err, "creating rule")
	}
	return c.JSON(http.StatusCreated, rule)
}

// GetRules searches rules
func (h *APIHandler) GetRules(c echo.Context) error {
	q, err := h.parseQuery(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	filter := models.RuleFilter{
		Keyword:       q.keyword,
		ServiceType:   q.serviceType,
		WarningLevel:  q.warningLevel,
		CreatedAfter:  q.from,
		CreatedBefore: q.to,
		Page:          q.page,
		PageSize:      q.size,
	}
	if v := c.QueryParam("enabled"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return badRequest(c, fmt.Sprintf("invalid enabled: %s", v))
		}
		filter.Enabled = &enabled
	}

	page, err := h.ruleService.SearchRules(c.Request().Context(), filter)
	if err != nil {
		return respondError(c, err, "searching rules")
	}
	return c.JSON(http.StatusOK, page)
}

// GetRule returns a rule by ID
func (h *APIHandler) GetRule(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}
	rule, err := h.ruleService.GetRule(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err, "getting rule")
	}
	return c.JSON(http.StatusOK, rule)
}

// GetRulesByChannel lists the rules of one channel
func (h *APIHandler) GetRulesByChannel(c echo.Context) error {
	channelID, err := pathID(c, "channel_id")
	if err != nil {
		return badRequest(c, err.Error())
	}
	rules, err := h.ruleService.GetRulesByChannel(c.Request().Context(), channelID, c.QueryParam("service_type"))
	if err != nil {
		return respondError(c, err, "listing channel rules")
	}
	return c.JSON(http.StatusOK, rules)
}

// UpdateRule updates a rule
func (h *APIHandler) UpdateRule(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}
	var req models.UpdateRuleRequest
	if err := c.Bind(&req); err != nil {
		logrus.Errorf("Error binding update rule request: %v", err)
		return badRequest(c, "Invalid request format")
	}

	rule, err := h.ruleService.UpdateRule(c.Request().Context(), id, &req)
	if err != nil {
		return respondError(c, err, "updating rule")
	}
	return c.JSON(http.StatusOK, rule)
}

// DeleteRule deletes a rule
func (h *APIHandler) DeleteRule(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}
	if err := h.ruleService.DeleteRule(c.Request().Context(), id); err != nil {
		return respondError(c, err, "deleting rule")
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "Rule deleted successfully"})
}

// EnableRule enables a rule
func (h *APIHandler) EnableRule(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}
	rule, err := h.ruleService.EnableRule(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err, "enabling rule")
	}
	return c.JSON(http.StatusOK, rule)
}

// DisableRule disables a rule; its active alert is resolved in the background
func (h *APIHandler) DisableRule(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}
	rule, err := h.ruleService.DisableRule(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err, "disabling rule")
	}
	return c.JSON(http.StatusOK, rule)
}

// GetAlerts searches the active alerts
func (h *APIHandler) GetAlerts(c echo.Context) error {
	q, err := h.parseQuery(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	page, err := h.alertService.SearchAlerts(c.Request().Context(), models.AlertFilter{
		Keyword:         q.keyword,
		WarningLevel:    q.warningLevel,
		ServiceType:     q.serviceType,
		TriggeredAfter:  q.from,
		TriggeredBefore: q.to,
		Page:            q.page,
		PageSize:        q.size,
	})
	if err != nil {
		return respondError(c, err, "searching alerts")
	}
	return c.JSON(http.StatusOK, page)
}

// CountAlerts returns the number of active alerts
func (h *APIHandler) CountAlerts(c echo.Context) error {
	count, err := h.alertService.CountActiveAlerts(c.Request().Context())
	if err != nil {
		return respondError(c, err, "counting alerts")
	}
	return c.JSON(http.StatusOK, map[string]int64{"count": count})
}

// GetStatistics returns active counts by level and today's recoveries
func (h *APIHandler) GetStatistics(c echo.Context) error {
	stats, err := h.alertService.Statistics(c.Request().Context())
	if err != nil {
		return respondError(c, err, "computing alert statistics")
	}
	return c.JSON(http.StatusOK, stats)
}

// GetAlert returns an active alert by ID
func (h *APIHandler) GetAlert(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}
	alert, err := h.alertService.GetAlert(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err, "getting alert")
	}
	return c.JSON(http.StatusOK, alert)
}

// GetAlertByRule returns the active alert of a rule
func (h *APIHandler) GetAlertByRule(c echo.Context) error {
	ruleID, err := pathID(c, "rule_id")
	if err != nil {
		return badRequest(c, err.Error())
	}
	alert, err := h.alertService.GetAlertByRuleID(c.Request().Context(), ruleID)
	if err != nil {
		return respondError(c, err, "getting rule alert")
	}
	return c.JSON(http.StatusOK, alert)
}

func (h *APIHandler) eventFilter(c echo.Context) (models.EventFilter, error) {
	q, err := h.parseQuery(c)
	if err != nil {
		return models.EventFilter{}, err
	}
	filter := models.EventFilter{
		Keyword:         q.keyword,
		WarningLevel:    q.warningLevel,
		ServiceType:     q.serviceType,
		TriggeredAfter:  q.from,
		TriggeredBefore: q.to,
		Page:            q.page,
		PageSize:        q.size,
	}
	switch et := models.EventType(c.QueryParam("event_type")); et {
	case "":
	case models.EventTypeTrigger, models.EventTypeRecovery:
		filter.EventType = et
	default:
		return filter, fmt.Errorf("invalid event_type: %s", et)
	}
	if v := c.QueryParam("rule_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return filter, fmt.Errorf("invalid rule_id: %s", v)
		}
		filter.RuleID = &id
	}
	return filter, nil
}

// GetEvents searches alert history
func (h *APIHandler) GetEvents(c echo.Context) error {
	filter, err := h.eventFilter(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	page, err := h.alertService.SearchEvents(c.Request().Context(), filter)
	if err != nil {
		return respondError(c, err, "searching events")
	}
	return c.JSON(http.StatusOK, page)
}

// ExportEvents downloads alert history as CSV (default) or XLSX
func (h *APIHandler) ExportEvents(c echo.Context) error {
	filter, err := h.eventFilter(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	ctx := c.Request().Context()
	stamp := h.now().Format("20060102_150405")
	var buf bytes.Buffer
	var contentType, filename string

	switch format := strings.ToLower(c.QueryParam("format")); format {
	case "", "csv":
		_, err = h.alertService.ExportEventsCSV(ctx, filter, &buf)
		contentType = "text/csv; charset=utf-8"
		filename = fmt.Sprintf("alert_events_%s.csv", stamp)
	case "xlsx", "excel":
		_, err = h.alertService.ExportEventsXLSX(ctx, filter, &buf)
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
		filename = fmt.Sprintf("alert_events_%s.xlsx", stamp)
	default:
		return badRequest(c, fmt.Sprintf("unsupported format: %s", format))
	}
	if err != nil {
		return respondError(c, err, "exporting events")
	}

	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%s", filename))
	return c.Blob(http.StatusOK, contentType, buf.Bytes())
}

// MonitorStatus returns the engine status
func (h *APIHandler) MonitorStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, h.monitor.Status(c.Request().Context()))
}

// ManualCheck evaluates one rule against its current value
func (h *APIHandler) ManualCheck(c echo.Context) error {
	ruleID, err := pathID(c, "rule_id")
	if err != nil {
		return badRequest(c, err.Error())
	}
	result, err := h.monitor.ManualCheck(c.Request().Context(), ruleID)
	if err != nil {
		return respondError(c, err, "checking rule")
	}
	return c.JSON(http.StatusOK, result)
}

// SetupRoutes sets up the API routes
func (h *APIHandler) SetupRoutes(e *echo.Echo) {
	e.GET("/", h.Root)
	e.GET("/health", h.Health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	g := e.Group("/alarmApi")

	// Rule endpoints
	g.POST("/rules", h.CreateRule)
	g.GET("/rules", h.GetRules)
	g.GET("/rules/channel/:channel_id", h.GetRulesByChannel)
	g.GET("/rules/:id", h.GetRule)
	g.PUT("/rules/:id", h.UpdateRule)
	g.DELETE("/rules/:id", h.DeleteRule)
	g.PATCH("/rules/:id/enable", h.EnableRule)
	g.PATCH("/rules/:id/disable", h.DisableRule)

	// Alert endpoints
	g.GET("/alerts", h.GetAlerts)
	g.GET("/alerts/count", h.CountAlerts)
	g.GET("/alerts/statistics", h.GetStatistics)
	g.GET("/alerts/rule/:rule_id", h.GetAlertByRule)
	g.GET("/alerts/:id", h.GetAlert)

	// Event history
	g.GET("/events", h.GetEvents)
	g.GET("/events/export", h.ExportEvents)

	// Engine
	g.GET("/monitor/status", h.MonitorStatus)
	g.POST("/monitor/check/:rule_id", h.ManualCheck)
}
