package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

const (
	defaultPointCount = 5
	defaultIntervalMs = 1000 // 1 second
	serviceType       = "comsrv"
	dataType          = "T"
	tempThreshold     = 80.0
)

// ruleRequest mirrors the create-rule payload of the alarm API
type ruleRequest struct {
	ServiceType  string  `json:"service_type"`
	ChannelID    int64   `json:"channel_id"`
	DataType     string  `json:"data_type"`
	PointID      int64   `json:"point_id"`
	RuleName     string  `json:"rule_name"`
	WarningLevel int     `json:"warning_level"`
	Operator     string  `json:"operator"`
	Value        float64 `json:"value"`
	Description  string  `json:"description"`
}

type ruleResponse struct {
	ID       int64  `json:"id"`
	RuleName string `json:"rule_name"`
}

type countResponse struct {
	Count int64 `json:"count"`
}

func main() {
	apiURL := getEnv("ALARM_API_URL", "http://localhost:6002")
	redisAddr := getEnv("REDIS_ADDR", "localhost:6379")
	channelID, _ := strconv.ParseInt(getEnv("CHANNEL_ID", "1001"), 10, 64)
	pointCount, _ := strconv.Atoi(getEnv("POINT_COUNT", strconv.Itoa(defaultPointCount)))
	intervalMs, _ := strconv.Atoi(getEnv("INTERVAL_MS", strconv.Itoa(defaultIntervalMs)))
	createRules, _ := strconv.ParseBool(getEnv("CREATE_RULES", "true"))
	checkIntervalSec, _ := strconv.Atoi(getEnv("ALERT_CHECK_INTERVAL_SEC", "10"))

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer rdb.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logrus.Fatalf("Failed to connect to redis at %s: %v", redisAddr, err)
	}
	logrus.Infof("Simulator connected to redis at %s", redisAddr)

	client := resty.New().
		SetBaseURL(apiURL).
		SetTimeout(10*time.Second).
		SetHeader("Content-Type", "application/json")

	if createRules {
		createSampleRules(client, channelID, pointCount)
	}
	go watchAlertCount(ctx, client, time.Duration(checkIntervalSec)*time.Second)

	logrus.Infof("Writing %d points on channel %d every %d ms", pointCount, channelID, intervalMs)
	key := fmt.Sprintf("%s:%d:%s", serviceType, channelID, dataType)

	ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("Simulator stopped")
			return
		case <-ticker.C:
			values := make(map[string]interface{}, pointCount)
			for point := 1; point <= pointCount; point++ {
				temp := generateTemperature()
				// Occasionally generate anomalous temperatures to trigger alerts
				if rand.Intn(50) == 0 {
					temp = generateAnomalyTemperature()
					logrus.Warnf("Sent anomaly value: %s point %d = %.2f", key, point, temp)
				}
				values[strconv.Itoa(point)] = strconv.FormatFloat(temp, 'f', 2, 64)
			}
			if err := rdb.HSet(ctx, key, values).Err(); err != nil {
				logrus.Errorf("Error writing values: %v", err)
			}
		}
	}
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// generateTemperature returns a normal reading between 20 and 70
func generateTemperature() float64 {
	return 20 + rand.Float64()*50
}

// generateAnomalyTemperature returns a reading above the sample threshold
func generateAnomalyTemperature() float64 {
	return tempThreshold + 5 + rand.Float64()*20
}

// createSampleRules registers one high-temperature rule per point. Existing
// rules are reported by the API as conflicts and skipped.
func createSampleRules(client *resty.Client, channelID int64, pointCount int) {
	for point := 1; point <= pointCount; point++ {
		req := ruleRequest{
			ServiceType:  serviceType,
			ChannelID:    channelID,
			DataType:     dataType,
			PointID:      int64(point),
			RuleName:     fmt.Sprintf("High temperature point %d", point),
			WarningLevel: 2,
			Operator:     ">",
			Value:        tempThreshold,
			Description:  "created by simulator",
		}

		var created ruleResponse
		resp, err := client.R().SetBody(req).SetResult(&created).Post("/alarmApi/rules")
		if err != nil {
			logrus.Errorf("Failed to create rule for point %d: %v", point, err)
			continue
		}
		switch resp.StatusCode() {
		case 201:
			logrus.Infof("Created rule %d: %s", created.ID, created.RuleName)
		case 409:
			logrus.Debugf("Rule for point %d already exists", point)
		default:
			logrus.Errorf("Unexpected status creating rule for point %d: %d %s", point, resp.StatusCode(), resp.String())
		}
	}
}

// watchAlertCount logs the active alert count until ctx is done
func watchAlertCount(ctx context.Context, client *resty.Client, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var count countResponse
			resp, err := client.R().SetContext(ctx).SetResult(&count).Get("/alarmApi/alerts/count")
			if err != nil {
				logrus.Warnf("Failed to read alert count: %v", err)
				continue
			}
			if resp.IsError() {
				logrus.Warnf("Alert count request failed: %d", resp.StatusCode())
				continue
			}
			logrus.Infof("Active alerts: %d", count.Count)
		}
	}
}
