package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/timeplus-io/tp-alarm-monitor/pkg/models"
)

func main() {
	apiURL := flag.String("api", "http://localhost:6002", "alarm API base URL")
	pageSize := flag.Int("limit", 10, "maximum alerts to print")
	flag.Parse()

	client := resty.New().SetBaseURL(*apiURL).SetTimeout(10 * time.Second)

	fmt.Println("Checking active alerts...")
	var page models.Page[*models.Alert]
	resp, err := client.R().
		SetQueryParam("page_size", fmt.Sprintf("%d", *pageSize)).
		SetResult(&page).
		Get("/alarmApi/alerts")
	if err != nil {
		log.Fatalf("Failed to query alerts: %v", err)
	}
	if resp.IsError() {
		log.Fatalf("Alert query failed: %d %s", resp.StatusCode(), resp.String())
	}

	for _, alert := range page.List {
		fmt.Println("Alert found:")
		fmt.Printf("  id: %d\n", alert.ID)
		fmt.Printf("  rule: %d (%s)\n", alert.RuleID, alert.RuleName)
		fmt.Printf("  point: %s:%d:%s %d\n", alert.ServiceType, alert.ChannelID, alert.DataType, alert.PointID)
		fmt.Printf("  level: %d\n", alert.WarningLevel)
		fmt.Printf("  value: %v %s %v\n", alert.CurrentValue, alert.Operator, alert.ThresholdValue)
		fmt.Printf("  triggered: %s\n", time.Unix(alert.TriggeredAt, 0).Format(time.RFC3339))
		fmt.Println()
	}

	if page.Total == 0 {
		fmt.Println("No alerts found")
	} else {
		fmt.Printf("Found %d alerts\n", page.Total)
	}
}
