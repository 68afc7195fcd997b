package alerts

import (
	"bytes"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/n0needt0/go-goodies/log"
)

// AlertClient reports operational failures of the event pipeline to an
// external alerting endpoint. When alerting is disabled alerts are only
// logged in dev mode.
type AlertClient struct {
	config AlertClientConfig

	mu        sync.Mutex
	lastAlert map[string]time.Time
}

type AlertClientConfig struct {
	Alerting AlertingConfig
	App      AppConfig
	Dev      bool
}

type AlertingConfig struct {
	Enabled          bool
	Endpoint         string
	Token            string
	Timeout          int
	ExpectedHttpCode int
	MutePeriod       int
}

type AppConfig struct {
	Name    string
	Version string
}

type AlertPayload struct {
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Severity  string                 `json:"severity"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details"`
	Timestamp string                 `json:"timestamp"`
}

func NewAlertClient(config AlertClientConfig) *AlertClient {
	return &AlertClient{
		config:    config,
		lastAlert: make(map[string]time.Time),
	}
}

func (client *AlertClient) SendCriticalAlert(title, message, details string) error {
	return client.sendAlert("critical", title, message, details)
}

func (client *AlertClient) SendWarningAlert(title, message, details string) error {
	return client.sendAlert("warning", title, message, details)
}

func (client *AlertClient) SendInfoAlert(title, message, details string) error {
	return client.sendAlert("info", title, message, details)
}

func (client *AlertClient) SendDeliveryFailureAlert(endpoint string, err error) error {
	return client.SendWarningAlert(
		"Event Delivery Failure",
		"Failed to deliver event batch after exhausting retries",
		fmt.Sprintf("Endpoint: %s, Error: %v", endpoint, err),
	)
}

func (client *AlertClient) SendStorageFailureAlert(path string, err error) error {
	return client.SendCriticalAlert(
		"Event Storage Failure",
		"Durable event queue is failing writes",
		fmt.Sprintf("Path: %s, Error: %v", path, err),
	)
}

func (client *AlertClient) SendCaptureFailureAlert(err error) error {
	return client.SendCriticalAlert(
		"Event Capture Failure",
		"Event capture source has failed",
		fmt.Sprintf("Error: %v", err),
	)
}

// muted reports whether an alert with the same title fired within the
// configured mute period, and records this one if not.
func (client *AlertClient) muted(title string) bool {
	period := time.Duration(client.config.Alerting.MutePeriod) * time.Second
	if period <= 0 {
		return false
	}

	client.mu.Lock()
	defer client.mu.Unlock()

	if last, ok := client.lastAlert[title]; ok && time.Since(last) < period {
		return true
	}
	client.lastAlert[title] = time.Now()
	return false
}

func (client *AlertClient) sendAlert(severity, title, message, details string) error {
	if !client.config.Alerting.Enabled {
		if client.config.Dev {
			log.Infof("Alert [%s]: %s - %s (%s)", severity, title, message, details)
		}
		return nil
	}

	if client.config.Alerting.Endpoint == "" {
		return fmt.Errorf("alerting endpoint not configured")
	}

	if client.muted(title) {
		log.Debugf("alert muted: %s", title)
		return nil
	}

	payload := AlertPayload{
		Service:  client.config.App.Name,
		Version:  client.config.App.Version,
		Severity: severity,
		Title:    title,
		Message:  message,
		Details: map[string]interface{}{
			"details": details,
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	jsonData, err := sonic.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal alert payload: %w", err)
	}

	timeout := time.Duration(client.config.Alerting.Timeout) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	httpClient := &http.Client{
		Timeout: timeout,
	}

	req, err := http.NewRequest("POST", client.config.Alerting.Endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create alert request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", fmt.Sprintf("%s/%s", client.config.App.Name, client.config.App.Version))
	if client.config.Alerting.Token != "" {
		req.Header.Set("Authorization", "Bearer "+client.config.Alerting.Token)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send alert: %w", err)
	}
	defer resp.Body.Close()

	if expected := client.config.Alerting.ExpectedHttpCode; expected > 0 {
		if resp.StatusCode != expected {
			return fmt.Errorf("alert request returned status %d, want %d", resp.StatusCode, expected)
		}
	} else if resp.StatusCode >= 400 {
		return fmt.Errorf("alert request failed with status %d", resp.StatusCode)
	}

	log.Debugf("alert sent successfully: %s", title)
	return nil
}
