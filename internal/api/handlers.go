package api

import (
	"context"
	"time"

	"github.com/n0needt0/go-goodies/log"
	"github.com/n0needt0/goodies/eventpipe/internal/config"
	"github.com/n0needt0/goodies/eventpipe/internal/domain"
	"github.com/n0needt0/goodies/eventpipe/internal/pipeline"
	"github.com/n0needt0/goodies/eventpipe/internal/services"
	"github.com/swaggest/usecase"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status      string             `json:"status"`
	Version     string             `json:"version"`
	ServiceName string             `json:"service_name"`
	Timestamp   string             `json:"timestamp"`
	Pipeline    PipelineHealth     `json:"pipeline"`
	Stats       PipelineStatsReply `json:"stats"`
}

type PipelineHealth struct {
	State      string `json:"state"`
	Network    string `json:"network"`
	QueueDepth int    `json:"queue_depth"`
	Endpoint   string `json:"endpoint"`
}

type PipelineStatsReply struct {
	EventsTracked    int64  `json:"events_tracked"`
	EventsDelivered  int64  `json:"events_delivered"`
	BatchesDelivered int64  `json:"batches_delivered"`
	DeliveryErrors   int64  `json:"delivery_errors"`
	MiddlewareErrors int64  `json:"middleware_errors"`
	StorageErrors    int64  `json:"storage_errors"`
	FlushCycles      int64  `json:"flush_cycles"`
	LastActivity     string `json:"last_activity"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
}

// FlushResponse reports the outcome of a manually triggered flush.
type FlushResponse struct {
	Delivered int    `json:"delivered"`
	Remaining int    `json:"remaining"`
	Skipped   bool   `json:"skipped"`
	Error     string `json:"error,omitempty"`
}

// ConfigResponse represents the current system configuration
type ConfigResponse struct {
	App      AppConfig            `json:"app"`
	Server   ServerConfig         `json:"server"`
	Pipeline PipelineConfigMasked `json:"pipeline"`
	Storage  StorageConfig        `json:"storage"`
	Webhook  WebhookConfigMasked  `json:"webhook"`
	Udp      UdpConfig            `json:"udp"`
	Archive  ArchiveConfig        `json:"archive"`
	Alerting AlertingConfig       `json:"alerting"`
	Otel     OtelConfig           `json:"otel"`
	Dev      bool                 `json:"dev"`
}

type AppConfig struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type ServerConfig struct {
	ApiPort int `json:"api_port"`
}

type PipelineConfigMasked struct {
	Endpoint               string            `json:"endpoint"`
	Method                 string            `json:"method"`
	Headers                map[string]string `json:"headers"` // values are masked
	SyncingIntervalSeconds int               `json:"syncing_interval_seconds"`
	MaxBatchSizeKB         float64           `json:"max_batch_size_kb"`
	RetryAttempts          int               `json:"retry_attempts"`
	RetryDelaySeconds      int               `json:"retry_delay_seconds"`
}

type StorageConfig struct {
	Path string `json:"path"`
}

type WebhookConfigMasked struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Token   string `json:"token"` // This will be masked
}

type UdpConfig struct {
	Enabled             bool   `json:"enabled"`
	Host                string `json:"host"`
	Port                int    `json:"port"`
	ReadBufferSizeBytes int    `json:"read_buffer_size_bytes"`
}

type ArchiveConfig struct {
	Enabled             bool `json:"enabled"`
	EnableJsonOutput    bool `json:"json"`
	EnableParquetOutput bool `json:"parquet"`
}

type AlertingConfig struct {
	Enabled bool   `json:"enabled"`
	Url     string `json:"url"`
	Timeout int    `json:"timeout_seconds"`
}

type OtelConfig struct {
	Enabled               bool   `json:"enabled"`
	Endpoint              string `json:"endpoint"`
	ScrapeIntervalSeconds int    `json:"scrape_interval_seconds"`
}

// API holds the API configuration and services
type API struct {
	Services *services.Services
	Config   *config.Config
	Pipeline *pipeline.Pipeline
}

// NewAPI creates a new API instance
func NewAPI(services *services.Services, conf *config.Config, pipe *pipeline.Pipeline) *API {
	return &API{
		Services: services,
		Config:   conf,
		Pipeline: pipe,
	}
}

// maskSensitiveValue masks sensitive configuration values
func maskSensitiveValue(value string) string {
	if value == "" {
		return ""
	}
	if len(value) <= 8 {
		return "***"
	}
	return value[:4] + "***" + value[len(value)-4:]
}

// HealthCheck returns a health check handler
func (api *API) HealthCheck() usecase.Interactor {
	u := usecase.NewInteractor(func(ctx context.Context, input struct{}, output *HealthResponse) error {
		cfg := api.Config
		stats := api.Pipeline.GetStats()
		state := api.Pipeline.State()

		// The pipeline is healthy while it is draining or ready to drain.
		overallStatus := "healthy"
		if state != pipeline.StateRunning && state != pipeline.StateReady {
			overallStatus = "degraded"
		}

		output.Status = overallStatus
		output.Version = cfg.App.Version
		output.ServiceName = cfg.App.Name
		output.Timestamp = time.Now().UTC().Format(time.RFC3339)

		output.Pipeline = PipelineHealth{
			State:      state.String(),
			Network:    api.Pipeline.Network().String(),
			QueueDepth: api.Pipeline.QueueDepth(),
			Endpoint:   cfg.Pipeline.Endpoint,
		}

		output.Stats = statsReply(stats)

		log.Debugf("Health check completed: status=%s", overallStatus)
		return nil
	})

	u.SetTitle("Health Check")
	u.SetDescription("Check the health status of the EventPipe service")
	u.SetTags("Health")

	return u
}

// GetStats returns a handler exposing pipeline delivery counters
func (api *API) GetStats() usecase.Interactor {
	u := usecase.NewInteractor(func(ctx context.Context, input struct{}, output *PipelineStatsReply) error {
		*output = statsReply(api.Pipeline.GetStats())
		return nil
	})

	u.SetTitle("Get Pipeline Stats")
	u.SetDescription("Retrieve event delivery counters for the pipeline")
	u.SetTags("Pipeline")

	return u
}

// TriggerFlush returns a handler that forces an immediate flush cycle
func (api *API) TriggerFlush() usecase.Interactor {
	u := usecase.NewInteractor(func(ctx context.Context, input struct{}, output *FlushResponse) error {
		res := api.Pipeline.Flush(ctx)

		output.Delivered = res.Delivered
		output.Remaining = res.Remaining
		output.Skipped = res.Skipped
		if res.Err != nil {
			output.Error = res.Err.Error()
		}

		log.Debugf("Manual flush: delivered=%d remaining=%d skipped=%v", res.Delivered, res.Remaining, res.Skipped)
		return nil
	})

	u.SetTitle("Trigger Flush")
	u.SetDescription("Force an immediate delivery attempt of all queued events")
	u.SetTags("Pipeline")

	return u
}

// GetConfig returns a handler for getting current system configuration
func (api *API) GetConfig() usecase.Interactor {
	u := usecase.NewInteractor(func(ctx context.Context, input struct{}, output *ConfigResponse) error {
		cfg := api.Config

		output.App = AppConfig{
			Name:    cfg.App.Name,
			Version: cfg.App.Version,
		}

		output.Server = ServerConfig{
			ApiPort: cfg.Server.Port,
		}

		// Delivery configuration (with masked header values)
		maskedHeaders := make(map[string]string, len(cfg.Pipeline.Headers))
		for k, v := range cfg.Pipeline.Headers {
			maskedHeaders[k] = maskSensitiveValue(v)
		}
		output.Pipeline = PipelineConfigMasked{
			Endpoint:               cfg.Pipeline.Endpoint,
			Method:                 cfg.Pipeline.Method,
			Headers:                maskedHeaders,
			SyncingIntervalSeconds: cfg.Pipeline.SyncingIntervalSeconds,
			MaxBatchSizeKB:         cfg.Pipeline.MaxBatchSizeKB,
			RetryAttempts:          cfg.Pipeline.RetryAttempts,
			RetryDelaySeconds:      cfg.Pipeline.RetryDelaySeconds,
		}

		output.Storage = StorageConfig{
			Path: cfg.Storage.Path,
		}

		output.Webhook = WebhookConfigMasked{
			Enabled: cfg.Webhook.Enabled,
			Host:    cfg.Webhook.Host,
			Port:    cfg.Webhook.Port,
			Token:   maskSensitiveValue(cfg.Webhook.Token),
		}

		output.Udp = UdpConfig{
			Enabled:             cfg.Udp.Enabled,
			Host:                cfg.Udp.Host,
			Port:                cfg.Udp.Port,
			ReadBufferSizeBytes: cfg.Udp.ReadBufferSizeBytes,
		}

		output.Archive = ArchiveConfig{
			Enabled:             cfg.Archive.Enabled,
			EnableJsonOutput:    cfg.Archive.EnableJsonOutput,
			EnableParquetOutput: cfg.Archive.EnableParquetOutput,
		}

		output.Alerting = AlertingConfig{
			Enabled: cfg.Alerting.Enabled,
			Url:     cfg.Alerting.Url,
			Timeout: cfg.Alerting.TimeoutSeconds,
		}

		output.Otel = OtelConfig{
			Enabled:               cfg.Otel.Enabled,
			Endpoint:              cfg.Otel.Endpoint,
			ScrapeIntervalSeconds: cfg.Otel.ScrapeIntervalSeconds,
		}

		output.Dev = cfg.Server.Dev

		log.Debugf("Retrieved system configuration")
		return nil
	})

	u.SetTitle("Get System Configuration")
	u.SetDescription("Retrieve the current system configuration (sensitive values are masked)")
	u.SetTags("Configuration")

	return u
}

func statsReply(stats domain.PipelineStats) PipelineStatsReply {
	lastActivity := ""
	if !stats.LastActivity.IsZero() {
		lastActivity = stats.LastActivity.Format(time.RFC3339)
	}
	uptime := int64(0)
	if !stats.StartedAt.IsZero() {
		uptime = int64(time.Since(stats.StartedAt).Seconds())
	}
	return PipelineStatsReply{
		EventsTracked:    stats.EventsTracked,
		EventsDelivered:  stats.EventsDelivered,
		BatchesDelivered: stats.BatchesDelivered,
		DeliveryErrors:   stats.DeliveryErrors,
		MiddlewareErrors: stats.MiddlewareErrors,
		StorageErrors:    stats.StorageErrors,
		FlushCycles:      stats.FlushCycles,
		LastActivity:     lastActivity,
		UptimeSeconds:    uptime,
	}
}
