package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/n0needt0/go-goodies/log"
	"github.com/n0needt0/goodies/eventpipe/internal/alerts"
	"github.com/n0needt0/goodies/eventpipe/internal/api"
	"github.com/n0needt0/goodies/eventpipe/internal/archive"
	"github.com/n0needt0/goodies/eventpipe/internal/capture"
	"github.com/n0needt0/goodies/eventpipe/internal/config"
	"github.com/n0needt0/goodies/eventpipe/internal/domain"
	"github.com/n0needt0/goodies/eventpipe/internal/pipeline"
	"github.com/n0needt0/goodies/eventpipe/internal/services"
	"github.com/n0needt0/goodies/eventpipe/internal/storage"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	conf      = config.Config{}
	envPrefix = "EP_"
)

// Run wires the durable queue, the delivery pipeline, the capture webhook,
// the archive sink and the ops API together and blocks until shutdown.
func Run(cmd *cobra.Command) error {

	cfgFilePath, _ := cmd.Flags().GetString("config")

	err := config.LoadConfig(cfgFilePath, envPrefix, &conf)
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	if err := config.LoadFlags(cmd); err != nil {
		return errors.Wrap(err, "failed to load flags")
	}

	setLogLevel(conf.Logging.Level)

	var otelshutdown func()

	if conf.Otel.Enabled {
		//this initializes global otel provider
		otelshutdown = InitOtelProvider(&conf)
	}

	// Business Logic
	services := services.NewServices(&conf)

	server := NewServer(services, &conf)

	if conf.Alerting.Enabled || conf.Server.Dev {
		server.Alerts = alerts.NewAlertClient(alerts.AlertClientConfig{
			Alerting: alerts.AlertingConfig{
				Enabled:          conf.Alerting.Enabled,
				Endpoint:         conf.Alerting.Url,
				Token:            conf.Alerting.Token,
				Timeout:          conf.Alerting.TimeoutSeconds,
				ExpectedHttpCode: conf.Alerting.ExpectedHttpCode,
				MutePeriod:       conf.Alerting.MutePeriodSeconds,
			},
			App: alerts.AppConfig{Name: conf.App.Name, Version: conf.App.Version},
			Dev: conf.Server.Dev,
		})
	}

	if conf.Archive.Enabled {
		server.Archiver = archive.NewArchiver(services, &conf)
		if err := server.Archiver.Start(); err != nil {
			return errors.Wrap(err, "failed to start archiver")
		}
	}

	store := storage.NewQueue(conf.Storage.Path)

	server.Signals = pipeline.NewChanSignalSource()

	opts := pipeline.Options{
		Endpoint:        conf.Pipeline.Endpoint,
		Method:          conf.Pipeline.Method,
		Headers:         conf.Pipeline.Headers,
		SyncingInterval: conf.Pipeline.SyncingInterval(),
		MaxBatchSizeKB:  conf.Pipeline.MaxBatchSizeKB,
		RetryAttempts:   conf.Pipeline.RetryAttempts,
		RetryDelay:      conf.Pipeline.RetryDelay(),
		RequestTimeout:  conf.Pipeline.RequestTimeout(),
		GlobalContext: map[string]any{
			"app":     conf.App.Name,
			"version": conf.App.Version,
			"env":     conf.App.Env,
		},
		Debug: conf.Server.Dev,
	}
	if server.Archiver != nil {
		archiver := server.Archiver
		opts.OnSuccess = func(events []domain.TrackingEvent) {
			archiver.Enqueue(events)
		}
	}
	if server.Alerts != nil {
		alertClient := server.Alerts
		opts.OnError = func(err error, events []domain.TrackingEvent) {
			if alertErr := alertClient.SendDeliveryFailureAlert(conf.Pipeline.Endpoint, err); alertErr != nil {
				log.Errorf("failed to send delivery failure alert: %v", alertErr)
			}
		}
	}

	var meter = services.OtelMeter
	pipe, err := pipeline.New(store, server.Signals, opts, meter)
	if err != nil {
		return errors.Wrap(err, "failed to initialize pipeline")
	}
	server.Pipeline = pipe

	if conf.Webhook.Enabled {
		if err := pipe.Use(capture.NewWebhookFactory(capture.WebhookConfig{
			Host:  conf.Webhook.Host,
			Port:  conf.Webhook.Port,
			Token: conf.Webhook.Token,
		})); err != nil {
			return errors.Wrap(err, "failed to register webhook capture")
		}
	}

	if conf.Udp.Enabled {
		if err := pipe.Use(capture.NewUDPFactory(capture.UDPConfig{
			Host:                conf.Udp.Host,
			Port:                conf.Udp.Port,
			ReadBufferSizeBytes: conf.Udp.ReadBufferSizeBytes,
		})); err != nil {
			return errors.Wrap(err, "failed to register udp capture")
		}
	}

	if err := pipe.Start(); err != nil {
		return errors.Wrap(err, "failed to start pipeline")
	}

	server.HttpApi = api.NewAPIServer(services, &conf, pipe)

	go server.Start(server.probeConnectivity, nil)

	//start api server, blocks until shutdown
	server.HttpApi.Serve(":"+strconv.Itoa(conf.Server.Port), server.HttpApi.NewRouter())

	if conf.Otel.Enabled {
		//cleanup otel
		otelshutdown()
	}

	return nil
}

func setLogLevel(levelStr string) {
	switch strings.ToLower(levelStr) {
	case "debug":
		log.SetMinLogLevel(log.MinLevelDebug)
	case "info":
		log.SetMinLogLevel(log.MinLevelInfo)
	case "warn":
		log.SetMinLogLevel(log.MinLevelWarn)
	case "error":
		log.SetMinLogLevel(log.MinLevelError)
	}
}

// Server provides basic service functions and state common to all service types
type Server struct {
	Config   *config.Config
	Name     string
	quitterC chan time.Duration
	HttpApi  *api.APIServer
	Pipeline *pipeline.Pipeline
	Archiver *archive.Archiver
	Alerts   *alerts.AlertClient
	Signals  *pipeline.ChanSignalSource
	Services *services.Services

	online bool
}

func NewServer(services *services.Services, conf *config.Config) *Server {
	return &Server{
		Config:   conf,
		Name:     conf.App.Name,
		quitterC: make(chan time.Duration),
		Services: services,
		online:   true,
	}
}

func (svc *Server) Start(housekeepingFn func(), quitterFn func(time.Duration)) {

	// exit cleanly on signal
	signalC := make(chan os.Signal, 1)
	signal.Notify(signalC, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGABRT, syscall.SIGTERM)
	go func() {
		sig := <-signalC
		log.Debugf("Received signal %v", sig)

		if err := svc.Stop(2 * time.Second); err != nil {
			log.Fatalf("error stopping service: %v", err)
		}
	}()

	interval := time.Duration(svc.Config.Pipeline.ProbeIntervalSeconds) * time.Second

	if interval <= 0 {
		interval = 10 * time.Second
		log.Errorf("invalid probe-interval: %d", interval)
	}

	ticker := time.NewTicker(interval)

	for {
		select {
		case <-ticker.C:
			if housekeepingFn != nil {
				housekeepingFn()
			}
		case timeout := <-svc.quitterC:
			log.Debug("housekeeping")

			if quitterFn != nil {
				quitterFn(timeout)
			}

			//lets bring em down one by one
			if err := svc.Pipeline.Stop(); err != nil {
				log.Errorf("error stopping pipeline: %v", err)
			}

			if svc.Archiver != nil {
				if err := svc.Archiver.Shutdown(); err != nil {
					log.Errorf("error stopping archiver: %v", err)
				}
			}

			svc.HttpApi.Stop()

			return
		}
	}
}

// probeConnectivity checks whether the delivery endpoint is reachable and
// feeds online/offline transitions to the pipeline. Any HTTP response counts
// as reachable, only transport failures flip the state.
func (svc *Server) probeConnectivity() {
	endpoint := svc.Config.Pipeline.Endpoint
	if endpoint == "" {
		return
	}

	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodHead, endpoint, nil)
	if err != nil {
		return
	}

	resp, err := client.Do(req)
	online := err == nil
	if resp != nil {
		resp.Body.Close()
	}

	if online == svc.online {
		return
	}
	svc.online = online

	if online {
		log.Infof("delivery endpoint reachable again, resuming flushes")
		svc.Signals.Emit(pipeline.SignalOnline)
	} else {
		log.Warnf("delivery endpoint unreachable, suspending flushes: %v", err)
		svc.Signals.Emit(pipeline.SignalOffline)
	}
}

func (svc *Server) Stop(timeout time.Duration) error {
	defer close(svc.quitterC)

	log.Debugf("sending timeout %s to quitterC:", timeout)

	select {
	case svc.quitterC <- timeout:
		log.Debug("sent")
	case <-time.After(timeout + (100 * time.Millisecond)):
		log.Debug("timed out")
	default:
		log.Debug("must have already closed")
	}
	return nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "eventpipe",
		Short: "Durable event delivery pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return Run(cmd)
		},
	}
	rootCmd.Flags().String("config", "config.yaml", "path to config file")

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("failed to start: %s\n", err.Error())
		os.Exit(11)
	}
}
