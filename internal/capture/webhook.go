package capture

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/mux"
	flatten "github.com/jeremywohl/flatten"
	"github.com/n0needt0/go-goodies/log"

	"github.com/n0needt0/goodies/eventpipe/internal/domain"
	"github.com/n0needt0/goodies/eventpipe/internal/pipeline"
)

// WebhookConfig configures the HTTP capture plugin.
type WebhookConfig struct {
	Host  string
	Port  int
	Token string
}

// Webhook is a capture plugin that accepts tracking events over HTTP and
// dispatches them into the pipeline. Nested event context maps are flattened
// dot-style before dispatch so the collector sees one level of keys.
type Webhook struct {
	config     WebhookConfig
	dispatch   pipeline.Dispatch
	httpServer *http.Server
	wg         sync.WaitGroup
}

// NewWebhookFactory returns a PluginFactory for the pipeline's Use hook.
func NewWebhookFactory(cfg WebhookConfig) pipeline.PluginFactory {
	return func(dispatch pipeline.Dispatch) pipeline.Plugin {
		return &Webhook{config: cfg, dispatch: dispatch}
	}
}

func (l *Webhook) Name() string {
	return "webhook"
}

func (l *Webhook) router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/v1/events/{token}", func(w http.ResponseWriter, r *http.Request) {
		l.handleEvents(r.Context(), w, r)
	}).Methods("POST")

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	return r
}

// Start registers the capture mechanism: an HTTP listener on the configured
// port.
func (l *Webhook) Start() error {
	l.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", l.config.Host, l.config.Port),
		Handler: l.router(),
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		log.Infof("webhook capture listening on %s", l.httpServer.Addr)
		if err := l.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("webhook capture server failed: %v", err)
		}
	}()

	return nil
}

// Stop deregisters the listener.
func (l *Webhook) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if l.httpServer != nil {
		if err := l.httpServer.Shutdown(ctx); err != nil {
			log.Errorf("webhook capture shutdown error: %v", err)
		} else {
			log.Info("webhook capture shutdown complete")
		}
	}
	l.wg.Wait()
	return nil
}

func (l *Webhook) handleEvents(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	token := vars["token"]

	if token != l.config.Token {
		log.Errorf("invalid capture token: %s", token)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("Unauthorized"))
		return
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("Invalid body"))
		return
	}
	defer r.Body.Close()

	events, err := decodeEvents(payload)
	if err != nil {
		log.Errorf("webhook payload error: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if len(events) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	for _, event := range events {
		if event.Context != nil {
			flat, err := flatten.Flatten(event.Context, "", flatten.DotStyle)
			if err == nil {
				event.Context = flat
			}
		}
		if err := l.dispatch(ctx, event); err != nil {
			log.Errorf("failed to queue captured event: %v", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}

	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte("Accepted"))
}

// decodeEvents accepts either a batch envelope {"events":[...]} or a single
// event object.
func decodeEvents(payload []byte) ([]domain.TrackingEvent, error) {
	var batch domain.EventBatch
	if err := sonic.Unmarshal(payload, &batch); err == nil && batch.Events != nil {
		return batch.Events, nil
	}

	var single domain.TrackingEvent
	if err := sonic.Unmarshal(payload, &single); err != nil {
		return nil, err
	}
	if single.Type == "" {
		return nil, fmt.Errorf("event has no type")
	}
	return []domain.TrackingEvent{single}, nil
}
