package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/n0needt0/go-goodies/log"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/metric"

	"github.com/n0needt0/goodies/eventpipe/internal/domain"
	"github.com/n0needt0/goodies/eventpipe/internal/storage"
)

// State is the pipeline lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateReady
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// FlushResult is the outcome of one flush cycle, returned alongside the
// configured callbacks so synchronous consumers are supported too.
type FlushResult struct {
	Delivered int
	Remaining int
	Skipped   bool
	Err       error
}

// Pipeline is the orchestrator: it owns the configuration snapshot, the
// network state, the flush timer and the in-memory mirror of the durable
// queue, and coordinates capture plugins, batch selection and delivery.
//
// One Pipeline instance assumes exclusive use of its durable store. Running
// two instances over the same store is not detected; the composition root is
// responsible for uniqueness.
type Pipeline struct {
	store   *storage.Queue
	sender  *Sender
	signals SignalSource

	mu        sync.Mutex
	opts      Options
	plugins   []Plugin
	pluginIdx map[string]int
	mirror    []domain.TrackingEvent
	stats     domain.PipelineStats

	state    atomic.Int32
	network  atomic.Int32
	flushing atomic.Bool

	quit        chan struct{}
	unsubscribe func()
	wg          sync.WaitGroup

	metrics map[string]metric.Int64Counter
}

// New builds a pipeline over the given durable store and opens it. The
// returned pipeline is in StateReady. signals may be nil when no environment
// transitions are wired. meter may be nil to disable metrics.
func New(store *storage.Queue, signals SignalSource, opts Options, meter metric.Meter) (*Pipeline, error) {
	p := &Pipeline{
		store:     store,
		signals:   signals,
		opts:      opts.withDefaults(),
		pluginIdx: make(map[string]int),
	}
	p.sender = NewSender(p.opts.RequestTimeout)
	if p.signals == nil {
		p.signals = NewChanSignalSource()
	}

	if err := store.Init(); err != nil {
		return nil, err
	}
	p.state.Store(int32(StateReady))
	p.stats.StartedAt = time.Now()

	if meter != nil {
		p.metrics = make(map[string]metric.Int64Counter)
		for _, name := range []string{
			"eventpipe_events_tracked_total",
			"eventpipe_events_delivered_total",
			"eventpipe_batches_delivered_total",
			"eventpipe_delivery_errors_total",
		} {
			counter, err := meter.Int64Counter(name)
			if err != nil {
				log.Errorf("failed to create counter %s: %v", name, err)
				continue
			}
			p.metrics[name] = counter
		}
	}

	return p, nil
}

// Sender exposes the delivery engine, mainly so tests can inject a fake
// sleeper.
func (p *Pipeline) Sender() *Sender {
	return p.sender
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// Network returns the current connectivity state.
func (p *Pipeline) Network() NetworkState {
	return NetworkState(p.network.Load())
}

// Configure lays next over the current configuration snapshot: zero fields
// keep their value, GlobalContext is deep-merged. Takes effect from the next
// flush cycle.
func (p *Pipeline) Configure(next Options) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opts = merge(p.opts, next).withDefaults()
}

// Options returns a copy of the current configuration snapshot.
func (p *Pipeline) Options() Options {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opts
}

// GetStats returns a copy of the pipeline counters.
func (p *Pipeline) GetStats() domain.PipelineStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// QueueDepth returns the number of events in the in-memory mirror.
func (p *Pipeline) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.mirror)
}

// Use registers a capture plugin, constructing it with a dispatch function
// that re-ensures readiness and forwards into Track. Plugins are keyed by
// name; re-registering a name replaces the previous plugin. When the pipeline
// is already running the old plugin is stopped and the new one started.
func (p *Pipeline) Use(factory PluginFactory) error {
	dispatch := func(ctx context.Context, event domain.TrackingEvent) error {
		return p.Track(ctx, event)
	}
	plugin := factory(dispatch)
	if plugin == nil {
		return errors.New("plugin factory returned nil")
	}

	running := p.State() == StateRunning

	p.mu.Lock()
	var replaced Plugin
	if idx, ok := p.pluginIdx[plugin.Name()]; ok {
		replaced = p.plugins[idx]
		p.plugins[idx] = plugin
	} else {
		p.pluginIdx[plugin.Name()] = len(p.plugins)
		p.plugins = append(p.plugins, plugin)
	}
	p.mu.Unlock()

	if running {
		if replaced != nil {
			if err := replaced.Stop(); err != nil {
				log.Warnf("failed to stop replaced plugin %s: %v", replaced.Name(), err)
			}
		}
		if err := plugin.Start(); err != nil {
			return errors.Wrapf(err, "failed to start plugin %s", plugin.Name())
		}
	} else if replaced != nil {
		log.Debugf("plugin %s re-registered, previous registration replaced", plugin.Name())
	}

	return nil
}

// Track merges the global context under the event's own context (event keys
// win), durably appends the event, then mirrors it for fast bookkeeping. The
// event only counts as queued once the durable write succeeded.
func (p *Pipeline) Track(ctx context.Context, event domain.TrackingEvent) error {
	if err := p.store.Init(); err != nil {
		return err
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}

	p.mu.Lock()
	global := p.opts.GlobalContext
	p.mu.Unlock()

	merged := make(map[string]any, len(global)+len(event.Context))
	for k, v := range global {
		merged[k] = v
	}
	for k, v := range event.Context {
		merged[k] = v
	}
	event.Context = merged

	if err := p.store.Append([]domain.TrackingEvent{event}); err != nil {
		p.mu.Lock()
		p.stats.StorageErrors++
		p.mu.Unlock()
		return err
	}

	p.mu.Lock()
	p.mirror = append(p.mirror, event)
	p.stats.EventsTracked++
	p.stats.LastActivity = time.Now()
	p.mu.Unlock()

	p.count(ctx, "eventpipe_events_tracked_total", 1)
	return nil
}

// Start subscribes to environment signals, loads leftovers from a previous
// session, starts every registered plugin and begins the periodic flush
// timer. Idempotent while running.
func (p *Pipeline) Start() error {
	if p.State() == StateRunning {
		return nil
	}
	if err := p.store.Init(); err != nil {
		return err
	}

	leftovers, err := p.store.GetAll()
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.mirror = leftovers
	plugins := make([]Plugin, len(p.plugins))
	copy(plugins, p.plugins)
	quit := make(chan struct{})
	p.quit = quit
	p.mu.Unlock()

	sigC, unsubscribe := p.signals.Subscribe()
	p.mu.Lock()
	p.unsubscribe = unsubscribe
	p.mu.Unlock()
	p.state.Store(int32(StateRunning))

	for i, plugin := range plugins {
		if err := plugin.Start(); err != nil {
			for _, started := range plugins[:i] {
				_ = started.Stop()
			}
			unsubscribe()
			p.state.Store(int32(StateReady))
			return errors.Wrapf(err, "failed to start plugin %s", plugin.Name())
		}
		log.Debugf("started capture plugin %s", plugin.Name())
	}

	p.wg.Add(1)
	go p.run(quit, sigC)

	log.Infof("pipeline running, %d events pending from previous session", len(leftovers))
	return nil
}

// Stop cancels the flush timer, stops every plugin and unsubscribes from the
// signal source. Safe to call even if Start was never called. A flush already
// in flight finishes; no new one can be triggered until Start is called
// again.
func (p *Pipeline) Stop() error {
	wasRunning := p.State() == StateRunning
	p.state.Store(int32(StateStopped))
	if !wasRunning {
		return nil
	}

	p.mu.Lock()
	quit := p.quit
	plugins := make([]Plugin, len(p.plugins))
	copy(plugins, p.plugins)
	unsubscribe := p.unsubscribe
	p.unsubscribe = nil
	p.mu.Unlock()

	if quit != nil {
		close(quit)
	}
	for _, plugin := range plugins {
		if err := plugin.Stop(); err != nil {
			log.Warnf("failed to stop plugin %s: %v", plugin.Name(), err)
		}
	}
	if unsubscribe != nil {
		unsubscribe()
	}

	p.wg.Wait()
	log.Info("pipeline stopped")
	return nil
}

// Flush runs one delivery cycle now, subject to the same offline and
// single-flight rules as the timer.
func (p *Pipeline) Flush(ctx context.Context) FlushResult {
	return p.tryFlush(ctx)
}

func (p *Pipeline) run(quit chan struct{}, sigC <-chan Signal) {
	defer p.wg.Done()

	// Drain whatever an earlier session left behind before the first tick.
	p.tryFlush(context.Background())

	timer := time.NewTimer(p.interval())
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			p.tryFlush(context.Background())
			// Reschedule only after the cycle completed so overlapping
			// ticks never compound.
			timer.Reset(p.interval())
		case sig, ok := <-sigC:
			if !ok {
				return
			}
			p.handleSignal(sig)
		case <-quit:
			return
		}
	}
}

func (p *Pipeline) interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opts.SyncingInterval
}

func (p *Pipeline) handleSignal(sig Signal) {
	switch sig {
	case SignalOnline:
		p.network.Store(int32(StateOnline))
		log.Debug("network online, flushing")
		p.tryFlush(context.Background())
	case SignalOffline:
		p.network.Store(int32(StateOffline))
		log.Debug("network offline, deliveries suspended")
	case SignalHidden:
		p.network.Store(int32(StateHidden))
		log.Debug("page hidden, best-effort flush")
		p.tryFlush(context.Background())
	}
}

// tryFlush is the single-flight flush entry point shared by the timer, the
// reconnection signal, page-hide and manual Flush calls.
func (p *Pipeline) tryFlush(ctx context.Context) FlushResult {
	if p.State() != StateRunning {
		return FlushResult{Skipped: true, Remaining: p.QueueDepth()}
	}
	if p.Network() == StateOffline {
		return FlushResult{Skipped: true, Remaining: p.QueueDepth()}
	}
	if !p.flushing.CompareAndSwap(false, true) {
		return FlushResult{Skipped: true, Remaining: p.QueueDepth()}
	}
	defer p.flushing.Store(false)

	res := p.flushCycle(ctx)
	if res.Err != nil {
		// A bad batch must never take the timer loop down with it.
		log.Errorf("flush cycle ended with error: %v", res.Err)
	}

	p.mu.Lock()
	p.stats.FlushCycles++
	p.mu.Unlock()
	return res
}

func (p *Pipeline) flushCycle(ctx context.Context) (res FlushResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("recovered from panic in flush cycle: %v", r)
			res.Err = errors.Errorf("flush cycle panic: %v", r)
		}
	}()

	p.mu.Lock()
	pending := make([]domain.TrackingEvent, len(p.mirror))
	copy(pending, p.mirror)
	opts := p.opts
	p.mu.Unlock()

	for len(pending) > 0 {
		// A reconnection-state change observed mid-loop stops the cycle;
		// batches delivered earlier in the loop stay removed.
		if p.Network() == StateOffline {
			break
		}

		batch := SelectBatch(pending, opts.MaxBatchSizeKB)
		delivered, err := p.sender.Send(ctx, opts, batch)
		if !delivered {
			res.Err = err
			p.mu.Lock()
			p.stats.DeliveryErrors++
			if _, ok := err.(domain.MiddlewareError); ok {
				p.stats.MiddlewareErrors++
			}
			p.mu.Unlock()
			p.count(ctx, "eventpipe_delivery_errors_total", 1)
			break
		}

		if err := p.store.Remove(batch); err != nil {
			// The batch was delivered but not removed; it may be
			// redelivered next cycle, which at-least-once permits.
			res.Err = err
			p.mu.Lock()
			p.stats.StorageErrors++
			p.mu.Unlock()
			break
		}
		p.removeFromMirror(batch)

		pending = pending[len(batch):]
		res.Delivered += len(batch)

		p.mu.Lock()
		p.stats.EventsDelivered += int64(len(batch))
		p.stats.BatchesDelivered++
		p.stats.LastActivity = time.Now()
		p.mu.Unlock()
		p.count(ctx, "eventpipe_events_delivered_total", int64(len(batch)))
		p.count(ctx, "eventpipe_batches_delivered_total", 1)
	}

	res.Remaining = p.QueueDepth()
	return res
}

func (p *Pipeline) removeFromMirror(batch []domain.TrackingEvent) {
	delivered := make(map[domain.EventIdentity]struct{}, len(batch))
	for _, event := range batch {
		delivered[event.Identity()] = struct{}{}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.mirror[:0]
	for _, event := range p.mirror {
		if _, ok := delivered[event.Identity()]; !ok {
			kept = append(kept, event)
		}
	}
	p.mirror = kept
}

func (p *Pipeline) count(ctx context.Context, name string, n int64) {
	if p.metrics == nil {
		return
	}
	if counter, ok := p.metrics[name]; ok {
		counter.Add(ctx, n)
	}
}
