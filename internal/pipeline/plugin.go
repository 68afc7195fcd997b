package pipeline

import (
	"context"

	"github.com/n0needt0/goodies/eventpipe/internal/domain"
)

// Dispatch hands one captured event into the pipeline. Supplied to plugins at
// construction time; it re-ensures the durable store is ready before queueing.
type Dispatch func(ctx context.Context, event domain.TrackingEvent) error

// Plugin is a capture module: it observes some occurrence, converts it into a
// TrackingEvent and dispatches it. Start registers the capture mechanism,
// Stop deregisters it.
type Plugin interface {
	Name() string
	Start() error
	Stop() error
}

// PluginFactory builds a plugin around a pipeline-supplied dispatch function.
type PluginFactory func(dispatch Dispatch) Plugin
