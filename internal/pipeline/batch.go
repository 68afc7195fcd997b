package pipeline

import (
	"github.com/bytedance/sonic"

	"github.com/n0needt0/goodies/eventpipe/internal/domain"
)

// SelectBatch returns the longest prefix of events whose cumulative
// JSON-serialized size stays within maxSizeKB. maxSizeKB <= 0 disables the
// cap and returns the full input. A first event that alone exceeds the cap is
// still returned by itself so oversized events make forward progress instead
// of starving the queue. Order is never changed.
func SelectBatch(events []domain.TrackingEvent, maxSizeKB float64) []domain.TrackingEvent {
	if maxSizeKB <= 0 {
		return events
	}

	var cumulative float64
	for i, event := range events {
		size := eventSizeKB(event)
		if cumulative+size > maxSizeKB && i > 0 {
			return events[:i]
		}
		cumulative += size
	}
	return events
}

// eventSizeKB estimates the wire size of one serialized event in kilobytes.
func eventSizeKB(event domain.TrackingEvent) float64 {
	body, err := sonic.Marshal(event)
	if err != nil {
		return 0
	}
	return float64(len(body)) / 1024.0
}
