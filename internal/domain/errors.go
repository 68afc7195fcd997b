package domain

// ConfigurationError wraps caller programming errors such as a missing
// endpoint. Never retried.
type ConfigurationError struct {
	Err error
}

func (c ConfigurationError) Error() string {
	return c.Err.Error()
}

func (c ConfigurationError) Unwrap() error {
	return c.Err
}

// StorageUnavailable wraps a failure to open the durable store.
type StorageUnavailable struct {
	Err error
}

func (s StorageUnavailable) Error() string {
	return s.Err.Error()
}

func (s StorageUnavailable) Unwrap() error {
	return s.Err
}

// StorageWriteError wraps a terminal durable append failure, surfaced after
// the write retry budget is spent.
type StorageWriteError struct {
	Err error
}

func (s StorageWriteError) Error() string {
	return s.Err.Error()
}

func (s StorageWriteError) Unwrap() error {
	return s.Err
}

// StorageDeleteError wraps a terminal durable removal failure.
type StorageDeleteError struct {
	Err error
}

func (s StorageDeleteError) Error() string {
	return s.Err.Error()
}

func (s StorageDeleteError) Unwrap() error {
	return s.Err
}

// TransportError wraps a per-attempt network or HTTP failure. Retried up to
// the configured attempt budget.
type TransportError struct {
	Err error
}

func (t TransportError) Error() string {
	return t.Err.Error()
}

func (t TransportError) Unwrap() error {
	return t.Err
}

// MiddlewareError wraps a transform chain failure. Fatal for the current
// batch, not retried; the batch stays queued for a later cycle.
type MiddlewareError struct {
	Err error
}

func (m MiddlewareError) Error() string {
	return m.Err.Error()
}

func (m MiddlewareError) Unwrap() error {
	return m.Err
}
