package bus

// PublishOptions controls a single broker publish.
type PublishOptions struct {
	Persistent bool
	// MessageID is copied to the broker message id when set.
	MessageID string
	Headers   map[string]string
}
