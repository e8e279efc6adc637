package errors

import "fmt"

// Error codes for the bus contracts. Keep stable; used across adapters and buses.
const (
	ErrCodeHandlerNotFound                  = "cqrsbus.handler_not_found"
	ErrCodeHandlerTypeMismatch              = "cqrsbus.handler_type_mismatch"
	ErrCodeMissingHandlerMetadata           = "cqrsbus.missing_handler_metadata"
	ErrCodeUnregisteredEventHandlerMetadata = "cqrsbus.unregistered_event_handler_metadata"
	ErrCodeWrongEventHandlerMetadata        = "cqrsbus.wrong_event_handler_metadata"
	ErrCodeUnrecognizedEventKind            = "cqrsbus.unrecognized_event_kind"
	ErrCodeEventBusNotInitialized           = "cqrsbus.event_bus_not_initialized"
	ErrCodeAsyncNotConfigured               = "cqrsbus.async_not_configured"
	ErrCodeNotConnected                     = "cqrsbus.not_connected"
	ErrCodeConnectTimeout                   = "cqrsbus.connect_timeout"
	ErrCodePublishFailed                    = "cqrsbus.publish_failed"
	ErrCodeSerializationFailed              = "cqrsbus.serialization_failed"
	ErrCodeClosed                           = "cqrsbus.closed"
)

// Code returns an error value that carries only a code string.
// It implements error by returning the code string in Error().
func Code(code string) error { return codedError(code) }

type codedError string

func (e codedError) Error() string { return string(e) }

var (
	ErrHandlerNotFound                  = Code(ErrCodeHandlerNotFound)
	ErrHandlerTypeMismatch              = Code(ErrCodeHandlerTypeMismatch)
	ErrMissingHandlerMetadata           = Code(ErrCodeMissingHandlerMetadata)
	ErrUnregisteredEventHandlerMetadata = Code(ErrCodeUnregisteredEventHandlerMetadata)
	ErrWrongEventHandlerMetadata        = Code(ErrCodeWrongEventHandlerMetadata)
	ErrUnrecognizedEventKind            = Code(ErrCodeUnrecognizedEventKind)
	ErrEventBusNotInitialized           = Code(ErrCodeEventBusNotInitialized)
	ErrAsyncNotConfigured               = Code(ErrCodeAsyncNotConfigured)
	ErrNotConnected                     = Code(ErrCodeNotConnected)
	ErrConnectTimeout                   = Code(ErrCodeConnectTimeout)
	ErrPublishFailed                    = Code(ErrCodePublishFailed)
	ErrSerializationFailed              = Code(ErrCodeSerializationFailed)
	ErrClosed                           = Code(ErrCodeClosed)
)

// HandlerNotFoundError reports a routing failure for a single identity.
// It matches ErrHandlerNotFound with errors.Is.
type HandlerNotFoundError struct {
	Kind string // "command", "query" or "event"
	Name string
}

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("%s: no %s handler bound for %q", ErrCodeHandlerNotFound, e.Kind, e.Name)
}

func (e *HandlerNotFoundError) Unwrap() error { return ErrHandlerNotFound }

// NotFound builds a HandlerNotFoundError.
func NotFound(kind, name string) error { return &HandlerNotFoundError{Kind: kind, Name: name} }
