// Package dispatch implements the single funnel through which every tool
// invocation passes: look up the tool, validate arguments, invoke the
// handler under a scoped context, classify the outcome, and validate
// output. No caller reaches a handler directly.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cloudshipai/noetic/internal/registry"
	"github.com/cloudshipai/noetic/internal/schema"
)

// ErrorKind is one of the stable, externally-visible outcome classifications
// a ToolResult can carry.
type ErrorKind string

const (
	KindNone             ErrorKind = ""
	KindUnknownTool      ErrorKind = "unknownTool"
	KindValidationError  ErrorKind = "validationError"
	KindHandlerError     ErrorKind = "handlerError"
	KindTimeout          ErrorKind = "timeout"
	KindCancelled        ErrorKind = "cancelled"
	KindReferenceError   ErrorKind = "referenceError"
	KindCyclicDependency ErrorKind = "cyclicDependency"
	KindStoreUnavailable ErrorKind = "storeUnavailable"
	KindInvalidParams    ErrorKind = "invalidParams"
	KindNotFound         ErrorKind = "notFound"
)

// Status is the coarse outcome of a ToolCall.
type Status string

const (
	StatusOK              Status = "ok"
	StatusValidationError Status = "validationError"
	StatusHandlerError    Status = "handlerError"
	StatusTimeout         Status = "timeout"
	StatusCancelled       Status = "cancelled"
)

// TypedError lets a handler report a specific ErrorKind instead of being
// classified generically as handlerError.
type TypedError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *TypedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *TypedError) Unwrap() error { return e.Cause }

// NewTypedError builds a TypedError carrying kind.
func NewTypedError(kind ErrorKind, message string, cause error) *TypedError {
	return &TypedError{Kind: kind, Message: message, Cause: cause}
}

// ToolCall is one request to invoke a registered tool.
type ToolCall struct {
	Tool      string
	Arguments interface{}
	SessionID string
	Timeout   time.Duration
}

// ToolResult is the dispatcher's complete, structured answer to a ToolCall.
type ToolResult struct {
	Status        Status
	Output        interface{}
	ErrorKind     ErrorKind
	ErrorMessage  string
	ErrorDetails  []schema.ValidationError
	DurationMillis int64
	ProducedAt    time.Time
}

type sessionKey struct{}

// SessionID extracts the session handle a dispatched call was scoped to, if
// any. Handlers use this to key into session-scoped side effects.
func SessionID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(sessionKey{}).(string)
	return v, ok
}

// Dispatcher is the single funnel for tool invocation.
type Dispatcher struct {
	registry *registry.Registry
	tracer   trace.Tracer
}

// New constructs a Dispatcher over reg.
func New(reg *registry.Registry) *Dispatcher {
	return &Dispatcher{registry: reg, tracer: otel.Tracer("noetic/dispatch")}
}

// HasTool reports whether name is registered, so callers that only hold a
// Dispatcher (the workflow engine, at parse time) can reject an unknown
// tool without reaching past the dispatcher into the registry directly.
func (d *Dispatcher) HasTool(name string) bool {
	return d.registry.Has(name)
}

// Dispatch validates, invokes, and classifies one tool call. It never
// panics: a handler panic is recovered at this boundary and reported as
// handlerError, because a misbehaving handler must never bring the process
// down.
func (d *Dispatcher) Dispatch(ctx context.Context, call ToolCall) ToolResult {
	start := time.Now()
	ctx, span := d.tracer.Start(ctx, "dispatch.call", trace.WithAttributes(
		attribute.String("tool.name", call.Tool),
	))
	defer span.End()

	spec, err := d.registry.Get(call.Tool)
	if err != nil {
		return d.finish(start, Status(KindUnknownTool), nil, KindUnknownTool,
			fmt.Sprintf("tool %q is not registered", call.Tool), nil, span)
	}

	normalizedInput, valErrs := schema.Validate(spec.InputSchema, call.Arguments)
	if len(valErrs) > 0 {
		return d.finish(start, StatusValidationError, nil, KindValidationError,
			"arguments do not conform to the tool's input schema", valErrs, span)
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if call.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, call.Timeout)
		defer cancel()
	}
	if call.SessionID != "" {
		callCtx = context.WithValue(callCtx, sessionKey{}, call.SessionID)
	}

	output, handlerErr := invokeRecovered(callCtx, spec.Handler, normalizedInput)

	if handlerErr != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return d.finish(start, StatusTimeout, nil, KindTimeout,
				fmt.Sprintf("tool %q exceeded its deadline", call.Tool), nil, span)
		}
		if errors.Is(callCtx.Err(), context.Canceled) {
			return d.finish(start, StatusCancelled, nil, KindCancelled,
				fmt.Sprintf("tool %q was cancelled", call.Tool), nil, span)
		}
		var typed *TypedError
		if errors.As(handlerErr, &typed) {
			return d.finish(start, Status(typed.Kind), nil, typed.Kind, typed.Error(), nil, span)
		}
		return d.finish(start, StatusHandlerError, nil, KindHandlerError, handlerErr.Error(), nil, span)
	}

	validatedOutput, outErrs := schema.Validate(spec.OutputSchema, output)
	if len(outErrs) > 0 {
		return d.finish(start, StatusHandlerError, nil, KindHandlerError,
			fmt.Sprintf("tool %q produced output that violates its output schema (schemaViolation)", call.Tool),
			outErrs, span)
	}

	return d.finish(start, StatusOK, validatedOutput, KindNone, "", nil, span)
}

func (d *Dispatcher) finish(start time.Time, status Status, output interface{}, kind ErrorKind, message string, details []schema.ValidationError, span trace.Span) ToolResult {
	if kind != KindNone {
		span.SetStatus(codes.Error, message)
		span.SetAttributes(attribute.String("error.kind", string(kind)))
	}
	return ToolResult{
		Status:         status,
		Output:         output,
		ErrorKind:      kind,
		ErrorMessage:   message,
		ErrorDetails:   details,
		DurationMillis: time.Since(start).Milliseconds(),
		ProducedAt:     time.Now(),
	}
}

// invokeRecovered calls handler, converting any panic into a handlerError so
// one misbehaving tool cannot take down the dispatcher.
func invokeRecovered(ctx context.Context, handler registry.Handler, input interface{}) (out interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool handler panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return handler(ctx, input)
}
