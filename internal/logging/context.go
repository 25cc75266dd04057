// Package logging carries workflow correlation through context.Context and
// into slog records.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

// Attribute keys added to correlated records.
const (
	KeyWorkflowInstance = "workflow_instance_id"
	KeyTaskRef          = "task_ref"
	KeyTaskKind         = "task_kind"
)

type ctxKey struct{}

// correlation is stored by value; every With* call derives a new one.
type correlation struct {
	workflowInstanceID string
	taskRef            string
	taskKind           string
}

func fromContext(ctx context.Context) correlation {
	c, _ := ctx.Value(ctxKey{}).(correlation)
	return c
}

// WithWorkflowInstance returns a context tagged with a workflow instance ID.
func WithWorkflowInstance(ctx context.Context, id string) context.Context {
	c := fromContext(ctx)
	c.workflowInstanceID = id
	return context.WithValue(ctx, ctxKey{}, c)
}

// WithTask returns a context tagged with the task being executed.
func WithTask(ctx context.Context, ref, kind string) context.Context {
	c := fromContext(ctx)
	c.taskRef = ref
	c.taskKind = kind
	return context.WithValue(ctx, ctxKey{}, c)
}

// WorkflowInstanceID returns the tagged workflow instance, or "".
func WorkflowInstanceID(ctx context.Context) string {
	return fromContext(ctx).workflowInstanceID
}

// TaskRef returns the tagged task reference, or "".
func TaskRef(ctx context.Context) string {
	return fromContext(ctx).taskRef
}

// TaskKind returns the tagged task kind, or "".
func TaskKind(ctx context.Context) string {
	return fromContext(ctx).taskKind
}

func (c correlation) attrs() []slog.Attr {
	var out []slog.Attr
	if c.workflowInstanceID != "" {
		out = append(out, slog.String(KeyWorkflowInstance, c.workflowInstanceID))
	}
	if c.taskRef != "" {
		out = append(out, slog.String(KeyTaskRef, c.taskRef))
	}
	if c.taskKind != "" {
		out = append(out, slog.String(KeyTaskKind, c.taskKind))
	}
	return out
}

// LogWith returns logger enriched with the correlation found in ctx.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range fromContext(ctx).attrs() {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler injects the context's correlation attributes into every
// record, so callers only need logger.InfoContext(ctx, ...).
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps inner.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(fromContext(ctx).attrs()...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// ParseLevel maps debug, info, warn and error to slog levels. Anything else is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// NewLogger builds a correlated logger writing JSON, or text when format is "text".
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var inner slog.Handler
	if format == "text" {
		inner = slog.NewTextHandler(w, opts)
	} else {
		inner = slog.NewJSONHandler(w, opts)
	}
	return slog.New(NewCorrelationHandler(inner))
}
