package observe

import (
	"bytes"
	"context"
	"log/slog"
	"regexp"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

var hexTraceID = regexp.MustCompile(`^[0-9a-f]{32}$`)

// useTestTracer installs an in-memory tracer as the global provider for the
// duration of the test.
func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLogs redirects the default logger into a buffer.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestSessionID_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	if got := SessionID(ctx); got != "" {
		t.Errorf("SessionID(background) = %q", got)
	}
	if WithSessionID(ctx, "") != ctx {
		t.Error("an empty id should leave the context unchanged")
	}
	if got := SessionID(WithSessionID(ctx, "sess-1")); got != "sess-1" {
		t.Errorf("SessionID = %q, want sess-1", got)
	}
}

func TestStartSpan_TagsSession(t *testing.T) {
	exp := useTestTracer(t)

	ctx := WithSessionID(context.Background(), "sess-42")
	ctx, span := StartSpan(ctx, "session.turn")
	if !hexTraceID.MatchString(CorrelationID(ctx)) {
		t.Errorf("CorrelationID = %q, want 32 hex chars", CorrelationID(ctx))
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "session.turn" {
		t.Fatalf("spans = %+v", spans)
	}
	found := false
	for _, a := range spans[0].Attributes {
		if a.Key == SessionIDKey && a.Value.AsString() == "sess-42" {
			found = true
		}
	}
	if !found {
		t.Error("span is missing the session.id attribute")
	}
}

func TestStartSpan_NoSessionNoAttribute(t *testing.T) {
	exp := useTestTracer(t)

	_, span := StartSpan(context.Background(), "plain")
	span.End()
	for _, a := range exp.GetSpans()[0].Attributes {
		if a.Key == SessionIDKey {
			t.Error("span outside a session should not carry session.id")
		}
	}
}

func TestCorrelationID(t *testing.T) {
	useTestTracer(t)

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}
	seen := make(map[string]bool)
	for range 50 {
		ctx, span := StartSpan(context.Background(), "unique")
		cid := CorrelationID(ctx)
		span.End()
		if seen[cid] {
			t.Fatalf("duplicate correlation id %s", cid)
		}
		seen[cid] = true
	}
}

func TestLogger(t *testing.T) {
	useTestTracer(t)
	buf := captureLogs(t)

	Logger(context.Background()).Info("bare")
	ctx, span := StartSpan(WithSessionID(context.Background(), "sess-7"), "logged")
	defer span.End()
	Logger(ctx).Info("scoped")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("got %d log lines: %s", len(lines), buf)
	}
	if bytes.Contains(lines[0], []byte("trace_id")) || bytes.Contains(lines[0], []byte("session_id")) {
		t.Errorf("bare logger should not add attributes: %s", lines[0])
	}
	for _, want := range []string{"session_id=sess-7", "trace_id=" + CorrelationID(ctx), "span_id="} {
		if !bytes.Contains(lines[1], []byte(want)) {
			t.Errorf("scoped log missing %q: %s", want, lines[1])
		}
	}
}
