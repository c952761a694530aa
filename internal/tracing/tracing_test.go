package tracing

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestSetupStdoutExportsSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	shutdown, err := Setup(context.Background(), Config{
		Exporter:    ExporterStdout,
		ServiceName: "stewardd",
		Writer:      &buf,
	})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	_, span := otel.Tracer("test").Start(context.Background(), "StartUnit")
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !strings.Contains(buf.String(), `"Name":"StartUnit"`) {
		t.Errorf("export missing span name:\n%s", buf.String())
	}
}

func TestSetupNone(t *testing.T) {
	for _, exporter := range []string{"", ExporterNone} {
		shutdown, err := Setup(context.Background(), Config{Exporter: exporter})
		if err != nil {
			t.Fatalf("Setup(%q): %v", exporter, err)
		}
		if err := shutdown(context.Background()); err != nil {
			t.Errorf("shutdown(%q): %v", exporter, err)
		}
	}
}

func TestSetupRejectsUnknownExporter(t *testing.T) {
	if _, err := Setup(context.Background(), Config{Exporter: "jaeger"}); err == nil {
		t.Fatal("Setup accepted an unknown exporter")
	}
}
