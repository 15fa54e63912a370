package traces

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), "", testLogger())
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
}

func TestStartSpan_RecordsNameAndAttributes(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	_, span := StartSpan(context.Background(), "escrow.fund",
		EscrowID("esc_1"), TxRef("0xabc"))
	span.End()

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	got := spans[0]
	if got.Name() != "escrow.fund" {
		t.Errorf("span name = %q, want escrow.fund", got.Name())
	}

	want := map[attribute.Key]string{
		"escrow.id": "esc_1",
		"tx.ref":    "0xabc",
	}
	for _, kv := range got.Attributes() {
		if v, ok := want[kv.Key]; ok {
			if kv.Value.AsString() != v {
				t.Errorf("attribute %s = %q, want %q", kv.Key, kv.Value.AsString(), v)
			}
			delete(want, kv.Key)
		}
	}
	for k := range want {
		t.Errorf("attribute %s missing from span", k)
	}
}

func TestAttributeHelpers(t *testing.T) {
	tests := []struct {
		kv   attribute.KeyValue
		key  string
		want string
	}{
		{OrderID("ord_1"), "order.id", "ord_1"},
		{EscrowID("esc_1"), "escrow.id", "esc_1"},
		{DisputeID("dsp_1"), "dispute.id", "dsp_1"},
		{WalletAddr("0xabc"), "wallet.addr", "0xabc"},
		{Amount("10.00"), "amount", "10.00"},
		{TxRef("0xdef"), "tx.ref", "0xdef"},
	}
	for _, tt := range tests {
		if string(tt.kv.Key) != tt.key {
			t.Errorf("key = %s, want %s", tt.kv.Key, tt.key)
		}
		if tt.kv.Value.AsString() != tt.want {
			t.Errorf("%s = %q, want %q", tt.key, tt.kv.Value.AsString(), tt.want)
		}
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
