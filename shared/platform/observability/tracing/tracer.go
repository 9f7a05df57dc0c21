package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Tracer hands out spans and owns the exporter lifecycle.
type Tracer interface {
	Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span)
	Close() error
	GetTracer(name string) trace.Tracer
}

type OTelTracer struct {
	provider    *sdktrace.TracerProvider
	conn        *grpc.ClientConn
	serviceName string
}

type TracerConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTELEndpoint   string
	SamplingRatio  float64
	Enabled        bool
}

// NewTracerWithConfig builds an OTLP/gRPC exporting tracer and installs it
// as the global provider. A disabled config yields a NoOpTracer.
func NewTracerWithConfig(cfg TracerConfig) (Tracer, error) {
	if !cfg.Enabled || cfg.OTELEndpoint == "" {
		return NewNoOpTracer(), nil
	}

	conn, err := grpc.NewClient(cfg.OTELEndpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create collector client: %w", err)
	}

	exporter, err := otlptracegrpc.New(context.Background(), otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := newResource(cfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	ratio := cfg.SamplingRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)

	t := NewTracerWithProvider(cfg.ServiceName, provider)
	t.conn = conn
	return t, nil
}

// NewTracerWithProvider wraps an existing provider, e.g. one backed by an
// in-memory exporter in tests.
func NewTracerWithProvider(serviceName string, provider *sdktrace.TracerProvider) *OTelTracer {
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &OTelTracer{provider: provider, serviceName: serviceName}
}

func (t *OTelTracer) Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.provider.Tracer(t.serviceName).Start(ctx, spanName, opts...)
}

func (t *OTelTracer) GetTracer(name string) trace.Tracer {
	return t.provider.Tracer(name)
}

// Close flushes pending spans and shuts the exporter down.
func (t *OTelTracer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := t.provider.Shutdown(ctx)
	if t.conn != nil {
		if cerr := t.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func newResource(cfg TracerConfig) (*resource.Resource, error) {
	return resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
			attribute.String("service.namespace", "inventory-ledger"),
		),
	)
}

type NoOpTracer struct{}

func NewNoOpTracer() Tracer {
	return &NoOpTracer{}
}

func (n *NoOpTracer) Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return ctx, trace.SpanFromContext(ctx)
}

func (n *NoOpTracer) GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

func (n *NoOpTracer) Close() error {
	return nil
}

// RecordError marks the span in ctx as failed.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

func GetTraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.IsValid() {
		return sc.TraceID().String()
	}
	return ""
}

// InjectTraceContext writes the W3C trace headers of ctx into carrier.
func InjectTraceContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

func ExtractTraceContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// Attribute keys shared by spans across layers.
var (
	HTTPMethodKey     = attribute.Key("http.method")
	HTTPRouteKey      = attribute.Key("http.route")
	HTTPStatusCodeKey = attribute.Key("http.status_code")
	HTTPUserAgentKey  = attribute.Key("http.user_agent")

	DBSystemKey    = attribute.Key("db.system")
	DBOperationKey = attribute.Key("db.operation")

	MessagingSystemKey      = attribute.Key("messaging.system")
	MessagingDestinationKey = attribute.Key("messaging.destination")

	ProductIDKey  = attribute.Key("inventory.product_id")
	OrderIDKey    = attribute.Key("inventory.order_id")
	QuantityKey   = attribute.Key("inventory.quantity")
	CommandKey    = attribute.Key("inventory.command")
	EventCountKey = attribute.Key("inventory.event_count")
)
