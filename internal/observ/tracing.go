package observ

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/lalithlochan/quiethours"

// Tracer returns the module tracer from the global provider. Without an
// installed provider the spans are no-ops.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}
