package datascope

import (
	"fmt"

	"github.com/oarkflow/datascope/logger"
)

// WithLogger replaces the default structured logger. Pass
// logger.NewNullLogger() to silence the engine in tests.
func WithLogger(l logger.Logger) EngineOption {
	return func(e *Engine) error {
		if l == nil {
			return fmt.Errorf("logger must not be nil")
		}
		e.logger = l
		return nil
	}
}

// WithTraceIDFunc supplies correlation ids for decision logs and audit
// entries.
func WithTraceIDFunc(fn logger.TraceIDFunc) EngineOption {
	return func(e *Engine) error {
		if fn == nil {
			return fmt.Errorf("trace id func must not be nil")
		}
		e.traceIDFunc = fn
		return nil
	}
}
