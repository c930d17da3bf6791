// Package logging provides structured, context-aware logging for storygate.
//
// It wraps zap with methods that take a context.Context and append the story,
// owner and gate identifiers plus OpenTelemetry trace correlation carried by
// that context:
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	ctx = logging.WithStoryID(ctx, "STORY-42")
//	logger.Info(ctx, "snapshot captured", zap.Int("files", 12))
//
// Output goes to stderr so that command results on stdout stay machine
// readable. When an OTEL LoggerProvider is supplied, records are also bridged
// through otelzap.
//
// Library packages accept a plain *zap.Logger (see Logger.Underlying) and fall
// back to zap.NewNop when given nil.
package logging
