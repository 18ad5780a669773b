// Package logging provides the context-scoped logger every package in
// this module uses: a LoggerFactory pulled out of a context.Context,
// falling back to a no-op zap logger when the context carries none.
package logging

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Logger is the narrow logging interface every package var `log`
// uses: Debug, Info, Warn and Error, each with a formatted variant;
// Debug alone also has a structured-keys variant (Debugw).
type Logger interface {
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Debugw(msg string, keysAndValues ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
}

// LoggerFactory produces a Logger bound to a context, allowing the
// caller to swap in a test logger without touching package-level
// state.
type LoggerFactory func(ctx context.Context) Logger

type loggerFactoryContextKey struct{}

// WithLogger attaches f as the sole logger factory for ctx's subtree.
func WithLogger(ctx context.Context, f LoggerFactory) context.Context {
	return context.WithValue(ctx, loggerFactoryContextKey{}, f)
}

// WithAdditionalLogger adds f alongside whatever logger factory ctx
// already carries, broadcasting to both.
func WithAdditionalLogger(ctx context.Context, f LoggerFactory) context.Context {
	existing, ok := ctx.Value(loggerFactoryContextKey{}).(LoggerFactory)
	if !ok {
		return WithLogger(ctx, f)
	}
	return WithLogger(ctx, func(ctx context.Context) Logger {
		return Broadcast(existing(ctx), f(ctx))
	})
}

// Module returns a LoggerFactory that yields a Logger tagged with
// name, reading the underlying factory (if any) from the context
// supplied when the factory is invoked. Every package in this module
// declares `var log = logging.Module("mps/<pkg>")` at file scope.
func Module(name string) LoggerFactory {
	return func(ctx context.Context) Logger {
		if f, ok := ctx.Value(loggerFactoryContextKey{}).(LoggerFactory); ok {
			l := f(ctx)
			if n, ok := l.(namer); ok {
				return n.namedLogger(name)
			}
			return l
		}
		return defaultModuleLogger(name)
	}
}

// namer is implemented by loggers that support renaming themselves to
// a submodule; every Logger this package hands out implements it.
type namer interface {
	namedLogger(name string) Logger
}

var _ namer = (*zapLogger)(nil)
var _ namer = (*writerLogger)(nil)

var defaultZap = zap.NewNop().Sugar()

func defaultModuleLogger(name string) Logger {
	return &zapLogger{s: defaultZap.Named(name)}
}

type zapLogger struct {
	s *zap.SugaredLogger
}

func (l *zapLogger) namedLogger(name string) Logger { return &zapLogger{s: l.s.Named(name)} }
func (l *zapLogger) Debug(args ...interface{})       { l.s.Debug(args...) }
func (l *zapLogger) Debugf(f string, a ...interface{}) { l.s.Debugf(f, a...) }
func (l *zapLogger) Debugw(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l *zapLogger) Info(args ...interface{})        { l.s.Info(args...) }
func (l *zapLogger) Infof(f string, a ...interface{}) { l.s.Infof(f, a...) }
func (l *zapLogger) Warn(args ...interface{})        { l.s.Warn(args...) }
func (l *zapLogger) Warnf(f string, a ...interface{}) { l.s.Warnf(f, a...) }
func (l *zapLogger) Error(args ...interface{})       { l.s.Error(args...) }
func (l *zapLogger) Errorf(f string, a ...interface{}) { l.s.Errorf(f, a...) }

// NewZap wraps an existing *zap.Logger as a LoggerFactory, for hosts
// that want this module's diagnostics folded into their own zap
// configuration.
func NewZap(z *zap.Logger) LoggerFactory {
	s := z.Sugar()
	return func(ctx context.Context) Logger {
		return &zapLogger{s: s}
	}
}

// ToWriter returns a LoggerFactory whose loggers format plain lines
// (no level prefix) to w: one line per call, structured fields
// rendered as compact JSON after a tab.
func ToWriter(w interface{ Write([]byte) (int, error) }) LoggerFactory {
	return func(ctx context.Context) Logger {
		return &writerLogger{w: w}
	}
}

type writerLogger struct {
	w      interface{ Write([]byte) (int, error) }
	prefix string
}

func (l *writerLogger) namedLogger(name string) Logger { return &writerLogger{w: l.w, prefix: l.prefix} }

func (l *writerLogger) writeLine(s string) {
	fmt.Fprintln(l.w, s)
}

func (l *writerLogger) Debug(args ...interface{}) { l.writeLine(fmt.Sprint(args...)) }
func (l *writerLogger) Debugf(f string, a ...interface{}) { l.writeLine(fmt.Sprintf(f, a...)) }
func (l *writerLogger) Debugw(msg string, kv ...interface{}) {
	l.writeLine(msg + "\t" + jsonPairs(kv))
}
func (l *writerLogger) Info(args ...interface{})  { l.writeLine(fmt.Sprint(args...)) }
func (l *writerLogger) Infof(f string, a ...interface{}) { l.writeLine(fmt.Sprintf(f, a...)) }
func (l *writerLogger) Warn(args ...interface{})  { l.writeLine(fmt.Sprint(args...)) }
func (l *writerLogger) Warnf(f string, a ...interface{}) { l.writeLine(fmt.Sprintf(f, a...)) }
func (l *writerLogger) Error(args ...interface{}) { l.writeLine(fmt.Sprint(args...)) }
func (l *writerLogger) Errorf(f string, a ...interface{}) { l.writeLine(fmt.Sprintf(f, a...)) }

func jsonPairs(kv []interface{}) string {
	out := "{"
	for i := 0; i+1 < len(kv); i += 2 {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("%q:%v", fmt.Sprint(kv[i]), quoteIfString(kv[i+1]))
	}
	return out + "}"
}

func quoteIfString(v interface{}) interface{} {
	if s, ok := v.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	return v
}

// Broadcast returns a Logger that forwards every call to all of ls, in
// order.
func Broadcast(ls ...Logger) Logger {
	return broadcastLogger(ls)
}

type broadcastLogger []Logger

func (b broadcastLogger) namedLogger(name string) Logger {
	out := make(broadcastLogger, len(b))
	for i, l := range b {
		if n, ok := l.(namer); ok {
			out[i] = n.namedLogger(name)
		} else {
			out[i] = l
		}
	}
	return out
}

func (b broadcastLogger) Debug(args ...interface{}) {
	for _, l := range b {
		l.Debug(args...)
	}
}
func (b broadcastLogger) Debugf(f string, a ...interface{}) {
	for _, l := range b {
		l.Debugf(f, a...)
	}
}
func (b broadcastLogger) Debugw(msg string, kv ...interface{}) {
	for _, l := range b {
		l.Debugw(msg, kv...)
	}
}
func (b broadcastLogger) Info(args ...interface{}) {
	for _, l := range b {
		l.Info(args...)
	}
}
func (b broadcastLogger) Infof(f string, a ...interface{}) {
	for _, l := range b {
		l.Infof(f, a...)
	}
}
func (b broadcastLogger) Warn(args ...interface{}) {
	for _, l := range b {
		l.Warn(args...)
	}
}
func (b broadcastLogger) Warnf(f string, a ...interface{}) {
	for _, l := range b {
		l.Warnf(f, a...)
	}
}
func (b broadcastLogger) Error(args ...interface{}) {
	for _, l := range b {
		l.Error(args...)
	}
}
func (b broadcastLogger) Errorf(f string, a ...interface{}) {
	for _, l := range b {
		l.Errorf(f, a...)
	}
}

var _ namer = broadcastLogger(nil)
