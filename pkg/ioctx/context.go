// Package ioctx carries the process surroundings an evaluation may observe
// (output streams, environment variables and the clock) in a
// context.Context, so builtins never reach for globals and tests can swap
// them out.
package ioctx

import (
	"context"
	"io"
	"os"
	"time"
)

type stdoutKey struct{}
type stderrKey struct{}
type getenvKey struct{}
type clockKey struct{}

func StderrFromContext(ctx context.Context) io.Writer {
	if w, ok := ctx.Value(stderrKey{}).(io.Writer); ok {
		return w
	}
	return io.Discard
}

func StderrToContext(ctx context.Context, w io.Writer) context.Context {
	return context.WithValue(ctx, stderrKey{}, w)
}

func StdoutFromContext(ctx context.Context) io.Writer {
	if w, ok := ctx.Value(stdoutKey{}).(io.Writer); ok {
		return w
	}
	return io.Discard
}

func StdoutToContext(ctx context.Context, w io.Writer) context.Context {
	return context.WithValue(ctx, stdoutKey{}, w)
}

// GetenvFromContext returns the environment lookup in ctx, os.Getenv by
// default.
func GetenvFromContext(ctx context.Context) func(string) string {
	if fn, ok := ctx.Value(getenvKey{}).(func(string) string); ok {
		return fn
	}
	return os.Getenv
}

func GetenvToContext(ctx context.Context, getenv func(string) string) context.Context {
	return context.WithValue(ctx, getenvKey{}, getenv)
}

// EnvToContext installs a fixed environment.
func EnvToContext(ctx context.Context, env map[string]string) context.Context {
	return GetenvToContext(ctx, func(name string) string {
		return env[name]
	})
}

// NowFromContext returns the current time according to the clock in ctx.
func NowFromContext(ctx context.Context) time.Time {
	if now, ok := ctx.Value(clockKey{}).(func() time.Time); ok {
		return now()
	}
	return time.Now()
}

func ClockToContext(ctx context.Context, now func() time.Time) context.Context {
	return context.WithValue(ctx, clockKey{}, now)
}
