// Package logx wraps zerolog behind a small stable API: a Logger value that
// is safe to copy and a Service that can swap sinks and levels at runtime.
//
// The zero Logger is a no-op, so components can log unconditionally without
// nil checks during bootstrap.
package logx
