// Package events publishes per-session audit records.
package events

import (
	"context"

	"github.com/matst80/procwrap/internal/obs"
	"github.com/matst80/procwrap/internal/proto"
)

// Sink receives audit events. Emit must not block for long and never fails
// the session; delivery problems are logged by the sink itself.
type Sink interface {
	Emit(ctx context.Context, ev proto.Event)
	Close() error
}

// Options selects and configures a sink.
type Options struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Stream        string
}

// New returns a Redis stream sink when an address is configured and a sink
// that writes events to the debug log otherwise.
func New(opts Options) (Sink, error) {
	if opts.RedisAddr == "" {
		obs.Info("events.backend", obs.Fields{"type": "log"})
		return LogSink{}, nil
	}
	obs.Info("events.backend", obs.Fields{"type": "redis", "addr": opts.RedisAddr, "stream": opts.Stream})
	return newRedisSink(opts)
}

// LogSink writes events at debug level.
type LogSink struct{}

func (LogSink) Emit(_ context.Context, ev proto.Event) {
	f := obs.Fields{"type": string(ev.Type), "session": ev.Session}
	if ev.Result != "" {
		f["result"] = ev.Result
	}
	if ev.Error != "" {
		f["err"] = ev.Error
	}
	obs.Debug("events.emit", f)
}

func (LogSink) Close() error { return nil }
