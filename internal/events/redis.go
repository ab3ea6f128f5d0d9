package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/matst80/procwrap/internal/obs"
	"github.com/matst80/procwrap/internal/proto"
)

const (
	defaultStream = "procwrap:events"
	streamMaxLen  = 10000
	queueSize     = 1024
)

// redisSink appends events to a Redis stream so that several server
// instances can be audited from one place. Emit only queues; a single writer
// goroutine talks to Redis, so a slow server never delays a session.
type redisSink struct {
	client  *redis.Client
	stream  string
	timeout time.Duration

	queue     chan proto.Event
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex // guards closed against concurrent Emit
	closed    bool
}

func newRedisSink(opts Options) (*redisSink, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.RedisAddr,
		Password: opts.RedisPassword,
		DB:       opts.RedisDB,
		// per-event deadlines must reach the socket
		ContextTimeoutEnabled: true,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, "redis connection failed")
	}
	return startRedisSink(rdb, opts.Stream, time.Second), nil
}

func startRedisSink(client *redis.Client, stream string, timeout time.Duration) *redisSink {
	if stream == "" {
		stream = defaultStream
	}
	r := &redisSink{
		client:  client,
		stream:  stream,
		timeout: timeout,
		queue:   make(chan proto.Event, queueSize),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

var _ Sink = (*redisSink)(nil)

// Emit queues ev. When the queue is full or the sink is closed the event is
// dropped and counted.
func (r *redisSink) Emit(_ context.Context, ev proto.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop("events.redis.closed", ev, nil)
		return
	}
	select {
	case r.queue <- ev:
	default:
		r.drop("events.redis.queue_full", ev, nil)
	}
}

func (r *redisSink) run() {
	defer close(r.done)
	for ev := range r.queue {
		if err := r.write(ev); err != nil {
			r.drop("events.redis.xadd", ev, err)
		}
	}
}

func (r *redisSink) write(ev proto.Event) error {
	values, err := streamValues(ev)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	return r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: values,
	}).Err()
}

func (r *redisSink) drop(msg string, ev proto.Event, err error) {
	fields := obs.Fields{"session": ev.Session, "type": string(ev.Type)}
	if err != nil {
		fields["err"] = err.Error()
	}
	obs.Error(msg, fields)
	obs.EventsDroppedTotal.Inc()
}

// Close flushes queued events and closes the client.
func (r *redisSink) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
	})
	<-r.done
	return r.client.Close()
}

// streamValues flattens an event into stream fields: type and session for
// filtering with XRANGE consumers, plus the full JSON record.
func streamValues(ev proto.Event) (map[string]any, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"type":    string(ev.Type),
		"session": ev.Session,
		"data":    string(data),
	}, nil
}
