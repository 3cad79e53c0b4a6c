package redis

import (
	"context"
	"errors"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/foldstream/foldstream/eventlog"
)

// subscription is one durable consumer-group cursor with its handler.
type subscription struct {
	name     string
	consumer string
	stream   string
	handler  eventlog.Handler
}

// Subscribe creates the subscriber's consumer group (a no-op when it
// already exists) and schedules a recurring task on the worker pool
// that drains un-acked plus new entries each tick.
//
// Handler errors are logged and the entry is acknowledged anyway:
// delivery is at-least-once but a failing handler is not retried, which
// keeps one bad event from wedging the whole group. Read and transport
// errors leave entries un-acked so the next tick retries them.
func (l *Log) Subscribe(subscriber string, handler eventlog.Handler, opts eventlog.SubscribeOptions) error {
	if l.closed.Load() {
		return eventlog.ErrClosed
	}

	stream := opts.Stream
	if stream == "" {
		stream = eventlog.AllStream
	}

	start := "0"
	if opts.StartFrom == eventlog.StartLatest {
		start = "$"
	}

	ctx := context.Background()
	err := l.client.XGroupCreateMkStream(ctx, streamKey(stream), subscriber, start).Err()
	if err != nil && !isBusyGroup(err) {
		return &eventlog.BackendError{Op: "create consumer group", Err: err}
	}

	sub := &subscription{
		name:     subscriber,
		consumer: subscriber + "-0",
		stream:   stream,
		handler:  handler,
	}
	l.pool.after(l.initialDelay, func() { l.tickSubscription(sub) })
	return nil
}

// tickSubscription runs one delivery pass and reschedules itself.
func (l *Log) tickSubscription(sub *subscription) {
	if l.closed.Load() {
		return
	}
	l.drain(sub)
	l.pool.after(l.tick, func() { l.tickSubscription(sub) })
}

// drain processes pending (previously delivered but un-acked) entries
// first, then new ones.
func (l *Log) drain(sub *subscription) {
	ctx := context.Background()
	for _, cursor := range []string{"0", ">"} {
		streams, err := l.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    sub.name,
			Consumer: sub.consumer,
			Streams:  []string{streamKey(sub.stream), cursor},
			Count:    readBatchSize,
			Block:    -1,
		}).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			l.logger.Error("subscription read failed",
				"subscriber", sub.name,
				"stream", sub.stream,
				"error", err,
			)
			return
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				l.handleMessage(ctx, sub, msg)
			}
		}
	}
}

func (l *Log) handleMessage(ctx context.Context, sub *subscription, msg goredis.XMessage) {
	ev, err := l.decodeEntry(sub.stream, msg)
	if err != nil {
		// An undecodable entry would otherwise be redelivered forever.
		l.logger.Error("subscription entry undecodable, acknowledging",
			"subscriber", sub.name,
			"stream", sub.stream,
			"entry", msg.ID,
			"error", err,
		)
	} else if err := sub.handler(ctx, ev); err != nil {
		l.logger.Error("subscription handler failed",
			"subscriber", sub.name,
			"stream", sub.stream,
			"event", ev.Type,
			"entry", msg.ID,
			"error", err,
		)
	}

	if err := l.client.XAck(ctx, streamKey(sub.stream), sub.name, msg.ID).Err(); err != nil {
		l.logger.Error("subscription ack failed",
			"subscriber", sub.name,
			"stream", sub.stream,
			"entry", msg.ID,
			"error", err,
		)
	}
}

// workerPool is a bounded scheduled executor: a fixed set of workers
// runs tasks enqueued by timers. It drives every subscription of a log.
type workerPool struct {
	tasks chan func()
	done  chan struct{}
	wg    sync.WaitGroup

	mu      sync.Mutex
	timers  map[*time.Timer]struct{}
	stopped bool
}

func newWorkerPool(workers int) *workerPool {
	p := &workerPool{
		tasks:  make(chan func(), 64),
		done:   make(chan struct{}),
		timers: make(map[*time.Timer]struct{}),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *workerPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case fn := <-p.tasks:
			fn()
		}
	}
}

// after schedules fn to be enqueued on the pool once d has elapsed.
func (p *workerPool) after(d time.Duration, fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		p.mu.Lock()
		delete(p.timers, timer)
		p.mu.Unlock()

		select {
		case p.tasks <- fn:
		case <-p.done:
		}
	})
	p.timers[timer] = struct{}{}
}

func (p *workerPool) stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for timer := range p.timers {
		timer.Stop()
	}
	p.timers = nil
	p.mu.Unlock()

	close(p.done)
	p.wg.Wait()
}
