package device

import (
	"context"
	"sync"
	"time"
)

// PollFunc reads one position
type PollFunc func(ctx context.Context, opts Options) (Fix, error)

// PollWatch turns a one-shot reader into a continuous subscription. The
// polling period starts at the initial interval and follows HintInterval.
type PollWatch struct {
	poll   PollFunc
	opts   Options
	events chan Event
	hint   chan time.Duration
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewPollWatch starts polling immediately and then every interval
func NewPollWatch(ctx context.Context, poll PollFunc, opts Options, interval time.Duration) *PollWatch {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	w := &PollWatch{
		poll:   poll,
		opts:   opts,
		events: make(chan Event, 1),
		hint:   make(chan time.Duration, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run(ctx, interval)
	return w
}

func (w *PollWatch) run(ctx context.Context, interval time.Duration) {
	defer close(w.done)
	defer close(w.events)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-w.hint:
			if d != interval {
				interval = d
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(interval)
			}
			continue
		case <-timer.C:
		}

		ev := w.sample(ctx)
		select {
		case w.events <- ev:
		case <-ctx.Done():
			return
		}
		timer.Reset(interval)
	}
}

func (w *PollWatch) sample(ctx context.Context) Event {
	pctx := ctx
	if w.opts.Timeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, w.opts.Timeout)
		defer cancel()
	}
	fix, err := w.poll(pctx, w.opts)
	if err != nil {
		return Event{Err: asPositionError(pctx, err)}
	}
	return Event{Fix: fix}
}

// Events implements Subscription
func (w *PollWatch) Events() <-chan Event { return w.events }

// HintInterval changes the polling period; the newest hint wins
func (w *PollWatch) HintInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-w.hint:
	default:
	}
	select {
	case w.hint <- d:
	default:
	}
}

// Close stops polling and waits for the loop to exit
func (w *PollWatch) Close() error {
	w.once.Do(w.cancel)
	<-w.done
	return nil
}
