// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennywise Contributors

package mail

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/samber/oops"

	"github.com/pennywise/pennywise/pkg/errutil"
)

// DefaultQueueSize is the number of messages a Queue buffers when none is
// given.
const DefaultQueueSize = 64

type job struct {
	ctx   context.Context
	email string
	token string
}

// Queue hands messages to a Sender on a background worker, so callers
// return before delivery happens. Delivery errors are logged.
type Queue struct {
	next   Sender
	logger *slog.Logger

	ch        chan job
	done      chan struct{}
	wg        sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewQueue starts a Queue in front of next. A non-positive size selects
// DefaultQueueSize and a nil logger uses slog.Default().
func NewQueue(next Sender, size int, logger *slog.Logger) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		next:   next,
		logger: logger,
		ch:     make(chan job, size),
		done:   make(chan struct{}),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		select {
		case j := <-q.ch:
			q.deliver(j)
		case <-q.done:
			for {
				select {
				case j := <-q.ch:
					q.deliver(j)
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) deliver(j job) {
	if err := q.next.SendPasswordReset(j.ctx, j.email, j.token); err != nil {
		errutil.LogError(j.ctx, q.logger, "password reset delivery failed", err)
	}
}

// SendPasswordReset enqueues the message. It fails with MAIL_QUEUE_FULL
// when the buffer is full and MAIL_QUEUE_CLOSED after Close.
func (q *Queue) SendPasswordReset(ctx context.Context, email, token string) error {
	if q.closed.Load() {
		return oops.Code("MAIL_QUEUE_CLOSED").With("to", email).Errorf("mail queue is closed")
	}
	j := job{ctx: context.WithoutCancel(ctx), email: email, token: token}
	select {
	case q.ch <- j:
		return nil
	case <-q.done:
		return oops.Code("MAIL_QUEUE_CLOSED").With("to", email).Errorf("mail queue is closed")
	default:
		return oops.Code("MAIL_QUEUE_FULL").With("to", email).Errorf("mail queue is full")
	}
}

// Close stops accepting messages, delivers what is buffered and waits for
// the worker to exit.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() {
		q.closed.Store(true)
		close(q.done)
		q.wg.Wait()
	})
	return nil
}

var _ Sender = (*Queue)(nil)
