package drivetrain

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.viam.com/utils"
)

const (
	retryInitialInterval = 5 * time.Millisecond
	retryMaxInterval     = 100 * time.Millisecond
)

// startSequencer launches the step goroutine. Called once, from NewRobot.
func (r *Robot) startSequencer() {
	var ctx context.Context
	ctx, r.cancel = context.WithCancel(context.Background())
	r.threaded = true

	r.logger.Debug("starting step sequencer")
	r.workers.Add(1)
	go func() {
		defer r.workers.Done()
		r.run(ctx)
	}()
}

// run is the sequencer loop. While idle it blocks until Enqueue wakes it, then steps until
// nothing is pending and broadcasts completion.
func (r *Robot) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.wake:
		}
		if !r.drain(ctx) {
			return
		}
		r.signalDone()
	}
}

// drain executes pending steps one at a time. It returns false if ctx was cancelled.
func (r *Robot) drain(ctx context.Context) bool {
	for {
		word, remaining, ok := r.advance()
		if !ok {
			return true
		}
		r.emit(ctx, word, remaining)

		if !utils.SelectContextOrWait(ctx, r.Delay()) {
			return false
		}
	}
}

// advance computes one step and consumes it from the pending count.
func (r *Robot) advance() (uint16, uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == 0 {
		return 0, 0, false
	}
	r.active = true
	word := r.phase.next(r.dir, r.mode)
	r.pending--
	r.stats.Steps++
	return word, r.pending, true
}

// signalDone wakes every current waiter and arms a new channel for the next completion.
func (r *Robot) signalDone() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = false
	close(r.done)
	r.done = make(chan struct{})
}

// emit sends one control word to the bus and applies the bus error policy.
func (r *Robot) emit(ctx context.Context, word uint16, remaining uint32) {
	if r.bus == nil {
		r.logger.Debugf("no bus set: %6d %#06x", remaining, word)
		return
	}

	var err error
	if r.policy == BusErrorRetry && r.retries > 0 {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = retryInitialInterval
		eb.MaxInterval = retryMaxInterval
		b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.retries)), ctx)
		// the bus lock is released between attempts
		err = backoff.Retry(func() error {
			return r.write(ctx, word)
		}, b)
	} else {
		err = r.write(ctx, word)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastErr = err
	if err == nil {
		r.stats.BusWrites++
		return
	}
	r.stats.BusFailures++
	if r.policy == BusErrorStop {
		r.logger.CErrorf(ctx, "bus write of %#06x failed, dropping %d pending steps: %v", word, r.pending, err)
		r.pending = 0
		return
	}
	r.logger.CWarnf(ctx, "bus write of %#06x failed (%d failures so far): %v", word, r.stats.BusFailures, err)
}

// write performs a single bus write. While the shared bus lock is held the write runs on a
// context that cannot be cancelled, so a word is never left half written.
func (r *Robot) write(ctx context.Context, word uint16) error {
	if r.busLock == nil {
		return r.bus.WriteWord(ctx, word)
	}
	r.busLock.Lock()
	defer r.busLock.Unlock()
	return r.bus.WriteWord(context.WithoutCancel(ctx), word)
}
