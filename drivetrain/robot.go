package drivetrain

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// DefaultStepDelay is the pacing delay used when none is configured.
const DefaultStepDelay = 100 * time.Millisecond

var (
	errClosed      = errors.New("robot is closed")
	errNotThreaded = errors.New("robot is not running a step sequencer")
)

// Config controls how a Robot is initialised.
type Config struct {
	// Threaded starts a background sequencer. Without it the caller drives the phases
	// with ComputeNextStep.
	Threaded bool
	// Delay between steps. Zero selects DefaultStepDelay.
	Delay time.Duration
	// BusLock, if set, is held around every bus write. Robots sharing one physical bus
	// must share the lock.
	BusLock sync.Locker
	// BusErrorPolicy selects what happens after a failed write.
	BusErrorPolicy BusErrorPolicy
	// BusRetries is the number of extra attempts made under BusErrorRetry.
	BusRetries int
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Delay < 0 {
		return errors.Errorf("step delay must not be negative, got %v", c.Delay)
	}
	if _, err := ParseBusErrorPolicy(string(c.BusErrorPolicy)); err != nil {
		return err
	}
	if c.BusRetries < 0 {
		return errors.Errorf("bus retries must not be negative, got %d", c.BusRetries)
	}
	return nil
}

// Stats counts what the sequencer has done so far.
type Stats struct {
	Steps       uint64 // steps computed by the sequencer
	BusWrites   uint64 // successful bus writes
	BusFailures uint64 // writes that failed after any retries
}

// Robot drives the four wheel phases of one holonomic base.
type Robot struct {
	bus     Bus
	busLock sync.Locker
	policy  BusErrorPolicy
	retries int
	logger  logging.Logger

	// step accounting, direction and phase state
	mu      sync.Mutex
	pending uint32
	dir     Direction
	mode    StepMode
	phase   stepper
	active  bool // the sequencer is draining steps
	done    chan struct{}
	stats   Stats
	lastErr error

	delayMu sync.Mutex
	delay   time.Duration

	threaded bool
	wake     chan struct{}
	closed   chan struct{}
	cancel   context.CancelFunc
	workers  sync.WaitGroup
}

// NewRobot returns a Robot with all wheels at phase 0. If cfg.Threaded is set the step
// sequencer is started and runs until Close. A nil bus computes steps without writing them.
func NewRobot(cfg Config, bus Bus, logger logging.Logger) (*Robot, error) {
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid robot config")
	}
	policy, _ := ParseBusErrorPolicy(string(cfg.BusErrorPolicy))
	delay := cfg.Delay
	if delay == 0 {
		delay = DefaultStepDelay
	}

	r := &Robot{
		bus:     bus,
		busLock: cfg.BusLock,
		policy:  policy,
		retries: cfg.BusRetries,
		logger:  logger,
		done:    make(chan struct{}),
		delay:   delay,
		wake:    make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	if cfg.Threaded {
		r.startSequencer()
	}
	return r, nil
}

// Enqueue sets the travel direction and step mode and adds steps to the pending count. The
// new direction applies from the next computed step. It returns the count before the update.
// The pending count saturates at math.MaxUint32.
func (r *Robot) Enqueue(dir Direction, steps uint32, fullStep bool) uint32 {
	r.mu.Lock()
	prev := r.pending
	if steps > math.MaxUint32-prev {
		r.pending = math.MaxUint32
	} else {
		r.pending += steps
	}
	r.dir = dir
	r.mode = HalfStep
	if fullStep {
		r.mode = FullStep
	}
	r.mu.Unlock()

	if r.threaded {
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}
	return prev
}

// ResetSteps drops all pending steps and returns the previous count. A step already being
// written is not interrupted.
func (r *Robot) ResetSteps() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.pending
	r.pending = 0
	return prev
}

// Steps returns the number of pending steps.
func (r *Robot) Steps() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending
}

// Direction returns the current travel direction and step mode.
func (r *Robot) Direction() (Direction, StepMode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dir, r.mode
}

// SetDelay changes the pacing between steps and returns the previous delay. The sequencer
// picks it up on its next sleep.
func (r *Robot) SetDelay(d time.Duration) time.Duration {
	if d < 0 {
		d = 0
	}
	r.delayMu.Lock()
	defer r.delayMu.Unlock()
	prev := r.delay
	r.delay = d
	return prev
}

// Delay returns the pacing between steps.
func (r *Robot) Delay() time.Duration {
	r.delayMu.Lock()
	defer r.delayMu.Unlock()
	return r.delay
}

// Done returns a channel closed at the next completion, i.e. the next time the sequencer
// finds no pending steps after being woken.
func (r *Robot) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// WaitUntilDone blocks until the next completion. It waits even when nothing is pending;
// check Steps first to return early on an idle robot.
func (r *Robot) WaitUntilDone(ctx context.Context) error {
	if !r.threaded {
		return errNotThreaded
	}
	done := r.Done()
	select {
	case <-done:
		return nil
	case <-r.closed:
		return errClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitIdle blocks until nothing is pending and the sequencer has finished its last step.
// Unlike WaitUntilDone it returns at once on an idle robot.
func (r *Robot) WaitIdle(ctx context.Context) error {
	if !r.threaded {
		return errNotThreaded
	}
	for {
		r.mu.Lock()
		done := r.done
		idle := r.pending == 0 && !r.active
		r.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-done:
		case <-r.closed:
			return errClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ComputeNextStep advances the wheel phases once using the current direction and step mode
// and returns the new control word. It is meant for robots created without a sequencer.
// The step lock is held, and the pending count is left alone.
func (r *Robot) ComputeNextStep() uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase.next(r.dir, r.mode)
}

// ControlWord returns the last computed control word.
func (r *Robot) ControlWord() uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase.word
}

// Phases returns the half step index of every wheel, indexed by Wheel.
func (r *Robot) Phases() [4]uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase.phases
}

// Stats returns the sequencer counters.
func (r *Robot) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// LastBusError returns the error of the most recent failed write, or nil if the most recent
// write succeeded.
func (r *Robot) LastBusError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Close stops the sequencer, if any, and waits for it to exit. Waiters blocked in
// WaitUntilDone return an error.
func (r *Robot) Close() error {
	r.mu.Lock()
	select {
	case <-r.closed:
		r.mu.Unlock()
		return nil
	default:
	}
	close(r.closed)
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		r.logger.Debug("stopping step sequencer")
		cancel()
		r.workers.Wait()
	}
	return nil
}
