//go:build linux

// Package holonomicbase implements a mecanum base driven by four stepper motors whose coil
// phases are sequenced in software and written to a single driver bus.
package holonomicbase

import (
	"context"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/base"
	"go.viam.com/rdk/components/board/genericlinux/buses"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/operation"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/spatialmath"

	"github.com/viam-modules/holonomic/drivetrain"
)

// Bus types.
const (
	BusNone = ""
	BusSPI  = "spi"
	BusI2C  = "i2c"
)

// Defaults.
const (
	defaultStepDelayUsec    = 10000
	defaultMinStepDelayUsec = 1000

	// continuousSteps is the step budget used by SetVelocity and SetPower, large enough to
	// run until stopped.
	continuousSteps = 1 << 30

	maxDelay = time.Duration(math.MaxInt64)
)

// Config describes the configuration of a holonomic stepper base.
type Config struct {
	BusType    string `json:"bus_type,omitempty"`
	SPIBus     string `json:"spi_bus,omitempty"`
	ChipSelect string `json:"chip_select,omitempty"`
	SPIBaud    uint   `json:"spi_baud,omitempty"`
	SPIMode    *uint  `json:"spi_mode,omitempty"`
	I2CBus     string `json:"i2c_bus,omitempty"`
	I2CAddr    uint16 `json:"i2c_addr,omitempty"`
	Register   *uint8 `json:"register,omitempty"`

	StepDelayUsec    int     `json:"step_delay_usec,omitempty"`     // pacing at full power and for DoCommand moves
	MinStepDelayUsec int     `json:"min_step_delay_usec,omitempty"` // fastest pacing allowed
	FullStep         bool    `json:"full_step,omitempty"`
	MMPerStep        float64 `json:"mm_per_step"`
	DegsPerStep      float64 `json:"degs_per_step"`
	WidthMM          float64 `json:"width_mm,omitempty"`
	WheelCircumMM    float64 `json:"wheel_circumference_mm,omitempty"`

	BusErrorPolicy string `json:"bus_error_policy,omitempty"`
	BusRetries     int    `json:"bus_retries,omitempty"`
}

// Model for a holonomic base driven by software sequenced steppers.
var Model = resource.NewModel("viam", "holonomic", "stepper-base")

// Validate ensures all parts of the config are valid.
func (config *Config) Validate(path string) ([]string, []string, error) {
	switch config.BusType {
	case BusNone:
	case BusSPI:
		if config.SPIBus == "" {
			return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "spi_bus")
		}
		if config.ChipSelect == "" {
			return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "chip_select")
		}
		if config.SPIMode != nil && *config.SPIMode > 3 {
			return nil, nil, errors.Errorf("spi_mode must be between 0 and 3, got %d", *config.SPIMode)
		}
	case BusI2C:
		if config.I2CAddr > 0x7F {
			return nil, nil, errors.Errorf("i2c_addr must be a 7 bit address, got %#x", config.I2CAddr)
		}
	default:
		return nil, nil, errors.Errorf("bus_type must be %q, %q or empty, got %q", BusSPI, BusI2C, config.BusType)
	}
	if config.MMPerStep <= 0 {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "mm_per_step")
	}
	if config.DegsPerStep <= 0 {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "degs_per_step")
	}
	if config.StepDelayUsec < 0 || config.MinStepDelayUsec < 0 {
		return nil, nil, errors.New("step delays must not be negative")
	}
	if _, err := drivetrain.ParseBusErrorPolicy(config.BusErrorPolicy); err != nil {
		return nil, nil, err
	}
	if config.BusRetries < 0 {
		return nil, nil, errors.New("bus_retries must not be negative")
	}
	return nil, nil, nil
}

func init() {
	resource.RegisterComponent(base.API, Model, resource.Registration[base.Base, *Config]{
		Constructor: newBase,
	})
}

// Robots driving motors on the same physical bus share one lock, so their writes never
// interleave.
var (
	busLocksMu sync.Mutex
	busLocks   = map[string]*sync.Mutex{}
)

func busLock(key string) *sync.Mutex {
	busLocksMu.Lock()
	defer busLocksMu.Unlock()
	l, ok := busLocks[key]
	if !ok {
		l = &sync.Mutex{}
		busLocks[key] = l
	}
	return l
}

// stepperBase is a holonomic base whose four wheels are sequenced by a drivetrain.Robot.
type stepperBase struct {
	resource.Named
	resource.AlwaysRebuild

	robot     *drivetrain.Robot
	busCloser io.Closer
	logger    logging.Logger
	opMgr     *operation.SingleOperationManager

	fullStep     bool
	stepDelay    time.Duration
	minStepDelay time.Duration
	mmPerStep    float64
	degsPerStep  float64
	widthMM      float64
	wheelCircMM  float64

	// incremented by every motion request, so a cancelled move only stops its own motion
	moveGen atomic.Uint64
}

// newBase returns a holonomic stepper base.
func newBase(ctx context.Context, deps resource.Dependencies, c resource.Config, logger logging.Logger,
) (base.Base, error) {
	conf, err := resource.NativeConfig[*Config](c)
	if err != nil {
		return nil, err
	}

	var bus drivetrain.Bus
	var closer io.Closer
	var lock sync.Locker
	switch conf.BusType {
	case BusSPI:
		mode := uint(drivetrain.DefaultSPIMode)
		if conf.SPIMode != nil {
			mode = *conf.SPIMode
		}
		bus = drivetrain.NewSPIBus(buses.NewSpiBus(conf.SPIBus), drivetrain.SPIConfig{
			ChipSelect: conf.ChipSelect,
			Baud:       conf.SPIBaud,
			Mode:       mode,
			Register:   conf.Register,
		}, logger)
		lock = busLock(BusSPI + ":" + conf.SPIBus)
	case BusI2C:
		addr := conf.I2CAddr
		if addr == 0 {
			addr = drivetrain.DefaultI2CAddr
		}
		i2cBus, err := drivetrain.OpenI2CBus(conf.I2CBus, addr, conf.Register)
		if err != nil {
			return nil, err
		}
		bus, closer = i2cBus, i2cBus
		lock = busLock(BusI2C + ":" + conf.I2CBus)
	default:
		logger.CWarn(ctx, "bus_type not set, steps will be computed but not written")
	}

	b, err := makeBase(ctx, *conf, c.ResourceName(), logger, bus, lock)
	if err != nil {
		if closer != nil {
			err = multierr.Combine(err, closer.Close())
		}
		return nil, err
	}
	b.busCloser = closer
	return b, nil
}

// makeBase returns a holonomic stepper base writing to bus. It is separate from newBase,
// above, so a fake bus can be injected during testing.
func makeBase(ctx context.Context, c Config, name resource.Name, logger logging.Logger,
	bus drivetrain.Bus, lock sync.Locker,
) (*stepperBase, error) {
	if c.MMPerStep <= 0 || c.DegsPerStep <= 0 {
		return nil, errors.New("mm_per_step and degs_per_step must be set")
	}
	if c.StepDelayUsec == 0 {
		logger.CDebugf(ctx, "step_delay_usec not set, defaulting to %d", defaultStepDelayUsec)
		c.StepDelayUsec = defaultStepDelayUsec
	}
	if c.MinStepDelayUsec == 0 {
		c.MinStepDelayUsec = defaultMinStepDelayUsec
	}
	if c.MinStepDelayUsec > c.StepDelayUsec {
		logger.CWarnf(ctx, "min_step_delay_usec (%d) is above step_delay_usec (%d), using step_delay_usec",
			c.MinStepDelayUsec, c.StepDelayUsec)
		c.MinStepDelayUsec = c.StepDelayUsec
	}
	policy, err := drivetrain.ParseBusErrorPolicy(c.BusErrorPolicy)
	if err != nil {
		return nil, err
	}

	stepDelay := time.Duration(c.StepDelayUsec) * time.Microsecond
	robot, err := drivetrain.NewRobot(drivetrain.Config{
		Threaded:       true,
		Delay:          stepDelay,
		BusLock:        lock,
		BusErrorPolicy: policy,
		BusRetries:     c.BusRetries,
	}, bus, logger.Sublogger("drivetrain"))
	if err != nil {
		return nil, errors.Wrapf(err, "error creating drivetrain for base (%s)", name.ShortName())
	}

	return &stepperBase{
		Named:        name.AsNamed(),
		robot:        robot,
		logger:       logger,
		opMgr:        operation.NewSingleOperationManager(),
		fullStep:     c.FullStep,
		stepDelay:    stepDelay,
		minStepDelay: time.Duration(c.MinStepDelayUsec) * time.Microsecond,
		mmPerStep:    c.MMPerStep,
		degsPerStep:  c.DegsPerStep,
		widthMM:      c.WidthMM,
		wheelCircMM:  c.WheelCircumMM,
	}, nil
}

// stepsFor converts a distance in mm or degrees into whole steps, rounding to nearest.
func (b *stepperBase) stepsFor(amount, perStep float64) uint32 {
	if b.fullStep {
		// a full step moves twice as far as a half step
		perStep *= 2
	}
	steps := math.Round(math.Abs(amount) / perStep)
	if steps > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(steps)
}

// delayFor converts a speed in mm/s or deg/s into the pacing delay between steps, clamped
// to the minimum step delay.
func (b *stepperBase) delayFor(ctx context.Context, speed, perStep float64) time.Duration {
	if b.fullStep {
		perStep *= 2
	}
	stepsPerSec := math.Abs(speed) / perStep
	delay := maxDelay
	if nanos := float64(time.Second) / stepsPerSec; nanos < float64(maxDelay) {
		delay = time.Duration(nanos)
	}
	if delay < b.minStepDelay {
		b.logger.CWarnf(ctx, "requested speed needs %v between steps, limiting to %v", delay, b.minStepDelay)
		delay = b.minStepDelay
	}
	return delay
}

// interrupt cancels any blocking move. The generation is bumped first so the cancelled
// move does not reset the steps of the motion replacing it.
func (b *stepperBase) interrupt(ctx context.Context) {
	b.moveGen.Add(1)
	b.opMgr.CancelRunning(ctx)
}

// move replaces the current motion and, if block is set, waits for it to finish. If ctx
// is cancelled before then the motion is stopped, unless a newer request replaced it.
func (b *stepperBase) move(ctx context.Context, dir drivetrain.Direction, steps uint32, delay time.Duration, block bool,
) error {
	gen := b.moveGen.Add(1)
	failures := b.robot.Stats().BusFailures
	b.robot.ResetSteps()
	b.robot.SetDelay(delay)
	b.logger.CDebugf(ctx, "base (%s) moving %s for %d steps, %v apart", b.Name().ShortName(), dir, steps, delay)
	b.robot.Enqueue(dir, steps, b.fullStep)
	if !block {
		return nil
	}

	if err := b.robot.WaitIdle(ctx); err != nil {
		if b.moveGen.Load() == gen {
			b.robot.ResetSteps()
		}
		return err
	}
	if failed := b.robot.Stats().BusFailures - failures; failed > 0 {
		return errors.Errorf("%d bus writes failed while moving base (%s), last error: %v",
			failed, b.Name().ShortName(), b.robot.LastBusError())
	}
	return nil
}

// MoveStraight moves the base forward or backward the given distance at the given speed.
// Both the distance and the speed can be negative to move backwards; if both are negative
// the base moves forwards.
func (b *stepperBase) MoveStraight(ctx context.Context, distanceMm int, mmPerSec float64, extra map[string]interface{}) error {
	ctx, done := b.opMgr.New(ctx)
	defer done()

	if distanceMm == 0 || math.Abs(mmPerSec) < 0.0001 {
		b.logger.CWarn(ctx, "MoveStraight distance or speed is 0, stopping base")
		return b.Stop(ctx, nil)
	}

	dir := drivetrain.Front
	if math.Signbit(float64(distanceMm)) != math.Signbit(mmPerSec) {
		dir = drivetrain.Back
	}
	return b.move(ctx, dir, b.stepsFor(float64(distanceMm), b.mmPerStep), b.delayFor(ctx, mmPerSec, b.mmPerStep), true)
}

// Counter clockwise and clockwise spins, seen from above. A positive wheel delta drives that
// wheel forward, so TurnRight (right wheels forward, left wheels back) turns counter
// clockwise.
const (
	spinCCW = drivetrain.TurnRight
	spinCW  = drivetrain.TurnLeft
)

// Spin turns the base in place by angleDeg. Positive angles turn counter clockwise.
func (b *stepperBase) Spin(ctx context.Context, angleDeg, degsPerSec float64, extra map[string]interface{}) error {
	ctx, done := b.opMgr.New(ctx)
	defer done()

	if math.Abs(angleDeg) < 0.0001 || math.Abs(degsPerSec) < 0.0001 {
		b.logger.CWarn(ctx, "Spin angle or speed is 0, stopping base")
		return b.Stop(ctx, nil)
	}

	dir := spinCCW
	if math.Signbit(angleDeg) != math.Signbit(degsPerSec) {
		dir = spinCW
	}
	return b.move(ctx, dir, b.stepsFor(angleDeg, b.degsPerStep), b.delayFor(ctx, degsPerSec, b.degsPerStep), true)
}

// directionFor picks the travel direction for a velocity or power request. Linear Y is
// forward, linear X is to the right and angular Z is counter clockwise. A spin component
// takes precedence; otherwise a request with both X and Y set moves diagonally.
func directionFor(linear, angular r3.Vector) drivetrain.Direction {
	const eps = 1e-6
	switch {
	case angular.Z > eps:
		return spinCCW
	case angular.Z < -eps:
		return spinCW
	}

	var dir drivetrain.Direction
	switch {
	case linear.Y > eps:
		dir |= drivetrain.Front
	case linear.Y < -eps:
		dir |= drivetrain.Back
	}
	switch {
	case linear.X > eps:
		dir |= drivetrain.Right
	case linear.X < -eps:
		dir |= drivetrain.Left
	}
	return dir
}

// SetVelocity moves the base at the given linear (mm/s) and angular (deg/s) velocity until
// stopped.
func (b *stepperBase) SetVelocity(ctx context.Context, linear, angular r3.Vector, extra map[string]interface{}) error {
	b.interrupt(ctx)

	dir := directionFor(linear, angular)
	if dir == drivetrain.Hold {
		return b.Stop(ctx, nil)
	}

	var delay time.Duration
	if dir == drivetrain.TurnLeft || dir == drivetrain.TurnRight {
		delay = b.delayFor(ctx, angular.Z, b.degsPerStep)
	} else {
		delay = b.delayFor(ctx, math.Hypot(linear.X, linear.Y), b.mmPerStep)
	}
	return b.move(ctx, dir, continuousSteps, delay, false)
}

// SetPower moves the base with the given linear and angular power, each component between
// -1 and 1. Full power steps at step_delay_usec.
func (b *stepperBase) SetPower(ctx context.Context, linear, angular r3.Vector, extra map[string]interface{}) error {
	b.interrupt(ctx)

	dir := directionFor(linear, angular)
	if dir == drivetrain.Hold {
		return b.Stop(ctx, nil)
	}

	power := math.Abs(angular.Z)
	if dir != drivetrain.TurnLeft && dir != drivetrain.TurnRight {
		power = math.Max(math.Abs(linear.X), math.Abs(linear.Y))
	}
	if power > 1 {
		b.logger.CWarnf(ctx, "power %.2f is above 1, limiting to 1", power)
		power = 1
	}
	delay := time.Duration(float64(b.stepDelay) / power)
	if delay < b.minStepDelay {
		delay = b.minStepDelay
	}
	return b.move(ctx, dir, continuousSteps, delay, false)
}

// Stop drops all pending steps. The coils stay energised, holding position.
func (b *stepperBase) Stop(ctx context.Context, extra map[string]interface{}) error {
	b.interrupt(ctx)
	b.robot.ResetSteps()
	return nil
}

// IsMoving returns true while steps are pending.
func (b *stepperBase) IsMoving(ctx context.Context) (bool, error) {
	return b.robot.Steps() > 0, nil
}

// Properties returns the physical properties of the base.
func (b *stepperBase) Properties(ctx context.Context, extra map[string]interface{}) (base.Properties, error) {
	return base.Properties{
		TurningRadiusMeters:      0, // spins in place
		WidthMeters:              b.widthMM / 1000,
		WheelCircumferenceMeters: b.wheelCircMM / 1000,
	}, nil
}

// Geometries is not supported.
func (b *stepperBase) Geometries(ctx context.Context, extra map[string]interface{}) ([]spatialmath.Geometry, error) {
	return nil, nil
}

// Close stops the base, the step sequencer and the bus.
func (b *stepperBase) Close(ctx context.Context) error {
	err := b.Stop(ctx, nil)
	err = multierr.Combine(err, b.robot.Close())
	if b.busCloser != nil {
		err = multierr.Combine(err, b.busCloser.Close())
	}
	return err
}
