//go:build linux

package holonomicbase

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/viam-modules/holonomic/drivetrain"
)

// DoCommand() related constants.
const (
	Command    = "command"
	Move       = "move"
	Wait       = "wait"
	GetSteps   = "get_steps"
	ResetSteps = "reset_steps"
	SetDelay   = "set_delay"
	Release    = "release"
	GetStats   = "stats"

	DirectionVal = "direction"
	StepsVal     = "steps"
	FullStepVal  = "full_step"
	DelayVal     = "delay_usec"
)

func numberArg(cmd map[string]interface{}, key string) (float64, error) {
	raw, ok := cmd[key]
	if !ok {
		return 0, errors.Errorf("need %s value", key)
	}
	val, ok := raw.(float64)
	if !ok {
		return 0, errors.Errorf("%s value must be a number", key)
	}
	if val < 0 {
		return 0, errors.Errorf("%s value must not be negative", key)
	}
	return val, nil
}

func stepsArg(cmd map[string]interface{}) (uint32, error) {
	val, err := numberArg(cmd, StepsVal)
	if err != nil {
		return 0, err
	}
	if val != math.Trunc(val) || val > math.MaxUint32 {
		return 0, errors.Errorf("%s value must be a whole number of steps up to %d", StepsVal, uint32(math.MaxUint32))
	}
	return uint32(val), nil
}

// DoCommand exposes the step controller directly.
func (b *stepperBase) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	name, ok := cmd[Command]
	if !ok {
		return nil, errors.Errorf("missing %s value", Command)
	}
	switch name {
	case Move:
		dirName, ok := cmd[DirectionVal].(string)
		if !ok {
			return nil, errors.Errorf("need %s value for move", DirectionVal)
		}
		dir, err := drivetrain.ParseDirection(dirName)
		if err != nil {
			return nil, err
		}
		steps, err := stepsArg(cmd)
		if err != nil {
			return nil, err
		}
		fullStep := b.fullStep
		if raw, ok := cmd[FullStepVal]; ok {
			if fullStep, ok = raw.(bool); !ok {
				return nil, errors.Errorf("%s value must be a boolean", FullStepVal)
			}
		}
		b.interrupt(ctx)
		prev := b.robot.Enqueue(dir, steps, fullStep)
		return map[string]interface{}{"previous_steps": prev}, nil
	case Wait:
		return nil, b.robot.WaitIdle(ctx)
	case GetSteps:
		return map[string]interface{}{StepsVal: b.robot.Steps()}, nil
	case ResetSteps:
		b.interrupt(ctx)
		return map[string]interface{}{StepsVal: b.robot.ResetSteps()}, nil
	case SetDelay:
		usec, err := numberArg(cmd, DelayVal)
		if err != nil {
			return nil, err
		}
		if usec > float64(maxDelay/time.Microsecond) {
			return nil, errors.Errorf("%s value must be at most %d", DelayVal, int64(maxDelay/time.Microsecond))
		}
		prev := b.robot.SetDelay(time.Duration(usec) * time.Microsecond)
		return map[string]interface{}{DelayVal: prev.Microseconds()}, nil
	case Release:
		b.interrupt(ctx)
		b.robot.ResetSteps()
		b.robot.Enqueue(drivetrain.Free, 1, false)
		return nil, b.robot.WaitIdle(ctx)
	case GetStats:
		stats := b.robot.Stats()
		resp := map[string]interface{}{
			"steps":        stats.Steps,
			"bus_writes":   stats.BusWrites,
			"bus_failures": stats.BusFailures,
			"control_word": b.robot.ControlWord(),
		}
		if err := b.robot.LastBusError(); err != nil {
			resp["last_bus_error"] = err.Error()
		}
		return resp, nil
	default:
		return nil, errors.Errorf("no such command: %s", name)
	}
}
