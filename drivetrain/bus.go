package drivetrain

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// A Bus carries control words to the motor driver hardware.
type Bus interface {
	// WriteWord writes one packed control word. Bits 0-3 drive the front right motor, 4-7 the
	// front left, 8-11 the back right and 12-15 the back left.
	WriteWord(ctx context.Context, word uint16) error
}

// BusErrorPolicy decides what the sequencer does after a failed write.
type BusErrorPolicy string

// Bus error policies.
const (
	// BusErrorContinue records the failure and keeps stepping.
	BusErrorContinue BusErrorPolicy = "continue"
	// BusErrorRetry retries the same word with exponential backoff before continuing.
	BusErrorRetry BusErrorPolicy = "retry"
	// BusErrorStop drops all pending steps.
	BusErrorStop BusErrorPolicy = "stop"
)

// ParseBusErrorPolicy parses a policy name. The empty string selects BusErrorContinue.
func ParseBusErrorPolicy(s string) (BusErrorPolicy, error) {
	switch p := BusErrorPolicy(strings.ToLower(s)); p {
	case "":
		return BusErrorContinue, nil
	case BusErrorContinue, BusErrorRetry, BusErrorStop:
		return p, nil
	default:
		return "", errors.Errorf("unknown bus error policy %q", s)
	}
}

// BusFunc adapts a function to the Bus interface.
type BusFunc func(ctx context.Context, word uint16) error

// WriteWord calls f.
func (f BusFunc) WriteWord(ctx context.Context, word uint16) error {
	return f(ctx, word)
}
