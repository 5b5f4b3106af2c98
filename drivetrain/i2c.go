package drivetrain

import (
	"context"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// DefaultI2CAddr is the base address of a PCF8575 16 bit port expander.
const DefaultI2CAddr = 0x20

// I2CBus writes control words to a 16 bit I2C port expander, low byte first, optionally
// prefixed by a register byte.
type I2CBus struct {
	dev      *i2c.Dev
	register *uint8
	closer   i2c.BusCloser
}

// NewI2CBus returns a Bus writing to addr on b.
func NewI2CBus(b i2c.Bus, addr uint16, register *uint8) *I2CBus {
	return &I2CBus{dev: &i2c.Dev{Bus: b, Addr: addr}, register: register}
}

// OpenI2CBus initialises the host drivers and opens the named I2C bus. An empty name opens
// the first bus found.
func OpenI2CBus(name string, addr uint16, register *uint8) (*I2CBus, error) {
	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(err, "failed to initialise host drivers")
	}
	bc, err := i2creg.Open(name)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open i2c bus %q", name)
	}
	b := NewI2CBus(bc, addr, register)
	b.closer = bc
	return b, nil
}

// WriteWord implements Bus.
func (b *I2CBus) WriteWord(ctx context.Context, word uint16) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w := []byte{byte(word), byte(word >> 8)}
	if b.register != nil {
		w = append([]byte{*b.register}, w...)
	}
	return b.dev.Tx(w, nil)
}

// Close releases the bus if it was opened by OpenI2CBus.
func (b *I2CBus) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer.Close()
}
