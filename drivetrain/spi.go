//go:build linux

package drivetrain

import (
	"context"

	"go.viam.com/rdk/components/board/genericlinux/buses"
	"go.viam.com/rdk/logging"
)

// SPI defaults.
const (
	DefaultSPIBaud = 1000000 // 1mhz
	DefaultSPIMode = 3
)

// SPIConfig describes how control words are clocked out over SPI.
type SPIConfig struct {
	ChipSelect string
	Baud       uint
	Mode       uint
	// Register, if set, sends a 5 byte write datagram (register|0x80 followed by a 32 bit
	// big endian value) as used by TMC style drivers. Without it the word is sent as two
	// bytes, high byte first, for a pair of chained shift registers.
	Register *uint8
}

// SPIBus writes control words to an SPI device.
type SPIBus struct {
	bus    buses.SPI
	cfg    SPIConfig
	logger logging.Logger
}

// NewSPIBus returns a Bus writing to the given SPI bus. It is separate from the board lookup
// so a mock SPI bus can be injected during testing.
func NewSPIBus(bus buses.SPI, cfg SPIConfig, logger logging.Logger) *SPIBus {
	if cfg.Baud == 0 {
		cfg.Baud = DefaultSPIBaud
	}
	return &SPIBus{bus: bus, cfg: cfg, logger: logger}
}

func (s *SPIBus) frame(word uint16) []byte {
	if s.cfg.Register == nil {
		return []byte{byte(word >> 8), byte(word)}
	}
	var buf [5]byte
	buf[0] = *s.cfg.Register | 0x80
	buf[3] = byte(word >> 8)
	buf[4] = byte(word)
	return buf[:]
}

// WriteWord implements Bus.
func (s *SPIBus) WriteWord(ctx context.Context, word uint16) error {
	tx := s.frame(word)

	handle, err := s.bus.OpenHandle()
	if err != nil {
		return err
	}
	defer func() {
		if err := handle.Close(); err != nil {
			s.logger.CError(ctx, err)
		}
	}()

	s.logger.Debugf("Write to %s: %v", s.cfg.ChipSelect, tx)
	_, err = handle.Xfer(ctx, s.cfg.Baud, s.cfg.ChipSelect, s.cfg.Mode, tx)
	return err
}
