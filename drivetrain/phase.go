// Package drivetrain sequences half-step phase patterns for a four wheel holonomic base
// driven by four bipolar stepper motors.
package drivetrain

import (
	"strings"

	"github.com/pkg/errors"
)

// Wheel identifies one of the four drive motors. The value is also the nibble index of the
// wheel inside the control word.
type Wheel int

// Wheels, in control word order.
const (
	WheelFrontRight Wheel = iota
	WheelFrontLeft
	WheelBackRight
	WheelBackLeft
	numWheels
)

func (w Wheel) String() string {
	switch w {
	case WheelFrontRight:
		return "front_right"
	case WheelFrontLeft:
		return "front_left"
	case WheelBackRight:
		return "back_right"
	case WheelBackLeft:
		return "back_left"
	default:
		return "unknown"
	}
}

// Half step sequence of coil outputs (A1 B1 A2 B2, MSB first).
var phaseTable = [8]uint8{
	0x08, // A
	0x0A, // A + A'
	0x02, // A'
	0x06, // A' + B
	0x04, // B
	0x05, // B + B'
	0x01, // B'
	0x09, // B' + A
}

// PhasePattern returns the 4 bit coil pattern for a half step index. Only the low 3 bits of
// index are used.
func PhasePattern(index uint8) uint8 {
	return phaseTable[index&7]
}

// StepMode selects full or half stepping.
type StepMode int

// Step modes.
const (
	HalfStep StepMode = iota
	FullStep
)

// magnitude is the number of half step indices moved per step.
func (m StepMode) magnitude() int8 {
	if m == FullStep {
		return 2
	}
	return 1
}

func (m StepMode) String() string {
	if m == FullStep {
		return "full"
	}
	return "half"
}

// Direction is a travel command. The values match the wire constants used by existing
// callers, including the OR combinations.
type Direction uint8

// Base directions.
const (
	Hold  Direction = 0x00
	Front Direction = 0x01
	Back  Direction = 0x02
	Turn  Direction = 0x03
	Right Direction = 0x04
	Left  Direction = 0x08
	Free  Direction = 0x0F // releases the coils
)

// Combined directions.
const (
	FrontLeft  = Front | Left
	FrontRight = Front | Right
	BackLeft   = Back | Left
	BackRight  = Back | Right
	TurnLeft   = Turn | Left
	TurnRight  = Turn | Right
)

var directionNames = map[Direction]string{
	Hold:       "hold",
	Front:      "front",
	Back:       "back",
	Turn:       "turn",
	Right:      "right",
	Left:       "left",
	Free:       "free",
	FrontLeft:  "front|left",
	FrontRight: "front|right",
	BackLeft:   "back|left",
	BackRight:  "back|right",
	TurnLeft:   "turn|left",
	TurnRight:  "turn|right",
}

func (d Direction) String() string {
	if name, ok := directionNames[d]; ok {
		return name
	}
	return "unknown"
}

// ParseDirection parses a direction name such as "front", "back|left" or "turn|right".
// Components may appear in any order and are case insensitive. At most one of front, back
// and turn may be given, at most one of left and right, and hold or free only on their own.
func ParseDirection(name string) (Direction, error) {
	parts := strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return r == '|' || r == '+' || r == ' '
	})
	if len(parts) == 0 {
		return Hold, errors.New("empty direction")
	}

	var travel, side Direction
	var hasTravel, hasSide bool
	for _, part := range parts {
		var d Direction
		switch part {
		case "hold", "free", "release":
			if len(parts) != 1 {
				return Hold, errors.Errorf("%q cannot be combined in %q", part, name)
			}
			if part == "hold" {
				return Hold, nil
			}
			return Free, nil
		case "front", "forward":
			d = Front
		case "back", "backward":
			d = Back
		case "turn", "spin":
			d = Turn
		case "left":
			d = Left
		case "right":
			d = Right
		default:
			return Hold, errors.Errorf("unknown direction component %q in %q", part, name)
		}

		if d == Left || d == Right {
			if hasSide {
				return Hold, errors.Errorf("direction %q names more than one side", name)
			}
			side, hasSide = d, true
			continue
		}
		if hasTravel {
			return Hold, errors.Errorf("direction %q names more than one of front, back and turn", name)
		}
		travel, hasTravel = d, true
	}

	d := travel | side
	if _, ok := directionNames[d]; !ok {
		return Hold, errors.Errorf("direction %q is not a supported combination", name)
	}
	return d, nil
}

// delta is a per wheel signed half step increment, indexed by Wheel.
type delta [numWheels]int8

// Unit deltas, (front right, front left, back right, back left).
var directionDeltas = map[Direction]delta{
	Front:      {1, 1, 1, 1},
	Back:       {-1, -1, -1, -1},
	Left:       {1, -1, -1, 1},
	Right:      {-1, 1, 1, -1},
	FrontLeft:  {1, 0, 0, 1},
	FrontRight: {0, 1, 1, 0},
	BackLeft:   {0, -1, -1, 0},
	BackRight:  {-1, 0, 0, -1},
	TurnLeft:   {-1, 1, -1, 1},
	TurnRight:  {1, -1, 1, -1},
}

// resolve returns the delta for one step in direction d, and whether the phases should be
// advanced at all. Hold, bare turn and unknown directions leave everything as is.
func resolve(d Direction, mode StepMode) (delta, bool) {
	unit, ok := directionDeltas[d]
	if !ok {
		return delta{}, false
	}
	m := mode.magnitude()
	for i := range unit {
		unit[i] *= m
	}
	return unit, true
}

// phases holds the half step index of every wheel.
type phases [numWheels]uint8

// advance applies a delta modulo 8.
func (p *phases) advance(d delta) {
	for i := range p {
		p[i] = uint8(int8(p[i])+d[i]) & 7
	}
}

// encode packs the four patterns into a control word.
func (p phases) encode() uint16 {
	var word uint16
	for i, idx := range p {
		word |= uint16(PhasePattern(idx)) << (4 * uint(i))
	}
	return word
}

// stepper is the phase state machine shared by the threaded and manual modes.
type stepper struct {
	phases phases
	word   uint16
}

// next computes one step and returns the new control word. Free zeroes the word without
// touching the phase indices.
func (s *stepper) next(d Direction, mode StepMode) uint16 {
	if d == Free {
		s.word = 0
		return s.word
	}
	dl, ok := resolve(d, mode)
	if !ok {
		return s.word
	}
	s.phases.advance(dl)
	s.word = s.phases.encode()
	return s.word
}
