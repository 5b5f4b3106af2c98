package drivetrain

import (
	"testing"

	"go.viam.com/rdk/logging"
	"go.viam.com/test"
)

func newManualRobot(t *testing.T) *Robot {
	t.Helper()
	r, err := NewRobot(Config{}, nil, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() {
		test.That(t, r.Close(), test.ShouldBeNil)
	})
	return r
}

func TestPhasePattern(t *testing.T) {
	expected := []uint8{0x08, 0x0A, 0x02, 0x06, 0x04, 0x05, 0x01, 0x09}
	for i, want := range expected {
		test.That(t, PhasePattern(uint8(i)), test.ShouldEqual, want)
		// only the low 3 bits select the pattern
		test.That(t, PhasePattern(uint8(i+8)), test.ShouldEqual, want)
	}
}

func TestResolve(t *testing.T) {
	t.Run("half step deltas", func(t *testing.T) {
		cases := map[Direction]delta{
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
		for dir, want := range cases {
			got, ok := resolve(dir, HalfStep)
			test.That(t, ok, test.ShouldBeTrue)
			test.That(t, got, test.ShouldResemble, want)
		}
	})

	t.Run("full step doubles the delta", func(t *testing.T) {
		got, ok := resolve(Left, FullStep)
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, got, test.ShouldResemble, delta{2, -2, -2, 2})
	})

	t.Run("hold, bare turn and unknown values do not move", func(t *testing.T) {
		for _, dir := range []Direction{Hold, Turn, Free, Direction(0x30), Direction(0x0C)} {
			_, ok := resolve(dir, FullStep)
			test.That(t, ok, test.ShouldBeFalse)
		}
	})
}

func TestComputeNextStep(t *testing.T) {
	moving := []Direction{Front, Back, Left, Right, FrontLeft, FrontRight, BackLeft, BackRight, TurnLeft, TurnRight}

	for _, mode := range []StepMode{HalfStep, FullStep} {
		for _, dir := range moving {
			t.Run(dir.String()+" "+mode.String(), func(t *testing.T) {
				r := newManualRobot(t)
				r.Enqueue(dir, 0, mode == FullStep)
				unit := directionDeltas[dir]

				for n := 1; n <= 19; n++ {
					word := r.ComputeNextStep()
					got := r.Phases()
					var expectWord uint16
					for w := range got {
						want := ((n*int(unit[w])*int(mode.magnitude()))%8 + 8) % 8
						test.That(t, got[w], test.ShouldEqual, uint8(want))
						expectWord |= uint16(PhasePattern(uint8(want))) << (4 * w)
					}
					test.That(t, word, test.ShouldEqual, expectWord)
					test.That(t, r.ControlWord(), test.ShouldEqual, expectWord)
				}
			})
		}
	}
}

func TestComputeNextStepLeftExample(t *testing.T) {
	r := newManualRobot(t)
	r.Enqueue(Left, 2, false)
	r.ComputeNextStep()
	word := r.ComputeNextStep()
	test.That(t, r.Phases(), test.ShouldResemble, [4]uint8{2, 6, 6, 2})
	test.That(t, word, test.ShouldEqual, uint16(0x2112))
	// manual stepping does not consume pending steps
	test.That(t, r.Steps(), test.ShouldEqual, uint32(2))
}

func TestComputeNextStepFreeAndHold(t *testing.T) {
	r := newManualRobot(t)
	r.Enqueue(Front, 0, true)
	r.ComputeNextStep()
	moved := r.ControlWord()
	test.That(t, moved, test.ShouldNotEqual, uint16(0))

	r.Enqueue(Hold, 0, true)
	test.That(t, r.ComputeNextStep(), test.ShouldEqual, moved)
	r.Enqueue(Direction(0x30), 0, true)
	test.That(t, r.ComputeNextStep(), test.ShouldEqual, moved)

	r.Enqueue(Free, 0, false)
	test.That(t, r.ComputeNextStep(), test.ShouldEqual, uint16(0))
	test.That(t, r.ControlWord(), test.ShouldEqual, uint16(0))
	// releasing the coils keeps the phase position
	test.That(t, r.Phases(), test.ShouldResemble, [4]uint8{2, 2, 2, 2})

	// holding after a release keeps the coils released
	r.Enqueue(Hold, 0, false)
	test.That(t, r.ComputeNextStep(), test.ShouldEqual, uint16(0))

	// moving again re-energises from the kept position
	r.Enqueue(Front, 0, false)
	test.That(t, r.ComputeNextStep(), test.ShouldEqual, uint16(0x6666))
}

func TestParseDirection(t *testing.T) {
	cases := map[string]Direction{
		"hold":        Hold,
		"front":       Front,
		"FORWARD":     Front,
		"back":        Back,
		"left":        Left,
		"right":       Right,
		"free":        Free,
		"turn":        Turn,
		"front|left":  FrontLeft,
		"left|front":  FrontLeft,
		"front+right": FrontRight,
		"back|left":   BackLeft,
		"back|right":  BackRight,
		"turn|left":   TurnLeft,
		"spin right":  TurnRight,
	}
	for name, want := range cases {
		got, err := ParseDirection(name)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, got, test.ShouldEqual, want)
	}

	_, err := ParseDirection("")
	test.That(t, err, test.ShouldNotBeNil)
	_, err = ParseDirection("sideways")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "sideways")
	for _, bad := range []string{"left|right", "front|back", "front|back|left", "turn|front", "front|front", "hold|left", "free|turn"} {
		_, err = ParseDirection(bad)
		test.That(t, err, test.ShouldNotBeNil)
	}

	test.That(t, TurnLeft.String(), test.ShouldEqual, "turn|left")
	test.That(t, Direction(0x30).String(), test.ShouldEqual, "unknown")
	test.That(t, WheelBackLeft.String(), test.ShouldEqual, "back_left")
}
