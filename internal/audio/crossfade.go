package audio

import "math"

// Curve maps blend progress t in [0,1] to the gain of the incoming signal.
// Every curve is monotonic with f(0)=0 and f(1)=1; the outgoing signal gets
// the complementary gain.
type Curve func(t float64) float64

// Smoothstep is the default curve: 3t^2 - 2t^3.
func Smoothstep(t float64) float64 {
	if t <= 0 {
		return 0
	}
	if t >= 1 {
		return 1
	}
	return t * t * (3 - 2*t)
}

// Linear fades at constant rate.
func Linear(t float64) float64 {
	if t <= 0 {
		return 0
	}
	if t >= 1 {
		return 1
	}
	return t
}

// EqualPower keeps perceived loudness roughly constant through the blend:
// sin^2 rises while the complementary cos^2 falls, summing to unity power.
func EqualPower(t float64) float64 {
	if t <= 0 {
		return 0
	}
	if t >= 1 {
		return 1
	}
	s := math.Sin(t * math.Pi / 2)
	return s * s
}

// CurveByName resolves a configured curve name, defaulting to Smoothstep.
func CurveByName(name string) Curve {
	switch name {
	case "linear":
		return Linear
	case "equal-power":
		return EqualPower
	default:
		return Smoothstep
	}
}

// CrossfadeFrames blends an outgoing frame with an incoming frame at the given
// progress (0.0 = all outgoing, 1.0 = all incoming) using curve.
// Both frames must have the same length. Returns the blended frame.
func CrossfadeFrames(outgoing, incoming []int16, progress float64, curve Curve) []int16 {
	gain := curve(progress)
	result := make([]int16, len(outgoing))

	for i := range outgoing {
		out := float64(outgoing[i]) * (1 - gain)
		in := float64(incoming[i]) * gain
		mixed := out + in

		// Clip to int16 range
		if mixed > 32767 {
			mixed = 32767
		} else if mixed < -32768 {
			mixed = -32768
		}
		result[i] = int16(mixed)
	}

	return result
}

// BlendOverlap crossfades outgoing into incoming across their whole length,
// per interleaved frame: full-outgoing at frame 0, full-incoming at the last
// frame. Both slices must hold the same number of interleaved samples and a
// whole number of frames. Returns the blended region.
func BlendOverlap(outgoing, incoming []int16, curve Curve) []int16 {
	frames := Frames(outgoing)
	result := make([]int16, len(outgoing))
	if frames <= 1 {
		copy(result, incoming)
		return result
	}

	for f := 0; f < frames; f++ {
		gain := curve(float64(f) / float64(frames-1))
		for c := 0; c < Channels; c++ {
			i := f*Channels + c
			mixed := float64(outgoing[i])*(1-gain) + float64(incoming[i])*gain
			if mixed > 32767 {
				mixed = 32767
			} else if mixed < -32768 {
				mixed = -32768
			}
			result[i] = int16(mixed)
		}
	}

	return result
}
