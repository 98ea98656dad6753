package dsp

import (
	"context"
	"math"
)

const (
	clipTableSize  = 1 << 14
	clipTableRange = 8.0 // inputs beyond this magnitude are fully saturated
	maxGain        = 16.0
)

// LevelEngine is the built-in mastering engine: it matches the signal's RMS
// loudness to the reference (or to the configured dBFS target when no
// reference is given) and tames the resulting peaks with a soft-clip curve.
// Construction precomputes the transfer table, which is why instances are
// held in a Cache instead of being rebuilt per request.
type LevelEngine struct {
	intensity float64
	targetRMS float64 // linear scale
	knee      float64
	norm      float64 // tanh(knee), so unity input maps to unity output
	table     []float64
}

// NewLevelEngine builds an engine for the given settings.
func NewLevelEngine(s Settings) *LevelEngine {
	knee := 1.0
	switch s.Mode {
	case ModeWarm:
		knee = 0.6
	case ModePunchy:
		knee = 1.6
	}

	e := &LevelEngine{
		intensity: s.Intensity,
		targetRMS: math.Pow(10, s.LoudnessTarget/20),
		knee:      knee,
		norm:      math.Tanh(knee),
		table:     make([]float64, clipTableSize),
	}
	for i := range e.table {
		x := float64(i) / float64(clipTableSize-1) * clipTableRange
		e.table[i] = math.Tanh(x)
	}
	return e
}

// Process masters pcm. With a non-empty reference the loudness target is the
// reference's RMS; otherwise the configured dBFS target applies.
func (e *LevelEngine) Process(ctx context.Context, pcm, reference []int16) ([]int16, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]int16, len(pcm))
	in := rms(pcm)
	if in == 0 {
		copy(out, pcm) // silence stays silence
		return out, nil
	}

	target := e.targetRMS
	if len(reference) > 0 {
		if r := rms(reference); r > 0 {
			target = r
		}
	}

	gain := target / in
	if gain > maxGain {
		gain = maxGain
	}

	for i, s := range pcm {
		x := float64(s) / 32768 * gain
		y := e.softClip(x*e.knee) / e.norm
		mixed := (1-e.intensity)*float64(s)/32768 + e.intensity*y

		v := mixed * 32768
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[i] = int16(v)
	}

	return out, nil
}

// softClip evaluates tanh by table lookup with linear interpolation.
func (e *LevelEngine) softClip(x float64) float64 {
	neg := x < 0
	if neg {
		x = -x
	}
	var y float64
	if x >= clipTableRange {
		y = 1
	} else {
		pos := x / clipTableRange * float64(clipTableSize-1)
		i := int(pos)
		if i >= clipTableSize-1 {
			y = e.table[clipTableSize-1]
		} else {
			frac := pos - float64(i)
			y = e.table[i] + (e.table[i+1]-e.table[i])*frac
		}
	}
	if neg {
		return -y
	}
	return y
}

// rms returns the root-mean-square level of pcm on a linear 0..1 scale.
func rms(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		v := float64(s) / 32768
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(pcm)))
}
