package audio

import "time"

const (
	SampleRate    = 48000
	Channels      = 2
	BitDepth      = 16
	FrameDuration = 20 * time.Millisecond
	FrameSize     = 960                  // samples per channel per 20ms frame
	FrameSamples  = FrameSize * Channels // total interleaved samples per frame
	FrameBytes    = FrameSamples * 2     // bytes per frame (int16 = 2 bytes)
)

// Frames returns the number of per-channel sample frames in pcm.
func Frames(pcm []int16) int {
	return len(pcm) / Channels
}

// DurationOf returns the playback duration of pcm.
func DurationOf(pcm []int16) time.Duration {
	return time.Duration(Frames(pcm)) * time.Second / SampleRate
}

// FrameAt converts a time offset in seconds to a per-channel frame index,
// rounding to the nearest sample. Chunk boundaries computed this way sum
// back to the exact track length, which truncation does not guarantee.
func FrameAt(seconds float64) int {
	f := int(seconds*SampleRate + 0.5)
	if f < 0 {
		f = 0
	}
	return f
}
