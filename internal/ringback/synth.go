package ringback

import "math"

// Synthesize renders one burst cycle of the ringback waveform: two superposed
// sine tones, amplitude-enveloped to BurstOn of sound followed by BurstOff of
// silence. The buffer is meant to be replayed on a repeating schedule.
func Synthesize(cfg Config) []int16 {
	rate := float64(cfg.SampleRate)
	onSamples := int(rate * cfg.BurstOn.Seconds())
	offSamples := int(rate * cfg.BurstOff.Seconds())

	// Short linear ramps at the burst edges avoid audible clicks.
	ramp := cfg.SampleRate * 4 / 1000
	if ramp*2 > onSamples {
		ramp = onSamples / 2
	}

	pcm := make([]int16, onSamples+offSamples)
	for i := 0; i < onSamples; i++ {
		t := float64(i) / rate
		sample := 0.5 * (math.Sin(2*math.Pi*cfg.ToneA*t) + math.Sin(2*math.Pi*cfg.ToneB*t))

		env := 1.0
		if i < ramp {
			env = float64(i) / float64(ramp)
		} else if i >= onSamples-ramp {
			env = float64(onSamples-i) / float64(ramp)
		}

		// Scale below full range to avoid clipping on the summed tones.
		pcm[i] = int16(sample * env * 30000)
	}
	// The tail is already zero: the silent half of the burst cycle.
	return pcm
}
