package tools

import "time"

// FrameSamples returns the number of interleaved samples covering duration d.
func FrameSamples(d time.Duration, rate, channels int) int {
	return int(d.Seconds() * float64(rate) * float64(channels))
}
