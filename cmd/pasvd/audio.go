package main

import (
	"errors"
	"time"
)

// ErrNoDefaultOutput means the audio server has no default sink selected.
var ErrNoDefaultOutput = errors.New("no default output")

// AudioSubsystem is everything the controller needs from the sound server.
// Calls are blocking request/reply; implementations must not call back into
// the controller.
//
// Volumes are linear: 1.0 is the server's nominal 100%.
type AudioSubsystem interface {
	// DefaultOutput returns the identifier of the current default sink.
	DefaultOutput() (string, error)

	// Volume returns the per-channel volumes of output.
	Volume(output string) ([]float64, error)

	// SetVolume sets every one of the first channels of output to linear.
	SetVolume(output string, channels int, linear float64) error
}

// sinkCache remembers the default output between ticks so the sound server
// is not asked for it on every request.
type sinkCache struct {
	name        string
	channels    int
	refreshedAt time.Time
}

func (s *sinkCache) stale(now time.Time, maxAge time.Duration) bool {
	return s == nil || now.Sub(s.refreshedAt) > maxAge
}

// loudest returns the highest channel volume.
func loudest(volumes []float64) float64 {
	var v float64
	for i, c := range volumes {
		if i == 0 || c > v {
			v = c
		}
	}
	return v
}

// average returns the mean channel volume.
func average(volumes []float64) float64 {
	if len(volumes) == 0 {
		return 0
	}
	var sum float64
	for _, c := range volumes {
		sum += c
	}
	return sum / float64(len(volumes))
}
