package main

import "fmt"

// ==============================
// Volume changes
// ==============================

// VolumeChange describes how a request moves the volume.
// It is resolved against a reference volume with Collapse.
type VolumeChange interface {
	Collapse(reference float64) float64
	String() string
}

// Increase adds a signed delta to the reference volume.
type Increase struct {
	Delta float64
}

func (c Increase) Collapse(reference float64) float64 { return reference + c.Delta }
func (c Increase) String() string                     { return fmt.Sprintf("Increase(%+.4f)", c.Delta) }

// Absolute replaces the reference volume outright.
type Absolute struct {
	Value float64
}

func (c Absolute) Collapse(float64) float64 { return c.Value }
func (c Absolute) String() string           { return fmt.Sprintf("Absolute(%.4f)", c.Value) }

// ==============================
// Commands (request queue items)
// ==============================

// Command is a unit of work handed from the listener to the controller.
type Command interface {
	commandMarker()
	String() string
}

// ChangeVolume starts (or replaces) a transition.
// DurationMS is nil when the request did not carry a usable duration.
type ChangeVolume struct {
	Change     VolumeChange
	DurationMS *float64
}

func (ChangeVolume) commandMarker() {}
func (c ChangeVolume) String() string {
	if c.DurationMS == nil {
		return fmt.Sprintf("ChangeVolume(%s)", c.Change)
	}
	return fmt.Sprintf("ChangeVolume(%s, %gms)", c.Change, *c.DurationMS)
}

// QueryReply is what the controller sends back for a QueryVolume.
type QueryReply struct {
	Volume float64
	Known  bool
}

// QueryVolume asks the controller for the authoritative volume of the default output.
// Reply must be buffered (capacity 1) so the controller never blocks on it.
type QueryVolume struct {
	Reply chan<- QueryReply
}

func (QueryVolume) commandMarker() {}
func (QueryVolume) String() string { return "QueryVolume()" }
