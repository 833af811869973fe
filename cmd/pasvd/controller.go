package main

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"
)

// ============================================================================
// Volume Controller - tick loop
// ============================================================================
//
// The controller is the only owner of transition and sink state. Each tick:
//   - Idle: block until a command arrives.
//   - Transitioning: take at most one pending command without blocking.
//   - Apply the command (start/replace a transition, or answer a query).
//   - If transitioning, write exactly one interpolated value.
//   - Sleep for whatever remains of the interval.
//
// Audio server failures are logged and skipped; the loop only stops when its
// context is canceled or the request queue is closed.
//
// ============================================================================

// ControllerConfig holds the tick loop settings.
type ControllerConfig struct {
	Interval        time.Duration
	DefaultDuration time.Duration
	Clamp           bool // cap targets at 1.0 (100%)
	PrintTimings    bool
}

// transition is an in-progress interpolation towards target.
// step keeps its sign for the whole transition.
type transition struct {
	sink     string
	channels int

	target  float64
	initial float64
	step    float64
	current float64 // last value written; reference for a preempting Increase

	iteration int
	ticks     int
}

// Controller turns queued commands into paced set-volume calls.
type Controller struct {
	cfg    ControllerConfig
	audio  AudioSubsystem
	queue  *RequestQueue
	stats  *Stats
	events chan<- StatusEvent
	logger *slog.Logger

	sink       *sinkCache
	transition *transition

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewController wires a controller. events may be nil when nobody follows
// the status feed.
func NewController(
	cfg ControllerConfig,
	audio AudioSubsystem,
	queue *RequestQueue,
	stats *Stats,
	events chan<- StatusEvent,
	logger *slog.Logger,
) *Controller {
	return &Controller{
		cfg:    cfg,
		audio:  audio,
		queue:  queue,
		stats:  stats,
		events: events,
		logger: logger,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// Run executes the tick loop until ctx is canceled or the queue is closed.
func (c *Controller) Run(ctx context.Context) error {
	c.logger.Info("controller starting",
		"interval", c.cfg.Interval,
		"default_duration", c.cfg.DefaultDuration,
		"clamp", c.cfg.Clamp)

	// Warm the sink cache so the first request does not pay for the lookup.
	c.defaultSink(c.now())

	for {
		var cmd Command
		if c.transition == nil {
			next, err := c.queue.Recv(ctx)
			if err != nil {
				if errors.Is(err, ErrQueueClosed) {
					c.logger.Info("controller stopping (queue closed)")
				} else {
					c.logger.Info("controller stopping (context canceled)")
				}
				return nil
			}
			cmd = next
		} else if next, ok := c.queue.TryRecv(); ok {
			cmd = next
		}

		start := c.now()
		c.tick(cmd)
		elapsed := c.now().Sub(start)

		if c.cfg.PrintTimings {
			c.logger.Info("tick", "elapsed", elapsed, "transitioning", c.transition != nil)
		}

		if err := c.sleep(ctx, c.cfg.Interval-elapsed); err != nil {
			c.logger.Info("controller stopping (context canceled)")
			return nil
		}
	}
}

// tick applies cmd (which may be nil) and advances the transition once.
// A change that cannot reach the audio server skips the whole tick.
func (c *Controller) tick(cmd Command) {
	switch cmd := cmd.(type) {
	case ChangeVolume:
		if !c.handleChange(cmd) {
			return
		}
	case QueryVolume:
		c.handleQuery(cmd)
	case nil:
	default:
		c.logger.Warn("unknown command", "command", cmd.String())
	}

	if c.transition != nil {
		c.advance()
	}
}

func (c *Controller) handleChange(cmd ChangeVolume) bool {
	c.logger.Debug("change request", "command", cmd.String())

	sink, ok := c.defaultSink(c.now())
	if !ok {
		return false
	}

	volumes, err := c.audio.Volume(sink)
	if err != nil {
		c.logger.Warn("failed to read volume; ignoring request", "sink", sink, "error", err)
		c.stats.audioError("get_volume")
		return false
	}
	c.sink.channels = len(volumes)
	sampled := loudest(volumes)

	reference := sampled
	if c.transition != nil {
		reference = c.transition.current
		c.stats.preempted()
		c.logger.Debug("replacing transition", "from", c.transition.current, "old_target", c.transition.target)
	}

	target := cmd.Change.Collapse(reference)
	if c.cfg.Clamp && target > 1 {
		target = 1
	}
	if target < 0 {
		target = 0
	}

	ticks := ticksFor(c.effectiveDuration(cmd.DurationMS), c.cfg.Interval)
	c.transition = &transition{
		sink:     sink,
		channels: len(volumes),
		target:   target,
		initial:  sampled,
		step:     (target - sampled) / float64(ticks),
		current:  sampled,
		ticks:    ticks,
	}
	c.stats.setTransitioning(true)

	c.logger.Debug("transition started", "sink", sink, "from", sampled, "target", target, "ticks", ticks)
	c.publish(TransitionStarted{Sink: sink, From: sampled, Target: target, Ticks: ticks, At: c.now()})
	return true
}

func (c *Controller) handleQuery(cmd QueryVolume) {
	reply := QueryReply{}

	if sink, ok := c.defaultSink(c.now()); ok {
		volumes, err := c.audio.Volume(sink)
		if err != nil {
			c.logger.Warn("failed to read volume for query", "sink", sink, "error", err)
			c.stats.audioError("get_volume")
		} else {
			c.sink.channels = len(volumes)
			reply = QueryReply{Volume: average(volumes), Known: true}
		}
	}

	c.logger.Debug("query answered", "volume", reply.Volume, "known", reply.Known)

	// The slot is buffered; never let a bad caller stall the loop.
	select {
	case cmd.Reply <- reply:
	default:
		c.logger.Warn("query reply slot full; dropping reply")
	}
}

// advance writes the next interpolated value. The final tick writes target
// exactly and ends the transition.
func (c *Controller) advance() {
	tr := c.transition
	tr.iteration++

	next := tr.initial + tr.step*float64(tr.iteration)
	final := tr.iteration >= tr.ticks || overshoots(next, tr.target, tr.step)
	if final {
		next = tr.target
	}

	if err := c.audio.SetVolume(tr.sink, tr.channels, next); err != nil {
		c.logger.Warn("failed to set volume", "sink", tr.sink, "volume", next, "error", err)
		c.stats.audioError("set_volume")
	} else {
		c.stats.volumeSet(next)
		c.publish(VolumeApplied{Sink: tr.sink, Volume: next, At: c.now()})
	}
	tr.current = next

	if final {
		c.transition = nil
		c.stats.setTransitioning(false)
		c.logger.Debug("transition finished", "sink", tr.sink, "volume", next, "ticks", tr.iteration)
		c.publish(TransitionFinished{Sink: tr.sink, Volume: next, At: c.now()})
	}
}

// defaultSink returns the cached default output, asking the audio server
// again when the cache is missing or stale.
func (c *Controller) defaultSink(now time.Time) (string, bool) {
	if !c.sink.stale(now, sinkRefreshInterval) {
		return c.sink.name, true
	}

	name, err := c.audio.DefaultOutput()
	if err != nil {
		c.logger.Warn("no default output", "error", err)
		c.stats.audioError("default_output")
		c.sink = nil
		return "", false
	}

	if c.sink == nil || c.sink.name != name {
		c.logger.Info("default output", "sink", name)
		c.sink = &sinkCache{name: name}
	}
	c.sink.refreshedAt = now
	return name, true
}

// effectiveDuration returns the request's duration, or the configured default
// when none was given or it is out of range.
func (c *Controller) effectiveDuration(ms *float64) time.Duration {
	if ms == nil || math.IsNaN(*ms) || *ms < 0 || *ms > maxRequestDurationMS {
		return c.cfg.DefaultDuration
	}
	return time.Duration(*ms * float64(time.Millisecond))
}

func (c *Controller) publish(ev StatusEvent) {
	if c.events == nil {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.logger.Debug("status queue full, dropping event", "event", ev.eventType())
	}
}

// ticksFor returns how many ticks a transition of length d takes.
func ticksFor(d, interval time.Duration) int {
	if interval <= 0 || d <= interval {
		return 1
	}
	n := int(d / interval)
	if n < 1 {
		n = 1
	}
	return n
}

// overshoots reports whether v has reached target moving in the direction of
// step. A zero step has nowhere to go and is always done.
func overshoots(v, target, step float64) bool {
	if step >= 0 {
		return v >= target
	}
	return v <= target
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
