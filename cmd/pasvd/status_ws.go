package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ============================================================================
// Status feed: controller events -> broadcaster -> hub -> websocket followers
// ============================================================================
//
// The controller publishes StatusEvents on a buffered channel without ever
// blocking. A single broadcaster goroutine turns them into JSON frames and
// keeps the latest known state for new followers. The hub copies each frame
// into every follower's queue and drops followers that fall behind.
//
// Frames are JSON text messages: {type, ts, data}. The first frame a follower
// sees is "state_init".
//
// ============================================================================

// StatusEvent is something the controller did that followers may care about.
type StatusEvent interface {
	eventType() string
}

// VolumeApplied is emitted after each successful set-volume call.
type VolumeApplied struct {
	Sink   string
	Volume float64
	At     time.Time
}

// TransitionStarted is emitted when a change request starts or replaces a transition.
type TransitionStarted struct {
	Sink   string
	From   float64
	Target float64
	Ticks  int
	At     time.Time
}

// TransitionFinished is emitted when the final tick lands on the target.
type TransitionFinished struct {
	Sink   string
	Volume float64
	At     time.Time
}

func (VolumeApplied) eventType() string      { return "volume_changed" }
func (TransitionStarted) eventType() string  { return "transition_started" }
func (TransitionFinished) eventType() string { return "transition_finished" }

// wsSnapshot is the `data` payload of "state_init".
type wsSnapshot struct {
	Sink          string    `json:"sink,omitempty"`
	Volume        float64   `json:"volume"`
	Percent       string    `json:"percent,omitempty"`
	VolumeKnown   bool      `json:"volume_known"`
	VolumeAt      time.Time `json:"volume_at"`
	Transitioning bool      `json:"transitioning"`
	Target        float64   `json:"target,omitempty"`
}

type wsVolumeChangedData struct {
	Sink    string  `json:"sink"`
	Volume  float64 `json:"volume"`
	Percent string  `json:"percent"`
}

type wsTransitionStartedData struct {
	Sink   string  `json:"sink"`
	From   float64 `json:"from"`
	Target float64 `json:"target"`
	Ticks  int     `json:"ticks"`
}

type wsTransitionFinishedData struct {
	Sink    string  `json:"sink"`
	Volume  float64 `json:"volume"`
	Percent string  `json:"percent"`
}

type wsOutboundEvent struct {
	Type string
	Data any
	At   time.Time
}

// envelope is the wire format of every frame.
type envelope struct {
	Type string     `json:"type"`
	Ts   *time.Time `json:"ts,omitempty"`
	Data any        `json:"data,omitempty"`
}

func marshalEnvelope(ev wsOutboundEvent) ([]byte, error) {
	ts := ev.At
	if ts.IsZero() {
		ts = time.Now()
	}
	ts = ts.UTC()
	return json.Marshal(envelope{Type: ev.Type, Ts: &ts, Data: ev.Data})
}

// ============================================================================
// Fan-out
// ============================================================================

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second

	statusFollowerQueue = 32

	// Volume frames arriving faster than this are coalesced, latest wins.
	wsVolumeCoalesceWindow = 50 * time.Millisecond
)

// framePublisher receives encoded frames from the Broadcaster.
type framePublisher interface {
	publish(frame []byte)
}

// Hub tracks connected followers of the status feed. publish never blocks;
// a follower whose queue is full is disconnected.
type Hub struct {
	logger *slog.Logger

	mu        sync.Mutex
	followers map[*follower]struct{}
	closed    bool
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:    logger,
		followers: make(map[*follower]struct{}),
	}
}

// join adds f. It returns false once the hub is closed.
func (h *Hub) join(f *follower) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.followers[f] = struct{}{}
	h.logger.Info("status follower joined", "remote_addr", f.remoteAddr, "followers", len(h.followers))
	return true
}

// leave removes f and stops its writer. Repeated calls are no-ops.
func (h *Hub) leave(f *follower, reason string) {
	h.mu.Lock()
	_, ok := h.followers[f]
	delete(h.followers, f)
	n := len(h.followers)
	h.mu.Unlock()

	if !ok {
		return
	}
	f.stop()
	h.logger.Info("status follower left", "remote_addr", f.remoteAddr, "reason", reason, "followers", n)
}

func (h *Hub) publish(frame []byte) {
	var lagging []*follower

	h.mu.Lock()
	for f := range h.followers {
		select {
		case f.frames <- frame:
		default:
			lagging = append(lagging, f)
		}
	}
	h.mu.Unlock()

	for _, f := range lagging {
		h.leave(f, "lagging")
	}
}

// Close disconnects every follower and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	gone := make([]*follower, 0, len(h.followers))
	for f := range h.followers {
		gone = append(gone, f)
	}
	clear(h.followers)
	h.mu.Unlock()

	for _, f := range gone {
		f.stop()
	}
	h.logger.Debug("status hub closed", "followers", len(gone))
}

// Followers reports how many followers are connected.
func (h *Hub) Followers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.followers)
}

// follower is one websocket connection. Closing frames makes its writer send
// a close frame and drop the connection, which in turn ends its reader.
type follower struct {
	conn       *websocket.Conn
	frames     chan []byte
	stopOnce   sync.Once
	remoteAddr string
}

func newFollower(conn *websocket.Conn, remoteAddr string) *follower {
	return &follower{
		conn:       conn,
		frames:     make(chan []byte, statusFollowerQueue),
		remoteAddr: remoteAddr,
	}
}

func (f *follower) stop() {
	f.stopOnce.Do(func() { close(f.frames) })
}

func (f *follower) writeFrames(logger *slog.Logger) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	defer f.conn.Close()

	for {
		select {
		case frame, ok := <-f.frames:
			_ = f.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = f.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := f.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.Debug("status write failed", "remote_addr", f.remoteAddr, "error", err)
				return
			}

		case <-ping.C:
			_ = f.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := f.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Debug("status ping failed", "remote_addr", f.remoteAddr, "error", err)
				return
			}
		}
	}
}

// readUntilClosed discards inbound frames and reports the follower gone when
// the connection ends or stops answering pings.
func (f *follower) readUntilClosed(h *Hub, logger *slog.Logger) {
	_ = f.conn.SetReadDeadline(time.Now().Add(pongWait))
	f.conn.SetPongHandler(func(string) error {
		return f.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := f.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("status follower dropped", "remote_addr", f.remoteAddr, "error", err)
			}
			h.leave(f, "disconnected")
			return
		}
	}
}

// ============================================================================
// HTTP handler
// ============================================================================

type StatusServer struct {
	logger      *slog.Logger
	hub         *Hub
	broadcaster *Broadcaster
}

func NewStatusServer(logger *slog.Logger, hub *Hub, broadcaster *Broadcaster) *StatusServer {
	return &StatusServer{logger: logger, hub: hub, broadcaster: broadcaster}
}

// Register adds the websocket endpoint to mux.
func (s *StatusServer) Register(mux *http.ServeMux, path string) {
	mux.HandleFunc(path, s.handleStatusWS)
}

var upgrader = websocket.Upgrader{
	// Read-only feed, loopback by default.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *StatusServer) handleStatusWS(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()
	snap, err := s.broadcaster.Snapshot(ctx)
	if err != nil {
		http.Error(w, "status unavailable", http.StatusServiceUnavailable)
		return
	}
	initFrame, err := marshalEnvelope(wsOutboundEvent{Type: "state_init", Data: snap})
	if err != nil {
		s.logger.Warn("status snapshot marshal failed", "error", err)
		http.Error(w, "status unavailable", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("status upgrade failed", "error", err)
		return
	}

	// state_init is queued before joining so it is always the first frame.
	f := newFollower(conn, r.RemoteAddr)
	f.frames <- initFrame
	if !s.hub.join(f) {
		_ = conn.Close()
		return
	}

	go f.writeFrames(s.logger)
	go f.readUntilClosed(s.hub, s.logger)
}

// ============================================================================
// Broadcaster
// ============================================================================

// Broadcaster converts controller events to frames and remembers the latest
// state for new clients. Run it as a single goroutine.
type Broadcaster struct {
	out       framePublisher
	src       <-chan StatusEvent
	snapshots chan chan wsSnapshot
	logger    *slog.Logger

	state wsSnapshot
}

func NewBroadcaster(out framePublisher, src <-chan StatusEvent, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		out:       out,
		src:       src,
		snapshots: make(chan chan wsSnapshot),
		logger:    logger,
	}
}

// Snapshot returns the latest state seen by the broadcaster.
func (b *Broadcaster) Snapshot(ctx context.Context) (wsSnapshot, error) {
	reply := make(chan wsSnapshot, 1)
	select {
	case <-ctx.Done():
		return wsSnapshot{}, ctx.Err()
	case b.snapshots <- reply:
	}
	select {
	case <-ctx.Done():
		return wsSnapshot{}, ctx.Err()
	case snap := <-reply:
		return snap, nil
	}
}

// Run forwards events until ctx is canceled or the source is closed.
//
// volume_changed frames are rate limited: the latest pending one is flushed
// at most once per wsVolumeCoalesceWindow. Any other event flushes the
// pending volume first so ordering is kept.
func (b *Broadcaster) Run(ctx context.Context) {
	var pendingVol *wsOutboundEvent
	var volTimer *time.Timer
	var volTimerCh <-chan time.Time

	emit := func(ev wsOutboundEvent) {
		msg, err := marshalEnvelope(ev)
		if err != nil {
			b.logger.Warn("status marshal failed", "error", err, "type", ev.Type)
			return
		}
		b.out.publish(msg)
	}
	flushPendingVol := func() {
		if pendingVol != nil {
			emit(*pendingVol)
			pendingVol = nil
		}
	}
	stopVolTimer := func() {
		if volTimer != nil {
			volTimer.Stop()
		}
		volTimer = nil
		volTimerCh = nil
	}

	for {
		select {
		case <-ctx.Done():
			flushPendingVol()
			stopVolTimer()
			return

		case reply := <-b.snapshots:
			reply <- b.state

		case <-volTimerCh:
			flushPendingVol()
			stopVolTimer()

		case ev, ok := <-b.src:
			if !ok {
				flushPendingVol()
				stopVolTimer()
				b.logger.Debug("status broadcaster stopping (source closed)")
				return
			}

			b.apply(ev)
			out, ok := convertStatusEvent(ev)
			if !ok {
				continue
			}

			if out.Type == "volume_changed" {
				pendingVol = &out
				if volTimer == nil {
					volTimer = time.NewTimer(wsVolumeCoalesceWindow)
					volTimerCh = volTimer.C
				}
				continue
			}

			flushPendingVol()
			stopVolTimer()
			emit(out)
		}
	}
}

// apply folds ev into the snapshot state.
func (b *Broadcaster) apply(ev StatusEvent) {
	switch ev := ev.(type) {
	case VolumeApplied:
		b.state.Sink = ev.Sink
		b.state.Volume = ev.Volume
		b.state.Percent = FormatPercent(ev.Volume)
		b.state.VolumeKnown = true
		b.state.VolumeAt = ev.At
	case TransitionStarted:
		b.state.Sink = ev.Sink
		b.state.Transitioning = true
		b.state.Target = ev.Target
	case TransitionFinished:
		b.state.Transitioning = false
		b.state.Target = 0
	}
}

func convertStatusEvent(ev StatusEvent) (wsOutboundEvent, bool) {
	switch ev := ev.(type) {
	case VolumeApplied:
		return wsOutboundEvent{
			Type: ev.eventType(),
			Data: wsVolumeChangedData{Sink: ev.Sink, Volume: ev.Volume, Percent: FormatPercent(ev.Volume)},
			At:   ev.At,
		}, true
	case TransitionStarted:
		return wsOutboundEvent{
			Type: ev.eventType(),
			Data: wsTransitionStartedData{Sink: ev.Sink, From: ev.From, Target: ev.Target, Ticks: ev.Ticks},
			At:   ev.At,
		}, true
	case TransitionFinished:
		return wsOutboundEvent{
			Type: ev.eventType(),
			Data: wsTransitionFinishedData{Sink: ev.Sink, Volume: ev.Volume, Percent: FormatPercent(ev.Volume)},
			At:   ev.At,
		}, true
	default:
		return wsOutboundEvent{}, false
	}
}
