package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/oklog/ulid/v2"
)

// ============================================================================
// Command Listener - Unix domain socket
// ============================================================================
// One request per connection. The client writes its payload and half-closes;
// the whole payload is the request:
//
//	get-volume             -> reply is e.g. "42.00%" (empty when unknown)
//	<volume> [duration_ms] -> no reply
//
// Connections are handled one at a time, in accept order, so requests reach
// the controller in the order they were accepted.
// ============================================================================

// Listener accepts requests on a Unix socket and forwards them to the controller.
type Listener struct {
	ln     *net.UnixListener
	path   string
	queue  *RequestQueue
	stats  *Stats
	logger *slog.Logger
}

// ListenUnix binds the socket at path, removing a stale socket file first.
func ListenUnix(path string, queue *RequestQueue, stats *Stats, logger *slog.Logger) (*Listener, error) {
	// A leftover socket from a previous run would make bind fail.
	_ = os.Remove(path)

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}

	return &Listener{
		ln:     ln,
		path:   path,
		queue:  queue,
		stats:  stats,
		logger: logger,
	}, nil
}

// Serve accepts connections until ctx is canceled, then closes the listener
// and removes the socket file.
func (l *Listener) Serve(ctx context.Context) error {
	defer os.Remove(l.path)
	defer l.ln.Close()

	l.logger.Info("listening", "socket", l.path)

	// Closing the listener unblocks Accept.
	stop := context.AfterFunc(ctx, func() { _ = l.ln.Close() })
	defer stop()

	for {
		conn, err := l.ln.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				l.logger.Debug("listener closed")
				return nil
			}
			l.logger.Error("accept error", "error", err)
			continue
		}

		l.handle(ctx, conn)
	}
}

// handle serves a single connection to completion.
func (l *Listener) handle(ctx context.Context, conn *net.UnixConn) {
	defer conn.Close()

	logger := l.logger.With("conn", ulid.Make().String())
	if cred, err := peerCredentials(conn); err == nil {
		logger.Debug("connection accepted", "pid", cred.PID, "uid", cred.UID)
	} else {
		logger.Debug("connection accepted", "peer_cred_error", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(requestReadTimeout))
	payload, err := io.ReadAll(io.LimitReader(conn, maxRequestBytes+1))
	if err != nil {
		logger.Warn("failed to read request", "error", err)
		return
	}
	if len(payload) > maxRequestBytes {
		logger.Warn("request too large; dropping", "limit", maxRequestBytes)
		l.stats.parseError()
		return
	}

	cmd, err := Parse(string(payload))
	if err != nil {
		logger.Warn("invalid request", "payload", string(payload), "error", err)
		l.stats.parseError()
		return
	}
	l.stats.command(cmd)
	logger.Debug("request", "command", cmd.String())

	switch cmd := cmd.(type) {
	case ChangeVolume:
		if err := l.queue.Push(cmd); err != nil {
			logger.Warn("failed to queue request", "error", err)
		}

	case QueryVolume:
		reply := make(chan QueryReply, 1)
		cmd.Reply = reply
		if err := l.queue.Push(cmd); err != nil {
			logger.Warn("failed to queue request", "error", err)
			return
		}

		var r QueryReply
		select {
		case r = <-reply:
		case <-ctx.Done():
			return
		}

		if !r.Known {
			logger.Debug("volume unknown; empty reply")
			return
		}
		if _, err := io.WriteString(conn, FormatPercent(r.Volume)); err != nil {
			logger.Warn("failed to write reply", "error", err)
		}
	}
}
