package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

const (
	defaultStatusURL = "ws://127.0.0.1:7790/ws"
	watchPingPeriod  = 20 * time.Second
	watchPongWait    = 60 * time.Second
)

// statusFrame is one message of the daemon's status feed.
type statusFrame struct {
	Type string          `json:"type"`
	Ts   time.Time       `json:"ts"`
	Data json.RawMessage `json:"data"`
}

type statusData struct {
	Sink          string  `json:"sink"`
	Volume        float64 `json:"volume"`
	VolumeKnown   bool    `json:"volume_known"`
	Percent       string  `json:"percent"`
	From          float64 `json:"from"`
	Target        float64 `json:"target"`
	Ticks         int     `json:"ticks"`
	Transitioning bool    `json:"transitioning"`
}

func newWatchCmd(out io.Writer) *cobra.Command {
	var rawURL string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow volume changes on the daemon's status feed",
		Long: `watch connects to the status feed (pasvd --status-listen) and prints
every volume change and transition until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return watch(cmd.Context(), rawURL, out)
		},
	}
	cmd.Flags().StringVar(&rawURL, "url", defaultStatusURL, "status feed websocket URL")
	return cmd
}

func watch(ctx context.Context, rawURL string, out io.Writer) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid status URL: %w", err)
	}

	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := d.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", u, err)
	}
	defer conn.Close()

	var writeMu sync.Mutex

	_ = conn.SetReadDeadline(time.Now().Add(watchPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(watchPongWait))
	})

	go func() {
		ticker := time.NewTicker(watchPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				writeMu.Lock()
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				writeMu.Unlock()
				_ = conn.Close()
				return
			case <-ticker.C:
				writeMu.Lock()
				err := conn.WriteMessage(websocket.PingMessage, nil)
				writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("status feed: %w", err)
		}
		if line, ok := formatFrame(msg); ok {
			fmt.Fprintln(out, line)
		}
	}
}

// formatFrame renders a status frame as one human-readable line.
func formatFrame(msg []byte) (string, bool) {
	var f statusFrame
	if err := json.Unmarshal(msg, &f); err != nil {
		return "", false
	}
	var d statusData
	if len(f.Data) > 0 {
		if err := json.Unmarshal(f.Data, &d); err != nil {
			return "", false
		}
	}

	ts := f.Ts.Local().Format("15:04:05.000")
	switch f.Type {
	case "state_init":
		if !d.VolumeKnown {
			return fmt.Sprintf("%s [STATE] volume unknown", ts), true
		}
		line := fmt.Sprintf("%s [STATE] %s %s", ts, d.Sink, d.Percent)
		if d.Transitioning {
			line += fmt.Sprintf(" -> %.2f%%", d.Target*100)
		}
		return line, true
	case "volume_changed":
		return fmt.Sprintf("%s [VOLUME] %s %s", ts, d.Sink, d.Percent), true
	case "transition_started":
		return fmt.Sprintf("%s [START] %s %.2f%% -> %.2f%% in %d ticks", ts, d.Sink, d.From*100, d.Target*100, d.Ticks), true
	case "transition_finished":
		return fmt.Sprintf("%s [DONE] %s %s", ts, d.Sink, d.Percent), true
	default:
		return fmt.Sprintf("%s [%s] %s", ts, f.Type, string(f.Data)), true
	}
}
