package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// ============================================================================
// pasv - command-line client for pasvd
// ============================================================================
// Usage:
//   pasv 50%            set volume to 50% over the default duration
//   pasv +5% 300        raise by 5 points over 300 ms
//   pasv -0.1           lower by 0.1 (10 points)
//   pasv get-volume     print the current volume, e.g. "42.00%"
//   pasv watch          follow the status feed
// ============================================================================

// Build-time variables (set via ldflags)
var (
	version = "dev"
	commit  = "unknown"
)

const (
	queryVolumeRequest = "get-volume"
	replyTimeout       = 10 * time.Second
)

var errEmptyReply = errors.New("volume unknown (daemon sent an empty reply)")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCmd(os.Stdout)
	cmd.SetArgs(normalizeArgs(os.Args[1:]))
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "pasv: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "pasv [--socket PATH] <VOLUME> [DURATION_MS]",
		Short: "Change or query the volume through pasvd",
		Long: `pasv sends one request to pasvd.

VOLUME is a linear value (0.5) or a percentage (50%). A leading + or -
makes it relative to the current volume. DURATION_MS overrides the
daemon's default transition length. "get-volume" prints the current
volume instead.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := strings.Join(args, " ")
			query := strings.TrimSpace(payload) == queryVolumeRequest

			reply, err := send(cmd.Context(), socketPath, payload, query)
			if err != nil {
				return err
			}
			if !query {
				return nil
			}
			if reply == "" {
				return errEmptyReply
			}
			fmt.Fprintln(out, reply)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", defaultSocketPath(), "pasvd socket path")
	cmd.AddCommand(newWatchCmd(out))
	return cmd
}

// send writes payload, half-closes, and reads the reply when one is expected.
func send(ctx context.Context, socketPath, payload string, wantReply bool) (string, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return "", fmt.Errorf("connect to %s: %w (is pasvd running?)", socketPath, err)
	}
	defer conn.Close()

	if _, err := io.WriteString(conn, payload); err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	// The daemon reads until EOF.
	if uc, ok := conn.(*net.UnixConn); ok {
		if err := uc.CloseWrite(); err != nil {
			return "", fmt.Errorf("send request: %w", err)
		}
	}

	if !wantReply {
		return "", nil
	}

	_ = conn.SetReadDeadline(time.Now().Add(replyTimeout))
	b, err := io.ReadAll(conn)
	if err != nil {
		return "", fmt.Errorf("read reply: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

// normalizeArgs inserts "--" before the first argument that looks like a
// signed number (e.g. "-10%") so it is not taken for a flag.
func normalizeArgs(args []string) []string {
	for i, a := range args {
		if a == "--" {
			return args
		}
		if !looksLikeNegativeVolume(a) {
			continue
		}
		out := make([]string, 0, len(args)+1)
		out = append(out, args[:i]...)
		out = append(out, "--")
		return append(out, args[i:]...)
	}
	return args
}

func looksLikeNegativeVolume(a string) bool {
	if len(a) < 2 || a[0] != '-' {
		return false
	}
	_, err := strconv.ParseFloat(strings.TrimSuffix(a[1:], "%"), 64)
	return err == nil
}

// defaultSocketPath mirrors the daemon's default.
func defaultSocketPath() string {
	uid := os.Getuid()
	if uid == 0 {
		return "/run/pasvd"
	}
	return filepath.Join("/run/user", strconv.Itoa(uid), "pasvd")
}
