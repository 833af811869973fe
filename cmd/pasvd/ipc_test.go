package main

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// socketPath returns a short socket path; t.TempDir can exceed the
// sun_path limit on some systems.
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "pasvd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "sock")
}

// startListener serves on a fresh socket until the test ends.
func startListener(t *testing.T) (string, *RequestQueue) {
	t.Helper()
	path := socketPath(t)
	queue := NewRequestQueue()

	l, err := ListenUnix(path, queue, NewStats(), testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return path, queue
}

// request sends payload the way pasv does and returns the reply.
func request(t *testing.T, path, payload string) string {
	t.Helper()
	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()

	_, err = io.WriteString(conn, payload)
	require.NoError(t, err)
	require.NoError(t, conn.(*net.UnixConn).CloseWrite())

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	b, err := io.ReadAll(conn)
	require.NoError(t, err)
	return string(b)
}

// sendOversized writes payload and waits for the daemon to hang up. The read
// may end in a reset because the daemon stops reading early.
func sendOversized(t *testing.T, path, payload string) {
	t.Helper()
	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()

	_, err = io.WriteString(conn, payload)
	require.NoError(t, err)
	_ = conn.(*net.UnixConn).CloseWrite()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	b, _ := io.ReadAll(conn)
	assert.Empty(t, b)
}

func recvCommand(t *testing.T, q *RequestQueue) Command {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	cmd, err := q.Recv(ctx)
	require.NoError(t, err)
	return cmd
}

func TestListener_ChangeVolume(t *testing.T) {
	path, queue := startListener(t)

	assert.Empty(t, request(t, path, "+5% 300"))

	cmd := recvCommand(t, queue)
	require.IsType(t, ChangeVolume{}, cmd)
	cv := cmd.(ChangeVolume)
	assert.InDelta(t, 0.05, cv.Change.(Increase).Delta, 1e-12)
	require.NotNil(t, cv.DurationMS)
	assert.Equal(t, 300.0, *cv.DurationMS)
}

func TestListener_RequestsKeepAcceptOrder(t *testing.T) {
	path, queue := startListener(t)

	for _, p := range []string{"0.1", "0.2", "0.3"} {
		request(t, path, p)
	}
	for _, want := range []float64{0.1, 0.2, 0.3} {
		cmd := recvCommand(t, queue)
		assert.Equal(t, want, cmd.(ChangeVolume).Change.(Absolute).Value)
	}
}

func TestListener_QueryVolume(t *testing.T) {
	path, queue := startListener(t)

	// Stand-in controller.
	go func() {
		cmd, err := queue.Recv(context.Background())
		if err != nil {
			return
		}
		cmd.(QueryVolume).Reply <- QueryReply{Volume: 0.42, Known: true}
	}()

	assert.Equal(t, "42.00%", request(t, path, "get-volume\n"))
}

func TestListener_QueryVolumeUnknown(t *testing.T) {
	path, queue := startListener(t)

	go func() {
		cmd, err := queue.Recv(context.Background())
		if err != nil {
			return
		}
		cmd.(QueryVolume).Reply <- QueryReply{}
	}()

	assert.Empty(t, request(t, path, "get-volume"))
}

func TestListener_InvalidRequestIgnored(t *testing.T) {
	path, queue := startListener(t)

	assert.Empty(t, request(t, path, "louder please"))
	sendOversized(t, path, strings.Repeat("9", maxRequestBytes+10))
	request(t, path, "50%")

	// Only the valid request made it through.
	cmd := recvCommand(t, queue)
	assert.InDelta(t, 0.5, cmd.(ChangeVolume).Change.(Absolute).Value, 1e-12)
	assert.Equal(t, 0, queue.Len())
}

func TestListenUnix_RemovesStaleSocket(t *testing.T) {
	path := socketPath(t)
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	l, err := ListenUnix(path, NewRequestQueue(), NewStats(), testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop")
	}

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "socket file removed on shutdown")
}

func TestListenUnix_BindFailure(t *testing.T) {
	_, err := ListenUnix(filepath.Join(socketPath(t), "missing", "sock"), NewRequestQueue(), NewStats(), testLogger())
	assert.Error(t, err)
}
