//go:build !linux

package main

import (
	"errors"
	"net"
)

type peerCred struct {
	PID int32
	UID uint32
	GID uint32
}

func peerCredentials(*net.UnixConn) (peerCred, error) {
	return peerCred{}, errors.New("peer credentials not supported on this platform")
}
