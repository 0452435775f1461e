//go:build linux || darwin

// Package server provides the HTTP listener, with systemd socket activation
// where the platform supports it.
package server

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
)

// listenFDsStart is SD_LISTEN_FDS_START.
const listenFDsStart = 3

// GetListener returns the socket handed over by systemd when
// SOCKET_ACTIVATION=1, otherwise a fresh TCP listener on addr.
func GetListener(addr string) (net.Listener, error) {
	if os.Getenv("SOCKET_ACTIVATION") != "1" {
		return net.Listen("tcp", addr)
	}
	if os.Getenv("LISTEN_FDS") != "1" {
		return nil, errors.New("server: socket activation requested but LISTEN_FDS != 1")
	}
	if pid, err := strconv.Atoi(os.Getenv("LISTEN_PID")); err != nil || pid != os.Getpid() {
		return nil, fmt.Errorf("server: LISTEN_PID %q is not this process", os.Getenv("LISTEN_PID"))
	}
	f := os.NewFile(uintptr(listenFDsStart), "formpulse-listener")
	if f == nil {
		return nil, errors.New("server: inherited descriptor is invalid")
	}
	defer f.Close()
	return net.FileListener(f)
}
