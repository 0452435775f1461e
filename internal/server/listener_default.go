//go:build !linux && !darwin

// Package server provides the HTTP listener, with systemd socket activation
// where the platform supports it.
package server

import "net"

// GetListener listens on addr; socket activation is unavailable here.
func GetListener(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}
