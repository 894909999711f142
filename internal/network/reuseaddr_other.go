//go:build !linux && !windows

package network

import "net"

// ReuseAddrListenConfig returns a plain net.ListenConfig; the runtime
// already sets SO_REUSEADDR on Unix listening sockets.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{}
}
