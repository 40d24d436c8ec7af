package deploy

import (
	"fmt"
	"net"
)

// allocatePort asks the kernel for an unused loopback port.
func allocatePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNoFreePort, err)
	}
	defer ln.Close()
	addr, ok := ln.Addr().(*net.TCPAddr)
	if !ok || addr.Port == 0 {
		return 0, ErrNoFreePort
	}
	return addr.Port, nil
}
