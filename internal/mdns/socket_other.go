//go:build !unix

package mdns

import "net"

func listenConfig() net.ListenConfig {
	return net.ListenConfig{}
}
