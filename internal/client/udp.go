package client

import (
	"fmt"
	"net"
)

// maxDatagramSize is large enough for any fragment chunk (1024 bytes) plus
// header/optional-field overhead; actual legacy datagrams never approach it.
const maxDatagramSize = 4096

// udpSender implements session.Sender over a pair of UDP sockets: login
// (9000) and world (9001) are the two well-known ports, with
// CONNECT_RESPONSE the one packet that targets the world port.
type udpSender struct {
	login *net.UDPConn
	world *net.UDPConn
}

// dialUDP connects two UDP sockets to host's login and world ports. Both
// are connected sockets (net.DialUDP), matching the teacher's gametunnel
// dialer's one-socket-per-destination shape, generalized here to the two
// destinations a client needs.
func dialUDP(host string, loginPort, worldPort int) (*udpSender, error) {
	loginAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, loginPort))
	if err != nil {
		return nil, fmt.Errorf("client: resolving login addr: %w", err)
	}
	worldAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, worldPort))
	if err != nil {
		return nil, fmt.Errorf("client: resolving world addr: %w", err)
	}

	loginConn, err := net.DialUDP("udp", nil, loginAddr)
	if err != nil {
		return nil, fmt.Errorf("client: dialing login %s: %w", loginAddr, err)
	}
	worldConn, err := net.DialUDP("udp", nil, worldAddr)
	if err != nil {
		loginConn.Close()
		return nil, fmt.Errorf("client: dialing world %s: %w", worldAddr, err)
	}

	return &udpSender{login: loginConn, world: worldConn}, nil
}

// SendTo implements session.Sender.
func (u *udpSender) SendTo(b []byte, toWorld bool) error {
	conn := u.login
	if toWorld {
		conn = u.world
	}
	_, err := conn.Write(b)
	if err != nil {
		return fmt.Errorf("client: writing datagram: %w", err)
	}
	return nil
}

// Close releases both sockets.
func (u *udpSender) Close() error {
	err1 := u.login.Close()
	err2 := u.world.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
