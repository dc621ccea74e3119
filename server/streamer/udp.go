package streamer

import (
	"fmt"
	"net"
	"strconv"
)

// UDPSink sends datagrams from an unconnected UDP socket to a single destination,
// fixed at creation time.
type UDPSink struct {
	conn *net.UDPConn
	dest *net.UDPAddr
	buf  []byte // Gather buffer, for platforms without sendmsg
}

func NewUDPSink(host string, port int) (*UDPSink, error) {
	dest, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("Failed to resolve sink address %v:%v: %w", host, port, err)
	}
	network := "udp6"
	if dest.IP.To4() != nil {
		network = "udp4"
	}
	conn, err := net.ListenUDP(network, nil)
	if err != nil {
		return nil, fmt.Errorf("Failed to create UDP socket: %w", err)
	}
	return &UDPSink{
		conn: conn,
		dest: dest,
	}, nil
}

func (s *UDPSink) Destination() *net.UDPAddr {
	return s.dest
}

func (s *UDPSink) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

func (s *UDPSink) WriteDatagram(header, payload []byte) error {
	return s.writeDatagram(header, payload)
}

// Fallback path: copy header and payload into one buffer
func (s *UDPSink) writeConcat(header, payload []byte) error {
	if len(header) == 0 {
		_, err := s.conn.WriteToUDP(payload, s.dest)
		return err
	}
	s.buf = append(append(s.buf[:0], header...), payload...)
	_, err := s.conn.WriteToUDP(s.buf, s.dest)
	return err
}

func (s *UDPSink) Close() error {
	return s.conn.Close()
}
