package streamer

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Send header and payload with a single sendmsg, without copying them together
func (s *UDPSink) writeDatagram(header, payload []byte) error {
	if len(header) == 0 {
		return s.writeConcat(nil, payload)
	}
	rc, err := s.conn.SyscallConn()
	if err != nil {
		return s.writeConcat(header, payload)
	}
	to := s.sockaddr()
	var sendErr error
	err = rc.Write(func(fd uintptr) bool {
		_, sendErr = unix.SendmsgBuffers(int(fd), [][]byte{header, payload}, nil, to, 0)
		// Returning false makes the runtime wait until the socket is writable, and try again
		return !errors.Is(sendErr, unix.EAGAIN)
	})
	if err != nil {
		return err
	}
	return sendErr
}

func (s *UDPSink) sockaddr() unix.Sockaddr {
	if ip4 := s.dest.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: s.dest.Port}
		copy(sa.Addr[:], ip4)
		return sa
	}
	sa := &unix.SockaddrInet6{Port: s.dest.Port}
	copy(sa.Addr[:], s.dest.IP.To16())
	return sa
}
