//go:build !linux

package streamer

func (s *UDPSink) writeDatagram(header, payload []byte) error {
	return s.writeConcat(header, payload)
}
