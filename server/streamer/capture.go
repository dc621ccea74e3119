package streamer

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Snap length written into the pcap file header
const captureSnapLen = 65536

// CaptureSink records every datagram into a pcap file, as Ethernet/IP/UDP
// frames from Src to Dst, so that the stream can be inspected in Wireshark.
// The IP version follows Dst.
// If Next is not nil, datagrams are also passed on to it.
type CaptureSink struct {
	Next Sink
	Src  *net.UDPAddr
	Dst  *net.UDPAddr

	lock   sync.Mutex
	file   *os.File
	writer *pcapgo.Writer
	ipv6   bool
	ipID   uint16
	buf    gopacket.SerializeBuffer
	joined []byte
}

// Create a capture file at filename. next may be nil.
func NewCaptureSink(filename string, next Sink, src, dst *net.UDPAddr) (*CaptureSink, error) {
	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("Failed to create capture file: %w", err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(captureSnapLen, layers.LinkTypeEthernet); err != nil {
		f.Close()
		return nil, fmt.Errorf("Failed to write capture file header: %w", err)
	}
	if dst == nil || dst.IP == nil {
		dst = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: max(addrPort(dst), 1)}
	}
	ipv6 := dst.IP.To4() == nil
	if src == nil || src.IP == nil || (!ipv6 && src.IP.To4() == nil) {
		loopback := net.IPv4(127, 0, 0, 1)
		if ipv6 {
			loopback = net.IPv6loopback
		}
		src = &net.UDPAddr{IP: loopback, Port: max(addrPort(src), 1)}
	}
	return &CaptureSink{
		Next:   next,
		Src:    src,
		Dst:    dst,
		ipv6:   ipv6,
		file:   f,
		writer: w,
		buf:    gopacket.NewSerializeBuffer(),
	}, nil
}

func addrPort(a *net.UDPAddr) int {
	if a == nil {
		return 0
	}
	return a.Port
}

func (c *CaptureSink) WriteDatagram(header, payload []byte) error {
	// Record first, so that the capture shows what we tried to send, even if the send fails
	if err := c.record(header, payload); err != nil {
		return err
	}
	if c.Next != nil {
		return c.Next.WriteDatagram(header, payload)
	}
	return nil
}

func (c *CaptureSink) record(header, payload []byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.joined = append(append(c.joined[:0], header...), payload...)

	eth := &layers.Ethernet{
		SrcMAC: net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC: net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(c.Src.Port),
		DstPort: layers.UDPPort(c.Dst.Port),
	}
	var ip gopacket.SerializableLayer
	if c.ipv6 {
		eth.EthernetType = layers.EthernetTypeIPv6
		ip6 := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolUDP,
			SrcIP:      c.Src.IP.To16(),
			DstIP:      c.Dst.IP.To16(),
		}
		if err := udp.SetNetworkLayerForChecksum(ip6); err != nil {
			return err
		}
		ip = ip6
	} else {
		c.ipID++
		eth.EthernetType = layers.EthernetTypeIPv4
		ip4 := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Id:       c.ipID,
			Flags:    layers.IPv4DontFragment,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    c.Src.IP.To4(),
			DstIP:    c.Dst.IP.To4(),
		}
		if err := udp.SetNetworkLayerForChecksum(ip4); err != nil {
			return err
		}
		ip = ip4
	}
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(c.buf, opts, eth, ip, udp, gopacket.Payload(c.joined)); err != nil {
		return fmt.Errorf("Failed to serialize captured datagram: %w", err)
	}
	frame := c.buf.Bytes()
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(frame),
		Length:        len(frame),
	}
	if err := c.writer.WritePacket(ci, frame); err != nil {
		return fmt.Errorf("Failed to write capture file: %w", err)
	}
	return nil
}

func (c *CaptureSink) Close() error {
	c.lock.Lock()
	err := c.file.Close()
	c.lock.Unlock()
	if c.Next != nil {
		if nextErr := c.Next.Close(); err == nil {
			err = nextErr
		}
	}
	return err
}
