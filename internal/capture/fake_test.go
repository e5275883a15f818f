package capture

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"OpenHome/Songshark-Go/internal/frame"
)

type fakePacket struct {
	data []byte
	ci   gopacket.CaptureInfo
	err  error
}

// fakeHandle serves packets pushed on a channel. An empty channel yields
// ErrReadTimeout after a short wait; a closed channel yields io.EOF.
type fakeHandle struct {
	packets chan fakePacket
	link    layers.LinkType
	filter  string
	closed  atomic.Bool
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{packets: make(chan fakePacket, 64), link: layers.LinkTypeEthernet}
}

func (h *fakeHandle) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	select {
	case p, ok := <-h.packets:
		if !ok {
			return nil, gopacket.CaptureInfo{}, io.EOF
		}
		return p.data, p.ci, p.err
	case <-time.After(5 * time.Millisecond):
		return nil, gopacket.CaptureInfo{}, ErrReadTimeout
	}
}

func (h *fakeHandle) LinkType() layers.LinkType { return h.link }

func (h *fakeHandle) SetBPFFilter(expr string) error {
	h.filter = expr
	return nil
}

func (h *fakeHandle) Close() { h.closed.Store(true) }

// fakeSource hands out the queued handles in order.
type fakeSource struct {
	mu      sync.Mutex
	handles []*fakeHandle
	opened  []OpenOptions
	openErr error
}

func (s *fakeSource) Open(_ Device, opts OpenOptions) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = append(s.opened, opts)
	if s.openErr != nil {
		return nil, s.openErr
	}
	if len(s.handles) == 0 {
		return newFakeHandle(), nil
	}
	h := s.handles[0]
	s.handles = s.handles[1:]
	return h, nil
}

func (s *fakeSource) opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.opened)
}

var (
	testEndpoint = mustEndpoint("10.2.9.32:51974")
	testDevice   = Device{Name: "eth-test", Description: "Test Adapter"}
)

func mustEndpoint(s string) EndpointFilter {
	f, err := ParseEndpoint(s)
	if err != nil {
		panic(err)
	}
	return f
}

// streamPayload builds a stream frame header carrying seq and halt.
func streamPayload(seq uint32, halt bool) []byte {
	p := make([]byte, frame.HeaderSize)
	if halt {
		p[frame.HaltOffset] = frame.HaltMask
	}
	binary.BigEndian.PutUint32(p[frame.SequenceOffset:], seq)
	return p
}

// udpPacket serializes an Ethernet/IPv4/UDP datagram.
func udpPacket(t *testing.T, dst string, port uint16, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		DstMAC:       net.HardwareAddr{0x01, 0x00, 0x5e, 0x02, 0x09, 0x20},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP("10.2.9.10").To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
	udp := &layers.UDP{SrcPort: 40000, DstPort: layers.UDPPort(port)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)))
	return append([]byte(nil), buf.Bytes()...)
}

// tcpPacket serializes an Ethernet/IPv4/TCP segment to the same address.
func tcpPacket(t *testing.T, dst string, port uint16) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		DstMAC:       net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x66},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP("10.2.9.10").To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
	tcp := &layers.TCP{SrcPort: 40000, DstPort: layers.TCPPort(port), SYN: true, Window: 1024}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, tcp))
	return append([]byte(nil), buf.Bytes()...)
}

func at(ms int) gopacket.CaptureInfo {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(ms) * time.Millisecond)
	return gopacket.CaptureInfo{Timestamp: ts}
}

func withLength(ci gopacket.CaptureInfo, data []byte) gopacket.CaptureInfo {
	ci.CaptureLength = len(data)
	ci.Length = len(data)
	return ci
}

// fragmentedUDP serializes a UDP datagram to dst:port and splits it into two
// IPv4 fragments at the 1480 byte boundary of a 1500 byte MTU.
func fragmentedUDP(t *testing.T, dst string, port uint16, payload []byte) (first, second []byte) {
	t.Helper()
	udp := &layers.UDP{SrcPort: 40000, DstPort: layers.UDPPort(port)}
	dgram := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(dgram, gopacket.SerializeOptions{FixLengths: true}, udp, gopacket.Payload(payload)))
	data := dgram.Bytes()
	require.Greater(t, len(data), 1480)

	fragment := func(offset int, more bool, body []byte) []byte {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
			DstMAC:       net.HardwareAddr{0x01, 0x00, 0x5e, 0x02, 0x09, 0x20},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{
			Version:    4,
			TTL:        64,
			Id:         0x1234,
			Protocol:   layers.IPProtocolUDP,
			FragOffset: uint16(offset / 8),
			SrcIP:      net.ParseIP("10.2.9.10").To4(),
			DstIP:      net.ParseIP(dst).To4(),
		}
		if more {
			ip.Flags = layers.IPv4MoreFragments
		}
		buf := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, gopacket.Payload(body)))
		return append([]byte(nil), buf.Bytes()...)
	}
	return fragment(0, true, data[:1480]), fragment(1480, false, data[1480:])
}

// largePayload is a stream frame header followed by sample bytes.
func largePayload(seq uint32, size int) []byte {
	p := make([]byte, size)
	copy(p, streamPayload(seq, false))
	for i := frame.HeaderSize; i < size; i++ {
		p[i] = byte(i)
	}
	return p
}
