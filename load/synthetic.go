package load

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"OpenHome/Songshark-Go/internal/capture"
	"OpenHome/Songshark-Go/internal/frame"
	"OpenHome/Songshark-Go/internal/logger"
)

// Config controls the synthetic stream.
type Config struct {
	// Endpoint is the destination as address:port
	Endpoint string
	// Rate is frames per second
	Rate int
	// Duration bounds the stream; zero sends until ctx is done
	Duration time.Duration
	// PayloadSize is the UDP payload size, at least frame.HeaderSize
	PayloadSize int
	// StartSequence is the sequence number of the first frame
	StartSequence uint32
	// DropEvery skips one sequence number after every N frames (0 disables)
	DropEvery int
	// HaltEvery sets the halt flag on every Nth frame (0 disables)
	HaltEvery int
	// Pause is the silence after a halted frame
	Pause time.Duration
}

// Result counts what was generated.
type Result struct {
	Sent    uint64
	Skipped uint64
	Halts   uint64
}

func (c Config) withDefaults() Config {
	if c.Rate <= 0 {
		c.Rate = 1000
	}
	if c.PayloadSize < frame.HeaderSize {
		c.PayloadSize = 1024
	}
	if c.Pause <= 0 {
		c.Pause = 250 * time.Millisecond
	}
	return c
}

// sequencer yields the header of each generated frame.
type sequencer struct {
	cfg    Config
	next   uint32
	frames int
	result Result
}

func newSequencer(cfg Config) *sequencer {
	return &sequencer{cfg: cfg, next: cfg.StartSequence}
}

// advance returns the next header and how long to wait before the frame
// after it.
func (s *sequencer) advance(interval time.Duration) (frame.Header, time.Duration) {
	s.frames++
	h := frame.Header{Sequence: s.next}
	s.next++

	wait := interval
	if s.cfg.HaltEvery > 0 && s.frames%s.cfg.HaltEvery == 0 {
		h.Halt = true
		s.result.Halts++
		wait += s.cfg.Pause
	}
	if s.cfg.DropEvery > 0 && s.frames%s.cfg.DropEvery == 0 {
		s.next++
		s.result.Skipped++
	}
	s.result.Sent++
	return h, wait
}

// RunSyntheticStream sends stream frames to cfg.Endpoint over UDP until the
// duration elapses or ctx is done.
func RunSyntheticStream(ctx context.Context, cfg Config) (Result, error) {
	cfg = cfg.withDefaults()
	filter, err := capture.ParseEndpoint(cfg.Endpoint)
	if err != nil {
		return Result{}, err
	}
	conn, err := net.DialUDP("udp4", nil, net.UDPAddrFromAddrPort(netip.AddrPortFrom(filter.Addr, filter.Port)))
	if err != nil {
		return Result{}, fmt.Errorf("failed to dial %s: %w", filter, err)
	}
	defer conn.Close()

	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}

	log := logger.GetLogger()
	log.Info("[load] sending %d frames/s to %s", cfg.Rate, filter)

	interval := time.Second / time.Duration(cfg.Rate)
	seq := newSequencer(cfg)
	payload := make([]byte, cfg.PayloadSize)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("[load] sent %d frames (%d skipped, %d halts)", seq.result.Sent, seq.result.Skipped, seq.result.Halts)
			return seq.result, nil
		case <-timer.C:
		}
		h, wait := seq.advance(interval)
		if err := frame.Encode(payload, h); err != nil {
			return seq.result, err
		}
		if _, err := conn.Write(payload); err != nil {
			return seq.result, fmt.Errorf("failed to send %s: %w", h, err)
		}
		timer.Reset(wait)
	}
}

// WriteSyntheticCapture writes count frames of the stream as an Ethernet pcap
// file to w, timestamped from start at the configured rate.
func WriteSyntheticCapture(w io.Writer, cfg Config, count int, start time.Time) (Result, error) {
	cfg = cfg.withDefaults()
	filter, err := capture.ParseEndpoint(cfg.Endpoint)
	if err != nil {
		return Result{}, err
	}

	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		return Result{}, fmt.Errorf("failed to write pcap header: %w", err)
	}

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		DstMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(192, 0, 2, 1).To4(),
		DstIP:    net.IP(filter.Addr.AsSlice()),
	}
	udp := &layers.UDP{SrcPort: 40000, DstPort: layers.UDPPort(filter.Port)}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return Result{}, err
	}

	interval := time.Second / time.Duration(cfg.Rate)
	seq := newSequencer(cfg)
	payload := make([]byte, cfg.PayloadSize)
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	ts := start
	for i := 0; i < count; i++ {
		h, wait := seq.advance(interval)
		if err := frame.Encode(payload, h); err != nil {
			return seq.result, err
		}
		if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
			return seq.result, fmt.Errorf("failed to serialize %s: %w", h, err)
		}
		data := buf.Bytes()
		ci := gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(data), Length: len(data)}
		if err := pw.WritePacket(ci, data); err != nil {
			return seq.result, fmt.Errorf("failed to write packet: %w", err)
		}
		ts = ts.Add(wait)
	}
	return seq.result, nil
}
