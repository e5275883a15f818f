package controller

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenHome/Songshark-Go/internal/capture"
	"OpenHome/Songshark-Go/internal/frame"
	"OpenHome/Songshark-Go/internal/logger"
)

// idleHandle never delivers a packet until failed is closed.
type idleHandle struct {
	failed chan struct{}
}

func (h *idleHandle) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	select {
	case <-h.failed:
		return nil, gopacket.CaptureInfo{}, errors.New("adapter disappeared")
	case <-time.After(5 * time.Millisecond):
		return nil, gopacket.CaptureInfo{}, capture.ErrReadTimeout
	}
}

func (h *idleHandle) LinkType() layers.LinkType { return layers.LinkTypeEthernet }
func (h *idleHandle) SetBPFFilter(string) error { return nil }
func (h *idleHandle) Close()                    {}

type mockBackend struct {
	mu      sync.Mutex
	devices []capture.Device
	listErr error
	handle  *idleHandle
}

func newMockBackend() *mockBackend {
	return &mockBackend{
		devices: []capture.Device{
			{Name: `\Device\NPF_{A}`, Description: "Intel(R) Ethernet"},
			{Name: "wlan0", Description: ""},
		},
		handle: &idleHandle{failed: make(chan struct{})},
	}
}

func (m *mockBackend) Devices() ([]capture.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.devices, m.listErr
}

func (m *mockBackend) Open(capture.Device, capture.OpenOptions) (capture.Handle, error) {
	return m.handle, nil
}

func quietOptions(t *testing.T) Option {
	t.Helper()
	l, err := logger.NewLogger(logger.Config{LogLevel: logger.Error, Output: io.Discard})
	require.NoError(t, err)
	return WithSessionOptions(capture.WithLogger(l))
}

func newTestController(t *testing.T, b Backend) *Controller {
	t.Helper()
	c := New(b, quietOptions(t))
	t.Cleanup(c.Close)
	return c
}

func TestListAdapters(t *testing.T) {
	c := newTestController(t, newMockBackend())
	names, err := c.ListAdapters()
	require.NoError(t, err)
	assert.Equal(t, []string{"Intel(R) Ethernet", "wlan0"}, names)
}

func TestListAdapters_Error(t *testing.T) {
	b := newMockBackend()
	b.listErr = errors.New("driver not installed")
	c := newTestController(t, b)
	_, err := c.ListAdapters()
	assert.ErrorContains(t, err, "driver not installed")
}

func TestFindAdapter(t *testing.T) {
	c := newTestController(t, newMockBackend())

	i, err := c.FindAdapter("intel(r) ethernet")
	require.NoError(t, err)
	assert.Equal(t, 0, i)

	i, err = c.FindAdapter("wlan0")
	require.NoError(t, err)
	assert.Equal(t, 1, i)

	_, err = c.FindAdapter("eth9")
	assert.ErrorIs(t, err, ErrNoAdapterSelected)
}

func TestSetEndpoint(t *testing.T) {
	c := newTestController(t, newMockBackend())

	require.NoError(t, c.SetEndpoint("10.2.9.32", 51974))
	ep, ok := c.Endpoint()
	require.True(t, ok)
	assert.Equal(t, "10.2.9.32:51974", ep.String())

	// a bad entry clears the previous endpoint
	assert.ErrorIs(t, c.SetEndpoint("10.2.9.32", 0), ErrInvalidEndpoint)
	_, ok = c.Endpoint()
	assert.False(t, ok)

	require.NoError(t, c.SetEndpointString("239.1.1.1:5000"))
	assert.ErrorIs(t, c.SetEndpointString("not-an-endpoint"), ErrInvalidEndpoint)
	_, ok = c.Endpoint()
	assert.False(t, ok)
}

func TestStart_Preconditions(t *testing.T) {
	c := newTestController(t, newMockBackend())

	require.NoError(t, c.SetEndpoint("10.2.9.32", 51974))
	assert.ErrorIs(t, c.Start(-1), ErrNoAdapterSelected)
	assert.ErrorIs(t, c.Start(2), ErrNoAdapterSelected)

	assert.Error(t, c.SetEndpoint("0.0.0.0", 51974))
	assert.ErrorIs(t, c.Start(0), ErrNoEndpointSet)
	assert.Equal(t, capture.Idle, c.State())
}

func TestStartStop(t *testing.T) {
	c := newTestController(t, newMockBackend())
	require.NoError(t, c.SetEndpoint("10.2.9.32", 51974))

	require.NoError(t, c.Start(0))
	assert.Equal(t, capture.Running, c.State())
	assert.NotEmpty(t, c.RunID())
	assert.ErrorIs(t, c.Start(0), ErrAlreadyRunning)

	c.Stop()
	assert.Equal(t, capture.Idle, c.State())
	assert.NoError(t, c.Err())

	// idempotent
	c.Stop()
}

func TestPollStatistics_IdleIsZero(t *testing.T) {
	c := newTestController(t, newMockBackend())
	s := c.PollStatistics()
	assert.Zero(t, s.PacketCount)
	assert.Zero(t, s.MinGapMillis)
	assert.Zero(t, s.MaxGapMillis)
	assert.Equal(t, capture.Idle, s.State)
}

func TestErr_DeviceLost(t *testing.T) {
	b := newMockBackend()
	c := newTestController(t, b)
	require.NoError(t, c.SetEndpoint("10.2.9.32", 51974))
	require.NoError(t, c.Start(0))

	close(b.handle.failed)
	require.Eventually(t, func() bool { return c.State() == capture.Idle }, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, c.Err(), ErrDeviceLost)
}

func TestSelectStrategy(t *testing.T) {
	c := newTestController(t, newMockBackend())
	assert.Equal(t, []string{"Udp", "Timings"}, c.Strategies())
	assert.NoError(t, c.SelectStrategy("udp"))
	assert.Error(t, c.SelectStrategy("spectrum"))
}

// replayStrategy observes a fixed run of frames on its first run only, then
// waits for Stop.
type replayStrategy struct {
	runs atomic.Int32
}

func (s *replayStrategy) Name() string { return "Fixed" }

func (s *replayStrategy) Run(ctx context.Context, _ capture.Source, t capture.Target) error {
	if s.runs.Add(1) == 1 {
		base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		_ = t.Stats.Observe(base, frame.Header{Sequence: 10})
		_ = t.Stats.Observe(base.Add(3*time.Millisecond), frame.Header{Sequence: 11})
		_ = t.Stats.Observe(base.Add(8*time.Millisecond), frame.Header{Sequence: 13})
	}
	<-ctx.Done()
	return capture.ErrCaptureCancelled
}

func TestWithRegistry(t *testing.T) {
	fixed := &replayStrategy{}
	c := New(newMockBackend(), quietOptions(t), WithRegistry(capture.NewRegistry(fixed)))
	t.Cleanup(c.Close)

	assert.Equal(t, []string{"Fixed"}, c.Strategies())
	assert.Error(t, c.SelectStrategy(DefaultStrategy))

	// the default is not in this registry, so nothing is selected yet
	require.NoError(t, c.SetEndpointString("10.2.9.32:51974"))
	assert.Error(t, c.Start(0))
	assert.Equal(t, capture.Idle, c.State())

	require.NoError(t, c.SelectStrategy("fixed"))
	require.NoError(t, c.Start(0))
	require.Eventually(t, func() bool { return c.PollStatistics().PacketCount == 3 }, 2*time.Second, 5*time.Millisecond)
	c.Stop()
	assert.Equal(t, int32(1), fixed.runs.Load())
}

func TestWithStartTimeout(t *testing.T) {
	c := newTestController(t, newMockBackend())
	assert.Equal(t, 5*time.Second, c.startTimeout)

	c = New(newMockBackend(), quietOptions(t), WithStartTimeout(200*time.Millisecond))
	t.Cleanup(c.Close)
	assert.Equal(t, 200*time.Millisecond, c.startTimeout)

	require.NoError(t, c.SetEndpointString("10.2.9.32:51974"))
	require.NoError(t, c.Start(0))
	assert.Equal(t, capture.Running, c.State())
	c.Stop()
}

func TestPollStatistics_KeptAfterStop(t *testing.T) {
	c := New(newMockBackend(), quietOptions(t), WithRegistry(capture.NewRegistry(&replayStrategy{})))
	t.Cleanup(c.Close)
	require.NoError(t, c.SelectStrategy("Fixed"))
	require.NoError(t, c.SetEndpointString("10.2.9.32:51974"))

	require.NoError(t, c.Start(0))
	require.Eventually(t, func() bool { return c.PollStatistics().PacketCount == 3 }, 2*time.Second, 5*time.Millisecond)
	c.Stop()

	s := c.PollStatistics()
	assert.Equal(t, capture.Idle, s.State)
	assert.Equal(t, uint32(3), s.PacketCount)
	assert.Equal(t, uint32(1), s.LostFrames)
	assert.InDelta(t, 3.0, s.MinGapMillis, 0.0001)
	assert.InDelta(t, 5.0, s.MaxGapMillis, 0.0001)

	// only the next Start clears them
	require.NoError(t, c.Start(0))
	s = c.PollStatistics()
	assert.Zero(t, s.PacketCount)
	assert.Zero(t, s.LostFrames)
	assert.Zero(t, s.MaxGapMillis)
	c.Stop()
}

func streamPacket(t *testing.T, seq uint32, halt bool) []byte {
	t.Helper()
	payload := make([]byte, frame.HeaderSize)
	if halt {
		payload[frame.HaltOffset] = frame.HaltMask
	}
	binary.BigEndian.PutUint32(payload[frame.SequenceOffset:], seq)

	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(10, 2, 9, 10).To4(),
		DstIP:    net.IPv4(10, 2, 9, 32).To4(),
	}
	udp := &layers.UDP{SrcPort: 40000, DstPort: 51974}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		&layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
			DstMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 6},
			EthernetType: layers.EthernetTypeIPv4,
		},
		ip, udp, gopacket.Payload(payload)))
	return buf.Bytes()
}

func TestReplay_PollStatistics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	// gaps of 2ms and 4ms, then a halt suppresses the 1s pause, then one lost frame
	frames := []struct {
		ms   int
		seq  uint32
		halt bool
	}{
		{0, 1, false},
		{2, 2, false},
		{6, 3, true},
		{1006, 4, false},
		{1009, 6, false},
	}
	for _, fr := range frames {
		data := streamPacket(t, fr.seq, fr.halt)
		ci := gopacket.CaptureInfo{
			Timestamp:     base.Add(time.Duration(fr.ms) * time.Millisecond),
			CaptureLength: len(data),
			Length:        len(data),
		}
		require.NoError(t, w.WritePacket(ci, data))
	}
	require.NoError(t, f.Close())

	c := newTestController(t, capture.NewReplaySource(path))
	require.NoError(t, c.SetEndpointString("10.2.9.32:51974"))
	names, err := c.ListAdapters()
	require.NoError(t, err)
	require.Len(t, names, 1)

	require.NoError(t, c.Start(0))
	require.Eventually(t, func() bool { return c.State() == capture.Idle }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Err())

	s := c.PollStatistics()
	assert.Equal(t, uint32(5), s.PacketCount)
	assert.Equal(t, uint32(1), s.LostFrames)
	assert.InDelta(t, 2.0, s.MinGapMillis, 0.0001)
	assert.InDelta(t, 4.0, s.MaxGapMillis, 0.0001)
	assert.Contains(t, s.String(), "packets=5")
}
