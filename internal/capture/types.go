package capture

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"OpenHome/Songshark-Go/internal/logger"
	"OpenHome/Songshark-Go/internal/stats"
)

var (
	// ErrCaptureCancelled ends a receive loop on Stop. It is not a failure.
	ErrCaptureCancelled = errors.New("capture cancelled")
	// ErrDeviceLost is returned when the packet source fails mid-capture.
	ErrDeviceLost = errors.New("capture device lost")
	// ErrAlreadyRunning rejects a Start while a run is active or pending.
	ErrAlreadyRunning = errors.New("capture already running")
	// ErrInvalidEndpoint rejects an endpoint that is not a concrete IPv4 address and port.
	ErrInvalidEndpoint = errors.New("invalid endpoint")
	// ErrReadTimeout is returned by a Handle when no packet arrived within the read timeout.
	ErrReadTimeout = errors.New("read timeout expired")
	// ErrSessionClosed rejects a Start after Close.
	ErrSessionClosed = errors.New("capture session closed")
)

// Device identifies a capturable network interface (or a capture file).
type Device struct {
	// Name is what the packet source opens, e.g. "eth0" or "\Device\NPF_{...}"
	Name string
	// Description is the human readable adapter name shown to users
	Description string
}

func (d Device) String() string {
	if d.Description == "" || d.Description == d.Name {
		return d.Name
	}
	return fmt.Sprintf("%s (%s)", d.Description, d.Name)
}

// DeviceLister enumerates the devices a Source can open.
type DeviceLister interface {
	Devices() ([]Device, error)
}

// AdapterDescription shortens driver descriptions of the form
// "Network adapter 'Intel(R) Ethernet' on local host" to the quoted part.
// Descriptions without quotes are returned as-is; an empty description
// falls back to name.
func AdapterDescription(description, name string) string {
	description = strings.TrimSpace(description)
	if description == "" {
		return name
	}
	parts := strings.Split(description, "'")
	if len(parts) >= 3 && strings.TrimSpace(parts[1]) != "" {
		return strings.TrimSpace(parts[1])
	}
	return description
}

// EndpointFilter selects packets by IPv4 destination address and UDP port.
type EndpointFilter struct {
	Addr netip.Addr
	Port uint16
}

// NewEndpointFilter parses address and port into a filter.
func NewEndpointFilter(address string, port int) (EndpointFilter, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(address))
	if err != nil {
		return EndpointFilter{}, fmt.Errorf("%w: address %q: %v", ErrInvalidEndpoint, address, err)
	}
	if port < 0 || port > 65535 {
		return EndpointFilter{}, fmt.Errorf("%w: port %d out of range", ErrInvalidEndpoint, port)
	}
	f := EndpointFilter{Addr: addr.Unmap(), Port: uint16(port)}
	if err := f.Validate(); err != nil {
		return EndpointFilter{}, err
	}
	return f, nil
}

// ParseEndpoint parses "address:port", e.g. "10.2.9.32:51974".
func ParseEndpoint(s string) (EndpointFilter, error) {
	host, portStr, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return EndpointFilter{}, fmt.Errorf("%w: %q is not address:port", ErrInvalidEndpoint, s)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return EndpointFilter{}, fmt.Errorf("%w: port %q: %v", ErrInvalidEndpoint, portStr, err)
	}
	return NewEndpointFilter(host, int(port))
}

// Validate checks that both fields are concrete.
func (f EndpointFilter) Validate() error {
	if !f.Addr.IsValid() || !f.Addr.Is4() {
		return fmt.Errorf("%w: %v is not an IPv4 address", ErrInvalidEndpoint, f.Addr)
	}
	if f.Addr.IsUnspecified() {
		return fmt.Errorf("%w: wildcard address", ErrInvalidEndpoint)
	}
	if f.Port == 0 {
		return fmt.Errorf("%w: wildcard port", ErrInvalidEndpoint)
	}
	return nil
}

func (f EndpointFilter) String() string {
	return netip.AddrPortFrom(f.Addr, f.Port).String()
}

// BPF returns a kernel filter expression equivalent to the endpoint match.
func (f EndpointFilter) BPF() string {
	return fmt.Sprintf("udp and dst host %s and dst port %d", f.Addr, f.Port)
}

// OpenOptions controls how a Source opens a device.
type OpenOptions struct {
	// SnapLen is the maximum number of bytes captured per packet
	SnapLen int
	// Promiscuous puts the adapter in promiscuous mode
	Promiscuous bool
	// ReadTimeout bounds each blocking read, and so the latency of Stop
	ReadTimeout time.Duration
	// Immediate delivers packets as soon as they arrive instead of batching
	Immediate bool
}

// MaxReadTimeout caps OpenOptions.ReadTimeout so Stop has a bounded wait.
const MaxReadTimeout = time.Second

// DefaultOpenOptions returns the low-latency options used for stream analysis.
func DefaultOpenOptions() OpenOptions {
	return OpenOptions{
		SnapLen:     65536,
		ReadTimeout: MaxReadTimeout,
		Immediate:   true,
	}
}

func (o OpenOptions) normalized() OpenOptions {
	if o.SnapLen <= 0 {
		o.SnapLen = 65536
	}
	if o.ReadTimeout <= 0 || o.ReadTimeout > MaxReadTimeout {
		o.ReadTimeout = MaxReadTimeout
	}
	return o
}

// Handle is an open packet source. ReadPacketData returns ErrReadTimeout when
// the read timeout expires and io.EOF when the source is exhausted.
type Handle interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
	SetBPFFilter(expr string) error
	Close()
}

// Source opens devices for capture.
type Source interface {
	Open(dev Device, opts OpenOptions) (Handle, error)
}

// Target is everything a strategy needs for one run.
type Target struct {
	Device  Device
	Filter  EndpointFilter
	Stats   *stats.StreamStatistics
	Options OpenOptions
	Log     *logger.Logger
	// RunID tags log lines of this run
	RunID string
}
