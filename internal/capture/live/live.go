// Package live opens network adapters through libpcap (Npcap on Windows).
package live

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"OpenHome/Songshark-Go/internal/capture"
	"OpenHome/Songshark-Go/internal/logger"
)

// Source opens live adapters. It implements capture.Source and
// capture.DeviceLister.
type Source struct{}

// NewSource returns a live capture source.
func NewSource() *Source {
	return &Source{}
}

// Devices lists the adapters reported by the capture driver, in driver order.
func (s *Source) Devices() ([]capture.Device, error) {
	ifs, err := pcap.FindAllDevs()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate capture devices: %w", err)
	}
	devices := make([]capture.Device, 0, len(ifs))
	for _, i := range ifs {
		devices = append(devices, capture.Device{
			Name:        i.Name,
			Description: capture.AdapterDescription(i.Description, i.Name),
		})
	}
	return devices, nil
}

// Open activates dev with the given options. The read timeout is always set
// so blocked reads return and observe Stop.
func (s *Source) Open(dev capture.Device, opts capture.OpenOptions) (capture.Handle, error) {
	inactive, err := pcap.NewInactiveHandle(dev.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create handle for %s: %w", dev.Name, err)
	}
	defer inactive.CleanUp()

	if err := inactive.SetSnapLen(opts.SnapLen); err != nil {
		return nil, fmt.Errorf("failed to set snap length: %w", err)
	}
	if err := inactive.SetPromisc(opts.Promiscuous); err != nil {
		return nil, fmt.Errorf("failed to set promiscuous mode: %w", err)
	}
	if err := inactive.SetTimeout(opts.ReadTimeout); err != nil {
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}
	if opts.Immediate {
		if err := inactive.SetImmediateMode(true); err != nil {
			logger.GetLogger().Debug("[live] immediate mode unavailable on %s: %v", dev.Name, err)
		}
	}

	h, err := inactive.Activate()
	if err != nil {
		return nil, fmt.Errorf("failed to activate %s: %w", dev.Name, err)
	}
	return &handle{h: h}, nil
}

type handle struct {
	h *pcap.Handle
}

func (h *handle) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	data, ci, err := h.h.ReadPacketData()
	switch {
	case err == nil:
		return data, ci, nil
	case errors.Is(err, pcap.NextErrorTimeoutExpired):
		return nil, ci, capture.ErrReadTimeout
	case errors.Is(err, pcap.NextErrorNoMorePackets), errors.Is(err, io.EOF):
		return nil, ci, io.EOF
	default:
		return nil, ci, err
	}
}

func (h *handle) LinkType() layers.LinkType {
	return h.h.LinkType()
}

func (h *handle) SetBPFFilter(expr string) error {
	return h.h.SetBPFFilter(expr)
}

func (h *handle) Close() {
	h.h.Close()
}

// Available reports whether the capture driver is installed and usable.
func Available() bool {
	log := logger.GetLogger()
	if runtime.GOOS == "windows" {
		dll := filepath.Join(os.Getenv("WINDIR"), "System32", "Npcap", "wpcap.dll")
		if _, err := os.Stat(dll); err == nil {
			log.Debug("[live] Npcap detected at %s", dll)
			return true
		}
	}
	devices, err := pcap.FindAllDevs()
	if err != nil {
		log.Warn("[live] capture driver not available: %v", err)
		return false
	}
	log.Debug("[live] capture driver available with %d devices", len(devices))
	return len(devices) > 0
}

// Version returns the capture library version string.
func Version() string {
	return pcap.Version()
}
