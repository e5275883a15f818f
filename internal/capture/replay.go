package capture

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// ErrFilterUnsupported is returned by handles that cannot install a kernel filter.
var ErrFilterUnsupported = errors.New("packet filter not supported")

// ReplaySource reads previously captured pcap or pcapng files. Each file is
// listed as one adapter and a run ends cleanly when the file is exhausted.
type ReplaySource struct {
	Files []string
}

// NewReplaySource returns a source over the given capture files.
func NewReplaySource(files ...string) *ReplaySource {
	return &ReplaySource{Files: files}
}

// Devices implements DeviceLister.
func (r *ReplaySource) Devices() ([]Device, error) {
	devices := make([]Device, 0, len(r.Files))
	for _, f := range r.Files {
		devices = append(devices, Device{
			Name:        f,
			Description: "replay of " + filepath.Base(f),
		})
	}
	return devices, nil
}

// Open implements Source. Options other than the device are ignored.
func (r *ReplaySource) Open(dev Device, _ OpenOptions) (Handle, error) {
	return OpenFile(dev.Name)
}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

type fileHandle struct {
	file   *os.File
	reader packetReader
}

// OpenFile opens a capture file, trying pcapng first and then classic pcap.
func OpenFile(path string) (Handle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening capture file: %w", err)
	}

	var reader packetReader
	if ng, err := pcapgo.NewNgReader(f, pcapgo.DefaultNgReaderOptions); err == nil {
		reader = ng
	} else {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("error resetting file position: %w", err)
		}
		classic, err := pcapgo.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("error creating pcap reader for %s: %w", path, err)
		}
		reader = classic
	}
	return &fileHandle{file: f, reader: reader}, nil
}

func (h *fileHandle) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	data, ci, err := h.reader.ReadPacketData()
	if errors.Is(err, io.ErrUnexpectedEOF) {
		// truncated trailing record
		return nil, ci, io.EOF
	}
	return data, ci, err
}

func (h *fileHandle) LinkType() layers.LinkType {
	return h.reader.LinkType()
}

func (h *fileHandle) SetBPFFilter(string) error {
	return ErrFilterUnsupported
}

func (h *fileHandle) Close() {
	h.file.Close()
}
