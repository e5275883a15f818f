package capture

import (
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// udpParser decodes link/IPv4/UDP headers in place, reusing its layer
// structs across packets. Not safe for concurrent use.
type udpParser struct {
	parser  *gopacket.DecodingLayerParser
	eth     layers.Ethernet
	loop    layers.Loopback
	ip4     layers.IPv4
	udp     layers.UDP
	payload gopacket.Payload
	decoded []gopacket.LayerType
}

func firstLayer(link layers.LinkType) (gopacket.LayerType, error) {
	switch link {
	case layers.LinkTypeEthernet:
		return layers.LayerTypeEthernet, nil
	case layers.LinkTypeNull, layers.LinkTypeLoop:
		return layers.LayerTypeLoopback, nil
	case layers.LinkTypeRaw, layers.LinkTypeIPv4:
		return layers.LayerTypeIPv4, nil
	default:
		return gopacket.LayerTypeZero, fmt.Errorf("unsupported link type %v", link)
	}
}

func newUDPParser(link layers.LinkType) (*udpParser, error) {
	first, err := firstLayer(link)
	if err != nil {
		return nil, err
	}
	p := &udpParser{decoded: make([]gopacket.LayerType, 0, 5)}
	p.parser = gopacket.NewDecodingLayerParser(first, &p.eth, &p.loop, &p.ip4, &p.udp, &p.payload)
	return p, nil
}

// decode reports whether data is an IPv4 UDP datagram, or the first fragment
// of one. Errors from layers above UDP (unknown application protocols) are
// ignored.
func (p *udpParser) decode(data []byte) bool {
	_ = p.parser.DecodeLayers(data, &p.decoded)
	var sawIP bool
	for _, t := range p.decoded {
		switch t {
		case layers.LayerTypeIPv4:
			sawIP = true
		case layers.LayerTypeUDP:
			return sawIP
		}
	}
	if !sawIP || p.decoded[len(p.decoded)-1] != layers.LayerTypeIPv4 {
		return false
	}
	return p.decodeFirstFragment()
}

// decodeFirstFragment handles datagrams larger than the MTU. gopacket hands
// fragments to LayerTypeFragment, but the first one still starts with the UDP
// header and carries the whole stream header. Later fragments have no UDP
// header and are skipped.
func (p *udpParser) decodeFirstFragment() bool {
	if p.ip4.Protocol != layers.IPProtocolUDP || p.ip4.FragOffset != 0 ||
		p.ip4.Flags&layers.IPv4MoreFragments == 0 {
		return false
	}
	// the payload is truncated to the fragment, so the UDP length overruns it
	return p.udp.DecodeFromBytes(p.ip4.Payload, gopacket.NilDecodeFeedback) == nil
}

// match returns the UDP payload when data is addressed to the filter's
// destination address and port.
func (p *udpParser) match(data []byte, f EndpointFilter) ([]byte, bool) {
	if !p.decode(data) {
		return nil, false
	}
	if uint16(p.udp.DstPort) != f.Port {
		return nil, false
	}
	dst, ok := netip.AddrFromSlice(p.ip4.DstIP)
	if !ok || dst.Unmap() != f.Addr {
		return nil, false
	}
	return p.udp.Payload, true
}
