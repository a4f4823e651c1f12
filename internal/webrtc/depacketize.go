package webrtc

// H264 payload structures (RFC 6184).
const (
	naluTypeMask = 0x1f
	naluSTAPA    = 24
	naluFUA      = 28

	fuStart = 0x80
	fuEnd   = 0x40
)

// StartCode prefixes every NAL unit in an Annex-B byte stream.
var StartCode = []byte{0x00, 0x00, 0x00, 0x01}

// H264Depacketizer turns RTP H264 payloads back into NAL units.
// FU-A reassembly state is per instance: use one per video track.
type H264Depacketizer struct {
	fragment []byte
	inFU     bool
	lastSeq  uint16
}

// NewH264Depacketizer returns an empty depacketizer.
func NewH264Depacketizer() *H264Depacketizer {
	return &H264Depacketizer{}
}

// Depacketize returns the NAL units completed by the packet with sequence
// number seq. A sequence gap inside a FU-A chain drops the whole unit.
func (d *H264Depacketizer) Depacketize(seq uint16, payload []byte) [][]byte {
	if len(payload) == 0 {
		return nil
	}

	switch t := payload[0] & naluTypeMask; {
	case t >= 1 && t < naluSTAPA:
		d.dropFragment()
		return [][]byte{payload}
	case t == naluSTAPA:
		d.dropFragment()
		return splitSTAPA(payload[1:])
	case t == naluFUA:
		if nalu := d.pushFragment(seq, payload); nalu != nil {
			return [][]byte{nalu}
		}
	}
	return nil
}

// AppendAnnexB depacketizes payload and appends each complete NAL unit to
// dst behind a start code. Empty units are skipped.
func (d *H264Depacketizer) AppendAnnexB(dst []byte, seq uint16, payload []byte) []byte {
	for _, nalu := range d.Depacketize(seq, payload) {
		if len(nalu) == 0 {
			continue
		}
		dst = append(dst, StartCode...)
		dst = append(dst, nalu...)
	}
	return dst
}

func (d *H264Depacketizer) dropFragment() {
	d.fragment = nil
	d.inFU = false
}

// pushFragment adds one FU-A packet and returns the unit it completes.
func (d *H264Depacketizer) pushFragment(seq uint16, payload []byte) []byte {
	if len(payload) < 2 {
		return nil
	}
	indicator, header := payload[0], payload[1]

	switch {
	case header&fuStart != 0:
		// F and NRI come from the indicator, the type from the FU header.
		d.fragment = append([]byte{indicator&0xe0 | header&naluTypeMask}, payload[2:]...)
		d.inFU = true
	case !d.inFU:
		return nil
	case seq != d.lastSeq+1:
		log.Debug("FU-A sequence gap, dropping unit", "expected", d.lastSeq+1, "got", seq)
		d.dropFragment()
		return nil
	default:
		d.fragment = append(d.fragment, payload[2:]...)
	}
	d.lastSeq = seq

	if header&fuEnd == 0 {
		return nil
	}
	nalu := d.fragment
	d.dropFragment()
	return nalu
}

// splitSTAPA splits the aggregated units that follow the STAP-A header.
// Parsing stops at a zero or overlong size field.
func splitSTAPA(b []byte) [][]byte {
	var nalus [][]byte
	for len(b) >= 2 {
		size := int(b[0])<<8 | int(b[1])
		b = b[2:]
		if size == 0 || size > len(b) {
			break
		}
		nalus = append(nalus, b[:size])
		b = b[size:]
	}
	return nalus
}
