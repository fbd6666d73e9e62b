package rtp

// H.264 NAL unit types used by the packetizer
const (
	NALTypeSlice = 1
	NALTypeIDR   = 5
	NALTypeSEI   = 6
	NALTypeSPS   = 7
	NALTypePPS   = 8
	NALTypeAUD   = 9
	NALTypeFUA   = 28
)

// NALType returns the nal_unit_type of a unit without start code
func NALType(unit []byte) uint8 {
	if len(unit) == 0 {
		return 0
	}
	return unit[0] & 0x1F
}

// IsVCL reports whether the unit carries slice data
func IsVCL(unit []byte) bool {
	t := NALType(unit)
	return t >= NALTypeSlice && t <= NALTypeIDR
}

// startsPicture reports whether a slice is the first of its picture
// (first_mb_in_slice == 0, whose ue(v) encoding is a single 1 bit)
func startsPicture(unit []byte) bool {
	return IsVCL(unit) && len(unit) > 1 && unit[1]&0x80 != 0
}

// Splitter reassembles NAL units from an Annex B byte stream delivered in
// arbitrary chunks. Units are emitted once the following start code arrives.
// Both 0x00000001 and 0x000001 start codes are accepted.
type Splitter struct {
	buf    []byte
	inUnit bool // buf starts with the payload of a unit whose start code was seen
	scan   int  // offset where the start code search resumes
}

// Push appends chunk and returns every unit completed by it, without start codes
func (s *Splitter) Push(chunk []byte) [][]byte {
	s.buf = append(s.buf, chunk...)

	var units [][]byte
	begin := 0
	i := s.scan
	for ; i+2 < len(s.buf); i++ {
		if s.buf[i] != 0 || s.buf[i+1] != 0 || s.buf[i+2] != 1 {
			continue
		}
		if s.inUnit {
			if u := trimTrailingZeros(s.buf[begin:i]); len(u) > 0 {
				units = append(units, append([]byte(nil), u...))
			}
		}
		s.inUnit = true
		begin = i + 3
		i += 2
	}

	if !s.inUnit {
		// bytes before the first start code are discarded, keeping a possible partial code
		begin = max(0, len(s.buf)-2)
	}
	s.buf = append(s.buf[:0], s.buf[begin:]...)
	s.scan = max(0, i-begin)
	return units
}

// Flush returns the unit still being assembled, if any, and resets the splitter
func (s *Splitter) Flush() []byte {
	var unit []byte
	if s.inUnit {
		if u := trimTrailingZeros(s.buf); len(u) > 0 {
			unit = append([]byte(nil), u...)
		}
	}
	s.Reset()
	return unit
}

// Reset drops any buffered bytes
func (s *Splitter) Reset() {
	s.buf = s.buf[:0]
	s.inUnit = false
	s.scan = 0
}

// trimTrailingZeros strips the leading zero of a four byte start code (and any
// zero stuffing) from the end of the previous unit
func trimTrailingZeros(b []byte) []byte {
	n := len(b)
	for n > 0 && b[n-1] == 0 {
		n--
	}
	return b[:n]
}
