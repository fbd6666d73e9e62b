package camera

import "bytes"

var (
	jpegStart = []byte{0xFF, 0xD8}
	jpegEnd   = []byte{0xFF, 0xD9}
)

// maxPendingBytes bounds the buffer when no end marker shows up
const maxPendingBytes = 8 << 20

// jpegSplitter cuts an image2pipe MJPEG byte stream into complete JPEG images
type jpegSplitter struct {
	buf []byte
}

// push appends chunk and returns every complete image found so far.
// Bytes before a start marker are discarded.
func (s *jpegSplitter) push(chunk []byte) [][]byte {
	s.buf = append(s.buf, chunk...)

	var out [][]byte
	for {
		img := s.next()
		if img == nil {
			break
		}
		out = append(out, img)
	}

	if len(s.buf) > maxPendingBytes {
		s.buf = s.buf[:0]
	}
	return out
}

// next extracts one complete frame from the front of the buffer
func (s *jpegSplitter) next() []byte {
	if len(s.buf) < 4 {
		return nil
	}

	startIdx := bytes.Index(s.buf, jpegStart)
	if startIdx == -1 {
		// keep a trailing 0xFF, it may begin the next marker
		if s.buf[len(s.buf)-1] == 0xFF {
			s.buf = append(s.buf[:0], 0xFF)
		} else {
			s.buf = s.buf[:0]
		}
		return nil
	}

	endIdx := bytes.Index(s.buf[startIdx+2:], jpegEnd)
	if endIdx == -1 {
		if startIdx > 0 {
			s.buf = append(s.buf[:0], s.buf[startIdx:]...)
		}
		return nil
	}
	endIdx += startIdx + 2 + len(jpegEnd)

	img := make([]byte, endIdx-startIdx)
	copy(img, s.buf[startIdx:endIdx])
	s.buf = append(s.buf[:0], s.buf[endIdx:]...)
	return img
}
