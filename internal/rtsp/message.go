package rtsp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// ErrMalformed marks a request that could be read but not parsed
var ErrMalformed = errors.New("malformed rtsp message")

// maxBodySize bounds Content-Length on incoming messages
const maxBodySize = 64 << 10

// Header holds message headers. Lookups are case-insensitive.
type Header map[string]string

// Get returns the value of key, matching names case-insensitively
func (h Header) Get(key string) string {
	if v, ok := h[key]; ok {
		return v
	}
	for k, v := range h {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// Set stores a header value
func (h Header) Set(key, value string) {
	h[key] = value
}

// Request is an RTSP request
type Request struct {
	Method  string
	URI     string
	Version string
	Header  Header
	Body    []byte
	CSeq    int // -1 when absent or invalid
}

// Response is an RTSP response
type Response struct {
	StatusCode int
	StatusText string
	Header     Header
	Body       []byte
}

// NewResponse creates a response correlated to cseq
func NewResponse(statusCode, cseq int) *Response {
	resp := &Response{
		StatusCode: statusCode,
		StatusText: StatusText(statusCode),
		Header:     Header{HeaderServer: serverName},
	}
	if cseq >= 0 {
		resp.Header.Set(HeaderCSeq, strconv.Itoa(cseq))
	}
	return resp
}

// SetBody sets the body with its content type and length
func (r *Response) SetBody(contentType string, body []byte) {
	r.Body = body
	r.Header.Set(HeaderContentType, contentType)
	r.Header.Set(HeaderContentLength, strconv.Itoa(len(body)))
}

// Bytes renders the response with CSeq first and the other headers sorted
func (r *Response) Bytes() []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %d %s\r\n", Version, r.StatusCode, r.StatusText)
	if cseq, ok := r.Header[HeaderCSeq]; ok {
		fmt.Fprintf(&sb, "%s: %s\r\n", HeaderCSeq, cseq)
	}
	for _, key := range slices.Sorted(maps.Keys(r.Header)) {
		if key == HeaderCSeq {
			continue
		}
		fmt.Fprintf(&sb, "%s: %s\r\n", key, r.Header[key])
	}
	sb.WriteString("\r\n")
	sb.Write(r.Body)
	return []byte(sb.String())
}

// Reader parses RTSP messages from a stream connection
type Reader struct {
	r *bufio.Reader
}

// NewReader creates a message reader
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// ReadRequest reads one request. I/O errors are returned as is; a message
// that was fully consumed but could not be parsed wraps ErrMalformed so the
// caller can answer it and keep the connection.
func (mr *Reader) ReadRequest() (*Request, error) {
	line, err := mr.readLine()
	if err != nil {
		return nil, err
	}
	for line == "" {
		// tolerate blank lines between messages
		if line, err = mr.readLine(); err != nil {
			return nil, err
		}
	}

	header, err := mr.readHeader()
	if err != nil {
		return nil, err
	}

	req := &Request{Header: header, CSeq: -1}
	if v := header.Get(HeaderCSeq); v != "" {
		if cseq, err := strconv.Atoi(v); err == nil && cseq >= 0 {
			req.CSeq = cseq
		}
	}

	body, err := mr.readBody(header)
	if err != nil {
		return req, err
	}
	req.Body = body

	parts := strings.Fields(line)
	if len(parts) != 3 {
		return req, fmt.Errorf("%w: invalid request line %q", ErrMalformed, line)
	}
	req.Method, req.URI, req.Version = parts[0], parts[1], parts[2]
	return req, nil
}

// ReadResponse reads one response
func (mr *Reader) ReadResponse() (*Response, error) {
	line, err := mr.readLine()
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: invalid status line %q", ErrMalformed, line)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid status code %q", ErrMalformed, parts[1])
	}

	header, err := mr.readHeader()
	if err != nil {
		return nil, err
	}
	resp := &Response{StatusCode: code, Header: header}
	if len(parts) == 3 {
		resp.StatusText = parts[2]
	}
	if resp.Body, err = mr.readBody(header); err != nil {
		return nil, err
	}
	return resp, nil
}

func (mr *Reader) readLine() (string, error) {
	line, err := mr.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (mr *Reader) readHeader() (Header, error) {
	header := Header{}
	for {
		line, err := mr.readLine()
		if err != nil {
			return nil, err
		}
		if line == "" {
			return header, nil
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		header.Set(strings.TrimSpace(key), strings.TrimSpace(value))
	}
}

func (mr *Reader) readBody(header Header) ([]byte, error) {
	v := header.Get(HeaderContentLength)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 || n > maxBodySize {
		return nil, fmt.Errorf("invalid content length %q", v)
	}
	if n == 0 {
		return nil, nil
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(mr.r, body); err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	return body, nil
}

// Writer sends RTSP responses
type Writer struct {
	w *bufio.Writer
}

// NewWriter creates a message writer
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// WriteResponse writes and flushes one response
func (mw *Writer) WriteResponse(resp *Response) error {
	if _, err := mw.w.Write(resp.Bytes()); err != nil {
		return err
	}
	return mw.w.Flush()
}

// WriteRequest writes and flushes one request, used by clients and tests
func (mw *Writer) WriteRequest(req *Request) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s %s\r\n", req.Method, req.URI, Version)
	if req.CSeq >= 0 {
		fmt.Fprintf(&sb, "%s: %d\r\n", HeaderCSeq, req.CSeq)
	}
	for _, key := range slices.Sorted(maps.Keys(req.Header)) {
		fmt.Fprintf(&sb, "%s: %s\r\n", key, req.Header[key])
	}
	if len(req.Body) > 0 {
		fmt.Fprintf(&sb, "%s: %d\r\n", HeaderContentLength, len(req.Body))
	}
	sb.WriteString("\r\n")
	sb.Write(req.Body)

	if _, err := mw.w.WriteString(sb.String()); err != nil {
		return err
	}
	return mw.w.Flush()
}
