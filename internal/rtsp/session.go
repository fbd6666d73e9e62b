package rtsp

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"strconv"
	"strings"
	"time"

	"vigil/internal/rtp"
)

// Distributor delivers encoded units to playing sessions
type Distributor interface {
	AddSession(t rtp.Target)
	RemoveSession(id string)
	Position(id string) (seq uint16, timestamp uint32, ok bool)
}

// SessionState is the per-connection RTSP state
type SessionState int

const (
	StateInit SessionState = iota
	StateReady
	StatePlaying
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateReady:
		return "Ready"
	case StatePlaying:
		return "Playing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Session serves one RTSP control connection.
// Init --SETUP--> Ready --PLAY--> Playing --TEARDOWN--> Closed; any connection
// error also ends in Closed.
type Session struct {
	id     string
	conn   net.Conn
	reader *Reader
	writer *Writer
	dist   Distributor
	logger *slog.Logger

	state SessionState

	rtpConn    net.PacketConn
	rtcpConn   net.PacketConn
	clientAddr *net.UDPAddr
	ssrc       uint32
	seq        uint16
	timestamp  uint32
}

func newSession(conn net.Conn, dist Distributor) *Session {
	id := strconv.FormatUint(rand.Uint64N(1e15)+1e15, 10)
	return &Session{
		id:     id,
		conn:   conn,
		reader: NewReader(conn),
		writer: NewWriter(conn),
		dist:   dist,
		logger: slog.With("component", "RTSPSession", "session", id),
		state:  StateInit,
	}
}

// ID returns the numeric session identifier
func (s *Session) ID() string {
	return s.id
}

// serve handles requests until the client disconnects, tears down, or the
// connection is closed by the server
func (s *Session) serve() {
	s.logger.Info("rtsp client connected", "remote", s.conn.RemoteAddr())
	defer s.close()

	for s.state != StateClosed {
		_ = s.conn.SetReadDeadline(time.Now().Add(2 * SessionTimeout))

		req, err := s.reader.ReadRequest()
		if err != nil {
			if errors.Is(err, ErrMalformed) {
				s.logger.Warn("malformed rtsp request", "error", err)
				if werr := s.respond(NewResponse(StatusBadRequest, req.CSeq)); werr != nil {
					return
				}
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("rtsp connection read failed", "error", err)
			}
			return
		}

		s.logger.Debug("rtsp request", "method", req.Method, "uri", req.URI, "cseq", req.CSeq)
		if err := s.respond(s.handle(req)); err != nil {
			s.logger.Debug("rtsp response write failed", "error", err)
			return
		}
	}
}

func (s *Session) respond(resp *Response) error {
	return s.writer.WriteResponse(resp)
}

func (s *Session) handle(req *Request) *Response {
	if req.CSeq < 0 {
		return NewResponse(StatusBadRequest, -1)
	}
	if req.Version != Version {
		return NewResponse(StatusRTSPVersionNotSupported, req.CSeq)
	}

	switch req.Method {
	case MethodOptions:
		resp := NewResponse(StatusOK, req.CSeq)
		resp.Header.Set(HeaderPublic, strings.Join([]string{
			MethodOptions, MethodDescribe, MethodSetup, MethodPlay, MethodTeardown,
		}, ", "))
		return resp
	case MethodDescribe:
		return s.handleDescribe(req)
	case MethodSetup:
		return s.handleSetup(req)
	case MethodPlay:
		return s.handlePlay(req)
	case MethodTeardown:
		return s.handleTeardown(req)
	default:
		return NewResponse(StatusNotImplemented, req.CSeq)
	}
}

func (s *Session) handleDescribe(req *Request) *Response {
	resp := NewResponse(StatusOK, req.CSeq)
	resp.Header.Set(HeaderContentBase, strings.TrimSuffix(req.URI, "/")+"/")
	resp.SetBody("application/sdp", []byte(describeSDP(s.id, s.localIP())))
	return resp
}

func (s *Session) handleSetup(req *Request) *Response {
	if s.state != StateInit && s.state != StateReady {
		return NewResponse(StatusMethodNotValidInThisState, req.CSeq)
	}
	if !s.sessionMatches(req) {
		return NewResponse(StatusSessionNotFound, req.CSeq)
	}

	transport := req.Header.Get(HeaderTransport)
	if strings.Contains(transport, "RTP/AVP/TCP") || strings.Contains(transport, "interleaved=") {
		return NewResponse(StatusUnsupportedTransport, req.CSeq)
	}
	rtpPort, rtcpPort := parseClientPorts(transport)

	remote, ok := s.conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return NewResponse(StatusInternalServerError, req.CSeq)
	}

	s.releaseSockets()
	rtpConn, rtcpConn, err := allocatePortPair(s.localIP())
	if err != nil {
		s.logger.Error("failed to allocate rtp sockets", "error", err)
		return NewResponse(StatusInternalServerError, req.CSeq)
	}
	s.rtpConn, s.rtcpConn = rtpConn, rtcpConn
	s.clientAddr = &net.UDPAddr{IP: remote.IP, Port: rtpPort, Zone: remote.Zone}
	s.ssrc = rand.Uint32()
	s.seq = uint16(rand.Uint32())
	s.timestamp = rand.Uint32()
	s.state = StateReady

	serverPort := rtpConn.LocalAddr().(*net.UDPAddr).Port
	resp := NewResponse(StatusOK, req.CSeq)
	resp.Header.Set(HeaderSession, fmt.Sprintf("%s;timeout=%d", s.id, int(SessionTimeout.Seconds())))
	resp.Header.Set(HeaderTransport, fmt.Sprintf("RTP/AVP;unicast;client_port=%d-%d;server_port=%d-%d;ssrc=%08X",
		rtpPort, rtcpPort, serverPort, rtcpConn.LocalAddr().(*net.UDPAddr).Port, s.ssrc))

	s.logger.Info("rtsp session set up", "client", s.clientAddr, "server_port", serverPort)
	return resp
}

func (s *Session) handlePlay(req *Request) *Response {
	if s.state != StateReady && s.state != StatePlaying {
		return NewResponse(StatusMethodNotValidInThisState, req.CSeq)
	}
	if !s.sessionMatches(req) {
		return NewResponse(StatusSessionNotFound, req.CSeq)
	}

	if s.state == StateReady {
		s.dist.AddSession(rtp.Target{
			ID:        s.id,
			Conn:      s.rtpConn,
			Addr:      s.clientAddr,
			SSRC:      s.ssrc,
			Seq:       s.seq,
			Timestamp: s.timestamp,
		})
		s.state = StatePlaying
	}

	seq, rtptime := s.seq, s.timestamp
	if next, ts, ok := s.dist.Position(s.id); ok {
		seq, rtptime = next, ts
	}

	resp := NewResponse(StatusOK, req.CSeq)
	resp.Header.Set(HeaderSession, s.id)
	resp.Header.Set(HeaderRange, "npt=0-")
	resp.Header.Set(HeaderRTPInfo, fmt.Sprintf("url=%s;seq=%d;rtptime=%d", req.URI, seq, rtptime))
	return resp
}

func (s *Session) handleTeardown(req *Request) *Response {
	if s.state == StateInit {
		return NewResponse(StatusMethodNotValidInThisState, req.CSeq)
	}
	if !s.sessionMatches(req) {
		return NewResponse(StatusSessionNotFound, req.CSeq)
	}

	s.stopDelivery()
	s.state = StateClosed
	s.logger.Info("rtsp session torn down")

	resp := NewResponse(StatusOK, req.CSeq)
	resp.Header.Set(HeaderSession, s.id)
	return resp
}

// sessionMatches accepts requests without a Session header or with ours
func (s *Session) sessionMatches(req *Request) bool {
	v := req.Header.Get(HeaderSession)
	if v == "" || s.state == StateInit {
		return true
	}
	id, _, _ := strings.Cut(v, ";")
	return strings.TrimSpace(id) == s.id
}

// stopDelivery deregisters the session before its sockets are released so
// nothing is sent after it returns
func (s *Session) stopDelivery() {
	if s.state == StatePlaying {
		s.dist.RemoveSession(s.id)
	}
	s.releaseSockets()
}

func (s *Session) releaseSockets() {
	if s.rtpConn != nil {
		_ = s.rtpConn.Close()
		s.rtpConn = nil
	}
	if s.rtcpConn != nil {
		_ = s.rtcpConn.Close()
		s.rtcpConn = nil
	}
}

func (s *Session) close() {
	s.stopDelivery()
	s.state = StateClosed
	_ = s.conn.Close()
	s.logger.Info("rtsp client disconnected")
}

func (s *Session) localIP() string {
	if addr, ok := s.conn.LocalAddr().(*net.TCPAddr); ok {
		return addr.IP.String()
	}
	return "0.0.0.0"
}

// parseClientPorts reads client_port=a[-b] from a Transport header
func parseClientPorts(transport string) (int, int) {
	for _, part := range strings.Split(transport, ";") {
		value, ok := strings.CutPrefix(strings.TrimSpace(part), "client_port=")
		if !ok {
			continue
		}
		first, second, hasSecond := strings.Cut(value, "-")
		rtpPort, err := strconv.Atoi(first)
		if err != nil || rtpPort <= 0 || rtpPort > 65535 {
			break
		}
		rtcpPort := rtpPort + 1
		if hasSecond {
			if p, err := strconv.Atoi(second); err == nil && p > 0 && p <= 65535 {
				rtcpPort = p
			}
		}
		return rtpPort, rtcpPort
	}
	return defaultClientRTPPort, defaultClientRTCPPort
}

// allocatePortPair binds an RTP socket on an ephemeral port and the RTCP
// socket on the port above it, retrying when that port is taken
func allocatePortPair(host string) (net.PacketConn, net.PacketConn, error) {
	var lastErr error
	for attempt := 0; attempt < 10; attempt++ {
		rtpConn, err := net.ListenPacket("udp", net.JoinHostPort(host, "0"))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to bind rtp socket: %w", err)
		}
		port := rtpConn.LocalAddr().(*net.UDPAddr).Port
		if port < 65535 {
			rtcpConn, err := net.ListenPacket("udp", net.JoinHostPort(host, strconv.Itoa(port+1)))
			if err == nil {
				return rtpConn, rtcpConn, nil
			}
			lastErr = err
		}
		_ = rtpConn.Close()
	}
	return nil, nil, fmt.Errorf("failed to bind rtcp socket: %w", lastErr)
}

func describeSDP(sessionID, host string) string {
	lines := []string{
		"v=0",
		fmt.Sprintf("o=- %s 1 IN IP4 %s", sessionID, host),
		"s=Vigil Live",
		"c=IN IP4 0.0.0.0",
		"t=0 0",
		"a=control:*",
		fmt.Sprintf("m=video 0 RTP/AVP %d", rtp.PayloadTypeH264),
		fmt.Sprintf("a=rtpmap:%d H264/%d", rtp.PayloadTypeH264, rtp.ClockRate),
		fmt.Sprintf("a=fmtp:%d packetization-mode=1", rtp.PayloadTypeH264),
		"a=control:track1",
	}
	return strings.Join(lines, "\r\n") + "\r\n"
}
