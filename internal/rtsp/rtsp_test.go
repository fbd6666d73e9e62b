package rtsp

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/rtp"
)

type client struct {
	t    *testing.T
	conn net.Conn
	r    *Reader
	w    *Writer
	cseq int
}

func startServer(t *testing.T, dist Distributor) *Server {
	srv := NewServer("127.0.0.1:0", dist)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errc:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return srv
}

func dial(t *testing.T, srv *Server) *client {
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn, r: NewReader(conn), w: NewWriter(conn)}
}

func (c *client) do(method string, header Header) *Response {
	c.cseq++
	req := &Request{Method: method, URI: "rtsp://127.0.0.1/live", CSeq: c.cseq, Header: header}
	if req.Header == nil {
		req.Header = Header{}
	}
	require.NoError(c.t, c.w.WriteRequest(req))

	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	resp, err := c.r.ReadResponse()
	require.NoError(c.t, err)
	assert.Equal(c.t, fmt.Sprint(c.cseq), resp.Header.Get(HeaderCSeq))
	return resp
}

func TestOptionsAndDescribe(t *testing.T) {
	srv := startServer(t, rtp.NewPacketizer(10))
	c := dial(t, srv)

	resp := c.do(MethodOptions, nil)
	assert.Equal(t, StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get(HeaderPublic), "DESCRIBE")

	resp = c.do(MethodDescribe, Header{"Accept": "application/sdp"})
	require.Equal(t, StatusOK, resp.StatusCode)
	assert.Equal(t, "application/sdp", resp.Header.Get(HeaderContentType))
	sdp := string(resp.Body)
	assert.Contains(t, sdp, "m=video 0 RTP/AVP 96\r\n")
	assert.Contains(t, sdp, "a=rtpmap:96 H264/90000\r\n")
}

func TestUnknownMethodAndBadState(t *testing.T) {
	srv := startServer(t, rtp.NewPacketizer(10))
	c := dial(t, srv)

	assert.Equal(t, StatusNotImplemented, c.do("RECORD", nil).StatusCode)
	assert.Equal(t, StatusMethodNotValidInThisState, c.do(MethodPlay, nil).StatusCode)
	assert.Equal(t, StatusMethodNotValidInThisState, c.do(MethodTeardown, nil).StatusCode)
	assert.Equal(t, StatusUnsupportedTransport,
		c.do(MethodSetup, Header{HeaderTransport: "RTP/AVP/TCP;unicast;interleaved=0-1"}).StatusCode)

	// the connection survives every error
	assert.Equal(t, StatusOK, c.do(MethodOptions, nil).StatusCode)
}

func TestMissingCSeqAndMalformedLine(t *testing.T) {
	srv := startServer(t, rtp.NewPacketizer(10))
	c := dial(t, srv)

	_, err := c.conn.Write([]byte("OPTIONS rtsp://127.0.0.1/live RTSP/1.0\r\n\r\n"))
	require.NoError(t, err)
	resp, err := c.r.ReadResponse()
	require.NoError(t, err)
	assert.Equal(t, StatusBadRequest, resp.StatusCode)

	_, err = c.conn.Write([]byte("garbage\r\nCSeq: 9\r\n\r\n"))
	require.NoError(t, err)
	resp, err = c.r.ReadResponse()
	require.NoError(t, err)
	assert.Equal(t, StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "9", resp.Header.Get(HeaderCSeq))
}

func TestSetupPlayTeardown(t *testing.T) {
	packetizer := rtp.NewPacketizer(10)
	srv := startServer(t, packetizer)
	c := dial(t, srv)

	udp, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer udp.Close()
	port := udp.LocalAddr().(*net.UDPAddr).Port

	resp := c.do(MethodSetup, Header{HeaderTransport: fmt.Sprintf("RTP/AVP;unicast;client_port=%d-%d", port, port+1)})
	require.Equal(t, StatusOK, resp.StatusCode)
	session, _, _ := strings.Cut(resp.Header.Get(HeaderSession), ";")
	require.NotEmpty(t, session)
	for _, r := range session {
		assert.True(t, r >= '0' && r <= '9', "numeric session id")
	}
	assert.Contains(t, resp.Header.Get(HeaderTransport), fmt.Sprintf("client_port=%d-%d", port, port+1))
	assert.Contains(t, resp.Header.Get(HeaderTransport), "server_port=")

	resp = c.do(MethodPlay, Header{HeaderSession: session})
	require.Equal(t, StatusOK, resp.StatusCode)
	assert.Equal(t, "npt=0-", resp.Header.Get(HeaderRange))
	require.Equal(t, 1, packetizer.SessionCount())

	packetizer.WriteUnit([]byte{0x65, 0x80, 0x01})
	buf := make([]byte, 2048)
	require.NoError(t, udp.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := udp.ReadFrom(buf)
	require.NoError(t, err)
	var pkt rtp.Packet
	require.NoError(t, pkt.Unmarshal(buf[:n]))
	assert.Equal(t, uint8(rtp.PayloadTypeH264), pkt.Header.PayloadType)

	resp = c.do(MethodTeardown, Header{HeaderSession: session})
	require.Equal(t, StatusOK, resp.StatusCode)
	assert.Zero(t, packetizer.SessionCount())

	for i := 0; i < 5; i++ {
		packetizer.WriteUnit([]byte{0x41, 0x80, byte(i)})
	}
	require.NoError(t, udp.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err = udp.ReadFrom(buf)
	assert.Error(t, err, "no datagrams after teardown")
}

func rtpInfoSeq(t *testing.T, resp *Response) uint16 {
	t.Helper()
	for _, field := range strings.Split(resp.Header.Get(HeaderRTPInfo), ";") {
		if v, ok := strings.CutPrefix(field, "seq="); ok {
			n, err := strconv.ParseUint(v, 10, 16)
			require.NoError(t, err)
			return uint16(n)
		}
	}
	t.Fatalf("no seq in RTP-Info %q", resp.Header.Get(HeaderRTPInfo))
	return 0
}

func TestRepeatedPlayReportsCurrentSeq(t *testing.T) {
	packetizer := rtp.NewPacketizer(10)
	srv := startServer(t, packetizer)
	c := dial(t, srv)

	udp, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer udp.Close()
	port := udp.LocalAddr().(*net.UDPAddr).Port

	resp := c.do(MethodSetup, Header{HeaderTransport: fmt.Sprintf("RTP/AVP;unicast;client_port=%d-%d", port, port+1)})
	require.Equal(t, StatusOK, resp.StatusCode)
	session, _, _ := strings.Cut(resp.Header.Get(HeaderSession), ";")

	resp = c.do(MethodPlay, Header{HeaderSession: session})
	require.Equal(t, StatusOK, resp.StatusCode)
	first := rtpInfoSeq(t, resp)

	buf := make([]byte, 2048)
	var last uint16
	for i := 0; i < 3; i++ {
		packetizer.WriteUnit([]byte{0x41, 0x80, byte(i)})
		require.NoError(t, udp.SetReadDeadline(time.Now().Add(2*time.Second)))
		n, _, err := udp.ReadFrom(buf)
		require.NoError(t, err)
		var pkt rtp.Packet
		require.NoError(t, pkt.Unmarshal(buf[:n]))
		last = pkt.Header.SequenceNumber
	}
	assert.Equal(t, first+2, last)

	resp = c.do(MethodPlay, Header{HeaderSession: session})
	require.Equal(t, StatusOK, resp.StatusCode)
	assert.Equal(t, last+1, rtpInfoSeq(t, resp))
	assert.Equal(t, 1, packetizer.SessionCount())
}

func TestWrongSessionIsRejected(t *testing.T) {
	srv := startServer(t, rtp.NewPacketizer(10))
	c := dial(t, srv)

	resp := c.do(MethodSetup, Header{HeaderTransport: "RTP/AVP;unicast"})
	require.Equal(t, StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get(HeaderTransport), "client_port=5000-5001")

	assert.Equal(t, StatusSessionNotFound, c.do(MethodPlay, Header{HeaderSession: "1"}).StatusCode)
}

func TestDisconnectDeregisters(t *testing.T) {
	packetizer := rtp.NewPacketizer(10)
	srv := startServer(t, packetizer)
	c := dial(t, srv)

	require.Equal(t, StatusOK, c.do(MethodSetup, Header{HeaderTransport: "RTP/AVP;unicast;client_port=6970-6971"}).StatusCode)
	require.Equal(t, StatusOK, c.do(MethodPlay, nil).StatusCode)
	require.Equal(t, 1, packetizer.SessionCount())

	require.NoError(t, c.conn.Close())
	assert.Eventually(t, func() bool { return packetizer.SessionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestParseClientPorts(t *testing.T) {
	tests := []struct {
		transport string
		rtp, rtcp int
	}{
		{"RTP/AVP;unicast;client_port=4588-4589", 4588, 4589},
		{"RTP/AVP;unicast;client_port=4588", 4588, 4589},
		{"RTP/AVP;unicast", 5000, 5001},
		{"RTP/AVP;unicast;client_port=abc", 5000, 5001},
	}
	for _, tt := range tests {
		rtpPort, rtcpPort := parseClientPorts(tt.transport)
		assert.Equal(t, tt.rtp, rtpPort, tt.transport)
		assert.Equal(t, tt.rtcp, rtcpPort, tt.transport)
	}
}
