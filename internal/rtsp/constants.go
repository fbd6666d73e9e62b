package rtsp

import "time"

// RTSP methods
const (
	MethodOptions  = "OPTIONS"
	MethodDescribe = "DESCRIBE"
	MethodSetup    = "SETUP"
	MethodPlay     = "PLAY"
	MethodTeardown = "TEARDOWN"
)

// RTSP status codes
const (
	StatusOK                        = 200
	StatusBadRequest                = 400
	StatusNotFound                  = 404
	StatusSessionNotFound           = 454
	StatusMethodNotValidInThisState = 455
	StatusUnsupportedTransport      = 461
	StatusInternalServerError       = 500
	StatusNotImplemented            = 501
	StatusRTSPVersionNotSupported   = 505
)

// RTSP headers
const (
	HeaderCSeq          = "CSeq"
	HeaderContentBase   = "Content-Base"
	HeaderContentLength = "Content-Length"
	HeaderContentType   = "Content-Type"
	HeaderPublic        = "Public"
	HeaderRange         = "Range"
	HeaderRTPInfo       = "RTP-Info"
	HeaderServer        = "Server"
	HeaderSession       = "Session"
	HeaderTransport     = "Transport"
)

const (
	Version = "RTSP/1.0"

	serverName = "vigil"

	// SessionTimeout is advertised in the Session header; clients keep alive within it
	SessionTimeout = 60 * time.Second

	// default client RTP/RTCP ports when SETUP does not name any
	defaultClientRTPPort  = 5000
	defaultClientRTCPPort = 5001
)

var statusText = map[int]string{
	StatusOK:                        "OK",
	StatusBadRequest:                "Bad Request",
	StatusNotFound:                  "Not Found",
	StatusSessionNotFound:           "Session Not Found",
	StatusMethodNotValidInThisState: "Method Not Valid in This State",
	StatusUnsupportedTransport:      "Unsupported Transport",
	StatusInternalServerError:       "Internal Server Error",
	StatusNotImplemented:            "Not Implemented",
	StatusRTSPVersionNotSupported:   "RTSP Version Not Supported",
}

// StatusText returns the reason phrase for a status code
func StatusText(code int) string {
	if text, ok := statusText[code]; ok {
		return text
	}
	return "Unknown"
}
