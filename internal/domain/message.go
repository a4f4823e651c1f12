package domain

// Message types exchanged with the gateway as JSON text frames.
const (
	MsgWebRTCOffer     = "webrtc/offer"
	MsgWebRTCAnswer    = "webrtc/answer"
	MsgWebRTCCandidate = "webrtc/candidate"
	MsgMSE             = "mse"
	MsgHLS             = "hls"
	MsgMP4             = "mp4"
	MsgMJPEG           = "mjpeg"
	MsgError           = "error"
)

// Message is a control frame on the signaling socket. Binary frames carry
// raw media and never use this envelope.
type Message struct {
	Type  string `json:"type"`
	Value string `json:"value,omitempty"`
}
