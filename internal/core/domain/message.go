package domain

import "encoding/json"

type MessageType string

const (
	MessageWelcome       MessageType = "welcome"
	MessageDeviceInfo    MessageType = "device_info"
	MessageOffer         MessageType = "offer"
	MessageOfferLegacy   MessageType = "webrtc_offer"
	MessageAnswer        MessageType = "webrtc_answer"
	MessageAnswerShort   MessageType = "answer"
	MessageICECandidate  MessageType = "ice_candidate"
	MessageClose         MessageType = "close"
	MessagePing          MessageType = "ping"
	MessagePong          MessageType = "pong"
	MessageError         MessageType = "error"
	MessageQualityUpdate MessageType = "quality_update"
)

// Known reports whether t is part of the signaling vocabulary.
func (t MessageType) Known() bool {
	switch t {
	case MessageWelcome, MessageDeviceInfo, MessageOffer, MessageOfferLegacy,
		MessageAnswer, MessageAnswerShort, MessageICECandidate, MessageClose,
		MessagePing, MessagePong, MessageError, MessageQualityUpdate:
		return true
	}
	return false
}

// SignalingMessage is the envelope of every frame on the signaling socket.
type SignalingMessage struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type WelcomePayload struct {
	Server  string `json:"server"`
	Version string `json:"version"`
}

// DeviceInfoPayload accepts both the documented field names and the ones
// emitted by the Android sender.
type DeviceInfoPayload struct {
	Name             string          `json:"name,omitempty"`
	DeviceName       string          `json:"device_name,omitempty"`
	IP               string          `json:"ip,omitempty"`
	Resolution       json.RawMessage `json:"resolution,omitempty"`
	ScreenResolution json.RawMessage `json:"screen_resolution,omitempty"`
}

type OfferPayload struct {
	SDP string `json:"sdp"`
}

type AnswerPayload struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

type ICECandidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type QualityUpdatePayload struct {
	Quality   VideoQuality `json:"quality"`
	MaxWidth  int          `json:"max_width,omitempty"`
	MaxHeight int          `json:"max_height,omitempty"`
	Framerate int          `json:"framerate,omitempty"`
}
