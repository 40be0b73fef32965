package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vrdavis/signalling-server/internal/pairstore"
)

// MessageType names a signalling protocol message. Every frame on the
// wire is a JSON envelope {"type": ..., "data": ...}.
type MessageType string

// Client to server.
const (
	TypeClearPairs                   MessageType = "clear-pairs"
	TypeGetPairs                     MessageType = "get-pairs"
	TypeOpen                         MessageType = "open"
	TypePairCode                     MessageType = "pair-code"
	TypePairCodeConfirmationResponse MessageType = "pair-code-confirmation-response"
	TypeICECredentialsResponse       MessageType = "ice-credentials-response"
	TypeRTCAnswer                    MessageType = "rtc-answer"
)

// Server to client.
const (
	TypePairs                       MessageType = "pairs"
	TypeDevices                     MessageType = "devices"
	TypePaired                      MessageType = "paired"
	TypePairCodeConfirmationRequest MessageType = "pair-code-confirmation-request"
	TypeICECredentialsRequest       MessageType = "ice-credentials-request"
	TypeRTCOffer                    MessageType = "rtc-offer"
	TypeError                       MessageType = "error"
)

// ErrorCode classifies an outbound error envelope.
type ErrorCode string

const (
	ErrCodeMalformedMessage  ErrorCode = "malformed-message"
	ErrCodeProtocolViolation ErrorCode = "protocol-violation"
	ErrCodeTargetOffline     ErrorCode = "target-offline"
	ErrCodeAlreadyPaired     ErrorCode = "already-paired"
	ErrCodeCodeInUse         ErrorCode = "pairing-code-in-use"
	ErrCodeCodeMismatch      ErrorCode = "pairing-code-mismatch"
	ErrCodePairingExpired    ErrorCode = "pairing-expired"
	ErrCodeStoreFailure      ErrorCode = "store-failure"
)

// Envelope is the wire frame. Data is kept raw so SDP and ICE payloads
// pass through the relay without reserialization.
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// OpenData identifies the device behind a connection.
type OpenData struct {
	UUID string `json:"uuid"`
	VR   bool   `json:"vr"`
	Name string `json:"name"`
}

// PairCodeData starts a pairing negotiation. UUID and Name describe the
// initiating device and must match its open identity.
type PairCodeData struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
	Code string `json:"code"`
}

// ConfirmationData carries the code a headset submits to accept a
// pairing request.
type ConfirmationData struct {
	Code string `json:"code"`
}

// ICECredentialsData carries an SDP offer destined for the sender's
// pair counterpart.
type ICECredentialsData struct {
	PairedID string          `json:"pairedId"`
	Offer    json.RawMessage `json:"offer"`
}

// RTCAnswerData carries an SDP answer destined for the sender's pair
// counterpart.
type RTCAnswerData struct {
	PairedID string          `json:"pairedId"`
	Answer   json.RawMessage `json:"answer"`
}

type pairsData struct {
	Pairs []pairstore.Pair `json:"pairs"`
}

type devicesData struct {
	Devices []pairstore.Device `json:"devices"`
}

type pairedData struct {
	Paired bool           `json:"paired"`
	Pair   pairstore.Pair `json:"pair"`
}

type rtcOfferData struct {
	Offer json.RawMessage `json:"offer"`
}

type rtcAnswerData struct {
	Answer json.RawMessage `json:"answer"`
}

type errorData struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// ParseEnvelope strictly decodes a wire frame. Unknown top-level fields
// and trailing data are rejected so client bugs surface immediately.
func ParseEnvelope(raw []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if dec.More() {
		return Envelope{}, fmt.Errorf("decode envelope: trailing data")
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return env, nil
}

// decodeData strictly decodes an envelope's data payload into dst.
func decodeData(env Envelope, dst any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%s: missing data", env.Type)
	}
	dec := json.NewDecoder(bytes.NewReader(env.Data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%s: decode data: %w", env.Type, err)
	}
	if dec.More() {
		return fmt.Errorf("%s: trailing data", env.Type)
	}
	return nil
}

func encode(typ MessageType, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s data: %w", typ, err)
	}
	frame, err := json.Marshal(Envelope{Type: typ, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", typ, err)
	}
	return frame, nil
}

func encodePairs(pairs []pairstore.Pair) ([]byte, error) {
	if pairs == nil {
		pairs = []pairstore.Pair{}
	}
	return encode(TypePairs, pairsData{Pairs: pairs})
}

func encodeDevices(devices []pairstore.Device) ([]byte, error) {
	if devices == nil {
		devices = []pairstore.Device{}
	}
	return encode(TypeDevices, devicesData{Devices: devices})
}

func encodePaired(pair pairstore.Pair) ([]byte, error) {
	return encode(TypePaired, pairedData{Paired: true, Pair: pair})
}

func encodeConfirmationRequest() ([]byte, error) {
	return encode(TypePairCodeConfirmationRequest, struct{}{})
}

func encodeICECredentialsRequest() ([]byte, error) {
	return encode(TypeICECredentialsRequest, struct{}{})
}

func encodeRTCOffer(offer json.RawMessage) ([]byte, error) {
	return encode(TypeRTCOffer, rtcOfferData{Offer: offer})
}

func encodeRTCAnswer(answer json.RawMessage) ([]byte, error) {
	return encode(TypeRTCAnswer, rtcAnswerData{Answer: answer})
}

func encodeError(code ErrorCode, message string) ([]byte, error) {
	return encode(TypeError, errorData{Code: code, Message: message})
}
