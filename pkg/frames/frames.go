// Package frames defines the JSON wire protocol spoken on the bridge
// websocket endpoint. Every message is a single Frame distinguished by its
// Type field; request/response pairs are correlated by RequestID.
package frames

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Frame type constants. The lower-case types are relay-level control frames;
// the upper-case types are hardware requests and their responses, kept
// byte-compatible with the desktop agent.
const (
	TypeBridgeRegister         = "bridge_register"
	TypeBridgeRegisterResponse = "bridge_register_response"
	TypePing                   = "ping"
	TypePong                   = "pong"
	TypeStatus                 = "status"
	TypeConnectionStatus       = "connection_status"
	TypeBridgeStatus           = "bridge_status"
	TypeError                  = "error"

	TypeStatusRequest          = "STATUS_REQUEST"
	TypeStatusResponse         = "STATUS_RESPONSE"
	TypeSealRequest            = "REQUEST_FISCAL_SEAL"
	TypeSealResponse           = "SEAL_RESPONSE"
	TypeXMLSignatureRequest    = "REQUEST_XML_SIGNATURE"
	TypeSignatureResponse      = "SIGNATURE_RESPONSE"
	TypeSMIMESignatureRequest  = "REQUEST_SMIME_SIGNATURE"
	TypeSMIMESignatureResponse = "SMIME_SIGNATURE_RESPONSE"
	TypeCardDataRequest        = "READ_EFFF"
	TypeCardDataResponse       = "EFFF_RESPONSE"
)

// Frame is the envelope for every message on the wire. Fields not relevant
// to a given type are omitted. CompanyID and UserID are stamped by the relay
// on client-originated frames before forwarding to the agent, so the agent's
// reply can be routed back to the right tenant.
type Frame struct {
	Type        string          `json:"type"`
	RequestID   string          `json:"requestId,omitempty"`
	Token       string          `json:"token,omitempty"`
	Success     *bool           `json:"success,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Error       string          `json:"error,omitempty"`
	ToCompanyID string          `json:"toCompanyId,omitempty"`
	CompanyID   string          `json:"companyId,omitempty"`
	UserID      string          `json:"userId,omitempty"`
}

// Ok reports the frame's top-level success flag; absent means false.
func (f *Frame) Ok() bool {
	return f.Success != nil && *f.Success
}

// New creates a frame of the given type with no payload.
func New(typ string) *Frame {
	return &Frame{Type: typ}
}

// NewWithPayload creates a frame carrying a JSON-encoded payload.
func NewWithPayload(typ, requestID string, payload any) (*Frame, error) {
	f := &Frame{Type: typ, RequestID: requestID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload for %s frame: %w", typ, err)
		}
		f.Payload = raw
	}
	return f, nil
}

// DecodePayload unmarshals the frame payload into v. A missing or null
// payload leaves v zeroed.
func (f *Frame) DecodePayload(v any) error {
	if len(f.Payload) == 0 || string(f.Payload) == "null" {
		return nil
	}
	return json.Unmarshal(f.Payload, v)
}

// NewRequestID returns a request id of the form <prefix>-<unix millis>-<hex>.
// The embedded prefix and timestamp exist purely for log debuggability;
// correlation only ever uses the id as an opaque string.
func NewRequestID(prefix string) string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%d-0", prefix, time.Now().UnixMilli())
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixMilli(), hex.EncodeToString(buf))
}

// NewRegisterResponse builds a bridge_register_response frame. Success and
// error travel at the top level of the frame, mirroring how bridge_register
// carries its token; there is no nested payload.
func NewRegisterResponse(ok bool, errMsg string) *Frame {
	return &Frame{Type: TypeBridgeRegisterResponse, Success: &ok, Error: errMsg}
}

// Result is the common success/error pair embedded in every hardware
// response payload.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// SealRequest asks the agent to emit a fiscal seal for one ticket.
// Price is in euro cents.
type SealRequest struct {
	Price     int64  `json:"price"`
	Timestamp string `json:"timestamp"`
}

// SealResult is the payload of a SEAL_RESPONSE frame.
type SealResult struct {
	Result
	Seal string `json:"seal,omitempty"`
}

// SignatureRequest asks the agent to produce a detached signature over an
// XML document. The content travels as a string because the agent side is
// not binary-safe.
type SignatureRequest struct {
	XMLContent string `json:"xmlContent"`
	Timestamp  string `json:"timestamp"`
}

// SMIMERequest asks the agent to produce an S/MIME signature over a
// pre-built mail body.
type SMIMERequest struct {
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// SignatureResult is the payload of SIGNATURE_RESPONSE and
// SMIME_SIGNATURE_RESPONSE frames. Modern agents fill SignatureData
// (base64 PKCS#7) and DigestAlgorithm; legacy agents fill SignedXML with
// the signature embedded in the document itself.
type SignatureResult struct {
	Result
	SignatureData   string `json:"signatureData,omitempty"`
	DigestAlgorithm string `json:"digestAlgorithm,omitempty"`
	SignedXML       string `json:"signedXml,omitempty"`
}

// CardDataResult is the payload of an EFFF_RESPONSE frame. EfffData is the
// raw card activation file as the agent read it.
type CardDataResult struct {
	Result
	EfffData json.RawMessage `json:"efffData,omitempty"`
}

// ConnectionStatus is pushed to a web client right after it connects.
type ConnectionStatus struct {
	BridgeConnected bool            `json:"bridgeConnected"`
	Status          json.RawMessage `json:"status,omitempty"`
}

// BridgeStatus is broadcast to all web clients when the agent connection
// comes or goes.
type BridgeStatus struct {
	Connected bool `json:"connected"`
}
