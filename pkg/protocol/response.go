package protocol

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Response is the single outbound frame shape.
type Response struct {
	Status    string `json:"status"`
	RequestID string `json:"requestId"`
	Message   string `json:"message"`
	Data      any    `json:"data,omitempty"`
}

func Success(requestID, message string, data any) Response {
	return Response{Status: StatusSuccess, RequestID: requestID, Message: message, Data: data}
}

func Failure(requestID, message string, data any) Response {
	return Response{Status: StatusError, RequestID: requestID, Message: message, Data: data}
}

// Encode marshals a response. Response only holds JSON-safe values so an
// error here is a programming mistake.
func (r Response) Encode() []byte {
	b, err := json.Marshal(r)
	if err != nil {
		b, _ = json.Marshal(Failure(r.RequestID, "Internal server error.", nil))
	}
	return b
}

// PushRequestID generates the short id used for server-initiated frames.
func PushRequestID() string {
	return strings.SplitN(uuid.NewString(), "-", 2)[0]
}

// CPDLCPayload is the body of a ReceiveCPDLCMessage push.
type CPDLCPayload struct {
	Sender       string `json:"sender"`
	MessageID    int64  `json:"messageId"`
	ReplyToID    *int64 `json:"replyToId"`
	ResponseCode string `json:"responseCode"`
	Message      string `json:"message"`
}

// TelexPayload is the body of a ReceiveTelexMessage push.
type TelexPayload struct {
	Sender    string `json:"sender"`
	MessageID int64  `json:"messageId"`
	Message   string `json:"message"`
}

// Push is the data section of a server-initiated message notification.
type Push struct {
	Gateway Category      `json:"gateway"`
	Action  Action        `json:"action"`
	CPDLC   *CPDLCPayload `json:"cpdlc,omitempty"`
	Telex   *TelexPayload `json:"telex,omitempty"`
}

func NewCPDLCPush(p CPDLCPayload) Response {
	return Success(PushRequestID(), "", Push{
		Gateway: CategoryCPDLC,
		Action:  ActionReceiveCPDLCMessage,
		CPDLC:   &p,
	})
}

func NewTelexPush(p TelexPayload) Response {
	return Success(PushRequestID(), "", Push{
		Gateway: CategoryTelex,
		Action:  ActionReceiveTelexMessage,
		Telex:   &p,
	})
}
