package protocol

import (
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

// GatewayRequestID addresses error responses for frames without a requestId.
const GatewayRequestID = "gateway"

var ErrMalformedFrame = errors.New("frame is not a JSON object")

// Frame is an inbound client frame. Action-specific fields stay in Raw and are
// read on demand.
type Frame struct {
	RequestID string
	Action    Action
	Raw       []byte
}

// ParseFrame validates the JSON shape and extracts the envelope. Missing
// fields are left zero; the router decides how to answer them.
func ParseFrame(raw []byte) (*Frame, error) {
	if !gjson.ValidBytes(raw) {
		return nil, ErrMalformedFrame
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, ErrMalformedFrame
	}

	f := &Frame{Raw: raw}
	if id := root.Get("requestId"); id.Type == gjson.String {
		f.RequestID = strings.TrimSpace(id.String())
	}
	if act := root.Get("action"); act.Type == gjson.Number {
		f.Action = Action(act.Int())
	}
	return f, nil
}

// String returns a trimmed string field, or "" when absent.
func (f *Frame) String(path string) string {
	return strings.TrimSpace(gjson.GetBytes(f.Raw, path).String())
}

// OptionalInt returns a numeric field (numbers or numeric strings) if present.
func (f *Frame) OptionalInt(path string) (int64, bool) {
	v := gjson.GetBytes(f.Raw, path)
	switch v.Type {
	case gjson.Number:
		return v.Int(), true
	case gjson.String:
		s := strings.TrimSpace(v.String())
		if s == "" {
			return 0, false
		}
		n := gjson.Parse(s)
		if n.Type != gjson.Number {
			return 0, false
		}
		return n.Int(), true
	default:
		return 0, false
	}
}
