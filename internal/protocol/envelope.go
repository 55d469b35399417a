package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Source is the discriminator carried in the "src" field of every relayed envelope.
type Source string

const (
	SrcOpenRequest      Source = "openreq" // page -> extension
	SrcOpenResult       Source = "openres" // extension -> page
	SrcWebMessage       Source = "webmsg"  // page -> extension
	SrcNativeMessage    Source = "natmsg"  // extension -> page
	SrcWebDisconnect    Source = "webdis"  // page -> extension
	SrcNativeDisconnect Source = "natdis"  // extension -> page
)

// Outbound reports whether the page relay emits envelopes with this tag.
// The relay sees its own outbound envelopes echoed back on the window.
func (s Source) Outbound() bool {
	switch s {
	case SrcOpenRequest, SrcWebMessage, SrcWebDisconnect:
		return true
	}
	return false
}

// Inbound reports whether the extension emits envelopes with this tag.
func (s Source) Inbound() bool {
	switch s {
	case SrcOpenResult, SrcNativeMessage, SrcNativeDisconnect:
		return true
	}
	return false
}

// TabID is the opaque connection identifier assigned by the extension when it
// accepts an open request. On the JSON wire it may be a number or a string;
// the literal text is kept, so 7 and "7" name the same connection.
type TabID string

// MarshalJSON writes numeric identifiers as JSON numbers and everything else as strings.
func (id TabID) MarshalJSON() ([]byte, error) {
	if id == "" {
		return []byte("null"), nil
	}
	if isNumber(string(id)) {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

// UnmarshalJSON accepts a JSON number, string or null.
func (id *TabID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*id = ""
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = TabID(s)
		return nil
	case isNumber(string(data)):
		*id = TabID(canonicalNumber(string(data)))
		return nil
	}
	return fmt.Errorf("tabid must be a number or a string, got %s", data)
}

// MarshalText and UnmarshalText let binary codecs carry identifiers as text strings.
func (id TabID) MarshalText() ([]byte, error) { return []byte(id), nil }

func (id *TabID) UnmarshalText(text []byte) error {
	*id = TabID(text)
	return nil
}

// canonicalNumber renders a JSON number the way a JavaScript property key
// would: integers without fraction or exponent, -0 as 0.
func canonicalNumber(s string) string {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return s
	}
	switch {
	case f == 0:
		return "0"
	case math.Abs(f) >= 1e21:
		return strconv.FormatFloat(f, 'e', -1, 64)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func isNumber(s string) bool {
	if s == "" || !(s[0] == '-' || (s[0] >= '0' && s[0] <= '9')) {
		return false
	}
	var n json.Number
	return json.Unmarshal([]byte(s), &n) == nil
}

// OpenResult is the "res" payload of an openres envelope. Exactly one of
// Success or Err is expected; an envelope carrying neither is malformed.
type OpenResult struct {
	Success TabID `json:"success,omitempty"`
	Err     any   `json:"err,omitempty"`
}

// NativeEvent is the "req" payload of natmsg and natdis envelopes.
type NativeEvent struct {
	TabID   TabID `json:"tabid"`
	Message any   `json:"message,omitempty"`
}

// Envelope is the unit broadcast on a window. Only the fields relevant to
// Src are set; Message and Res.Err are opaque values passed through untouched.
type Envelope struct {
	Src         Source       `json:"src"`
	TabID       TabID        `json:"tabid,omitempty"`
	Message     any          `json:"message,omitempty"`
	Origin      string       `json:"origin,omitempty"`
	Application string       `json:"application,omitempty"`
	Res         *OpenResult  `json:"res,omitempty"`
	Req         *NativeEvent `json:"req,omitempty"`
}

// Target returns the connection an envelope refers to, whichever field carries it.
func (e *Envelope) Target() TabID {
	if e.Req != nil {
		return e.Req.TabID
	}
	if e.Res != nil && e.Res.Success != "" {
		return e.Res.Success
	}
	return e.TabID
}

func NewOpenRequest(origin, application string) *Envelope {
	return &Envelope{Src: SrcOpenRequest, Origin: origin, Application: application}
}

func NewWebMessage(id TabID, message any) *Envelope {
	return &Envelope{Src: SrcWebMessage, TabID: id, Message: message}
}

func NewWebDisconnect(id TabID) *Envelope {
	return &Envelope{Src: SrcWebDisconnect, TabID: id}
}

func NewOpenSuccess(id TabID) *Envelope {
	return &Envelope{Src: SrcOpenResult, Res: &OpenResult{Success: id}}
}

func NewOpenFailure(reason any) *Envelope {
	return &Envelope{Src: SrcOpenResult, Res: &OpenResult{Err: reason}}
}

func NewNativeMessage(id TabID, message any) *Envelope {
	return &Envelope{Src: SrcNativeMessage, Req: &NativeEvent{TabID: id, Message: message}}
}

func NewNativeDisconnect(id TabID) *Envelope {
	return &Envelope{Src: SrcNativeDisconnect, Req: &NativeEvent{TabID: id}}
}
