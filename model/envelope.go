// SPDX-License-Identifier: ice License 1.0

package model

import (
	"bytes"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/mailru/easyjson/jwriter"
	"github.com/tidwall/gjson"
)

type (
	EnvelopeType string

	// Envelope is one tagged-array wire frame, either direction.
	Envelope interface {
		Label() string
		MarshalJSON() ([]byte, error)
		UnmarshalJSON(data []byte) error
	}

	EventEnvelope struct {
		SubscriptionID *string
		Event          Event
	}

	ReqEnvelope struct {
		SubscriptionID string
		Filters        Filters
	}

	CloseEnvelope struct {
		SubscriptionID string
	}

	OKEnvelope struct {
		EventID string
		OK      bool
		Reason  string
	}

	EOSEEnvelope struct {
		SubscriptionID string
	}

	NoticeEnvelope struct {
		Message string
	}

	ClosedEnvelope struct {
		SubscriptionID string
		Reason         string
	}

	// AuthEnvelope carries either a challenge string (relay to client) or
	// a signed challenge event (client to relay).
	AuthEnvelope struct {
		Challenge *string
		Event     *Event
	}

	// OKReasonPrefix is the machine-readable prefix of an OK/CLOSED reason.
	OKReasonPrefix string
)

const (
	EnvelopeTypeEvent  EnvelopeType = "EVENT"
	EnvelopeTypeReq    EnvelopeType = "REQ"
	EnvelopeTypeClose  EnvelopeType = "CLOSE"
	EnvelopeTypeOK     EnvelopeType = "OK"
	EnvelopeTypeEOSE   EnvelopeType = "EOSE"
	EnvelopeTypeNotice EnvelopeType = "NOTICE"
	EnvelopeTypeClosed EnvelopeType = "CLOSED"
	EnvelopeTypeAuth   EnvelopeType = "AUTH"
)

const (
	PrefixNone         OKReasonPrefix = ""
	PrefixDuplicate    OKReasonPrefix = "duplicate"
	PrefixPoW          OKReasonPrefix = "pow"
	PrefixRateLimited  OKReasonPrefix = "rate-limited"
	PrefixInvalid      OKReasonPrefix = "invalid"
	PrefixError        OKReasonPrefix = "error"
	PrefixBlocked      OKReasonPrefix = "blocked"
	PrefixAuthRequired OKReasonPrefix = "auth-required"
)

// ParseMessage decodes one inbound frame. The label is sniffed from the
// bytes before the first comma so the full array is only walked once the
// frame type is known.
func ParseMessage(message []byte) (Envelope, error) {
	firstComma := bytes.IndexByte(message, ',')
	if firstComma == -1 {
		return nil, ErrUnknownMessage
	}
	label := message[:firstComma]

	var v Envelope
	switch {
	case bytes.Contains(label, []byte(EnvelopeTypeEvent)):
		v = &EventEnvelope{}
	case bytes.Contains(label, []byte(EnvelopeTypeReq)):
		v = &ReqEnvelope{}
	case bytes.Contains(label, []byte(EnvelopeTypeNotice)):
		v = &NoticeEnvelope{}
	case bytes.Contains(label, []byte(EnvelopeTypeEOSE)):
		v = &EOSEEnvelope{}
	case bytes.Contains(label, []byte(EnvelopeTypeOK)):
		v = &OKEnvelope{}
	case bytes.Contains(label, []byte(EnvelopeTypeAuth)):
		v = &AuthEnvelope{}
	case bytes.Contains(label, []byte(EnvelopeTypeClosed)):
		v = &ClosedEnvelope{}
	case bytes.Contains(label, []byte(EnvelopeTypeClose)):
		v = &CloseEnvelope{}
	default:
		return nil, ErrUnknownMessage
	}
	if err := v.UnmarshalJSON(message); err != nil {
		return nil, errors.Wrapf(ErrParseMessage, "%v envelope: %v", v.Label(), err)
	}

	return v, nil
}

// ParseOKReason splits a machine-readable prefix out of an OK/CLOSED
// free-text reason, `prefix: human text`.
func ParseOKReason(reason string) (OKReasonPrefix, string) {
	colon := strings.IndexByte(reason, ':')
	if colon == -1 {
		return PrefixNone, reason
	}
	switch prefix := OKReasonPrefix(reason[:colon]); prefix {
	case PrefixDuplicate, PrefixPoW, PrefixRateLimited, PrefixInvalid, PrefixError, PrefixBlocked, PrefixAuthRequired:
		return prefix, strings.TrimPrefix(reason[colon+1:], " ")
	default:
		return PrefixNone, reason
	}
}

func (*EventEnvelope) Label() string { return string(EnvelopeTypeEvent) }

func (v *EventEnvelope) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{NoEscapeHTML: true}
	w.RawString(`["EVENT",`)
	if v.SubscriptionID != nil {
		w.String(*v.SubscriptionID)
		w.RawByte(',')
	}
	v.Event.marshalTo(&w)
	w.RawByte(']')

	return w.BuildBytes()
}

func (v *EventEnvelope) UnmarshalJSON(data []byte) error {
	arr := gjson.ParseBytes(data).Array()
	switch len(arr) {
	case 2:
		return v.Event.fromResult(arr[1])
	case 3:
		if arr[1].Type != gjson.String {
			return errors.Wrap(ErrParseMessage, "subscription id is not a string")
		}
		v.SubscriptionID = &arr[1].Str

		return v.Event.fromResult(arr[2])
	default:
		return errors.Wrap(ErrParseMessage, "missing event")
	}
}

func (*ReqEnvelope) Label() string { return string(EnvelopeTypeReq) }

func (v *ReqEnvelope) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{NoEscapeHTML: true}
	w.RawString(`["REQ",`)
	w.String(v.SubscriptionID)
	for i := range v.Filters {
		w.RawByte(',')
		v.Filters[i].marshalTo(&w)
	}
	w.RawByte(']')

	return w.BuildBytes()
}

func (v *ReqEnvelope) UnmarshalJSON(data []byte) error {
	arr := gjson.ParseBytes(data).Array()
	if len(arr) < 3 {
		return errors.Wrap(ErrParseMessage, "missing filters")
	}
	v.SubscriptionID = arr[1].Str
	v.Filters = make(Filters, len(arr)-2)
	for i := 2; i < len(arr); i++ {
		if err := v.Filters[i-2].fromResult(arr[i]); err != nil {
			return errors.Wrapf(err, "on filter %v", i-2)
		}
	}

	return nil
}

func (*CloseEnvelope) Label() string { return string(EnvelopeTypeClose) }

func (v *CloseEnvelope) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{NoEscapeHTML: true}
	w.RawString(`["CLOSE",`)
	w.String(v.SubscriptionID)
	w.RawByte(']')

	return w.BuildBytes()
}

func (v *CloseEnvelope) UnmarshalJSON(data []byte) error {
	arr := gjson.ParseBytes(data).Array()
	if len(arr) < 2 {
		return errors.Wrap(ErrParseMessage, "missing subscription id")
	}
	v.SubscriptionID = arr[1].Str

	return nil
}

func (*OKEnvelope) Label() string { return string(EnvelopeTypeOK) }

func (v *OKEnvelope) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{NoEscapeHTML: true}
	w.RawString(`["OK",`)
	w.String(v.EventID)
	w.RawByte(',')
	w.Bool(v.OK)
	w.RawByte(',')
	w.String(v.Reason)
	w.RawByte(']')

	return w.BuildBytes()
}

func (v *OKEnvelope) UnmarshalJSON(data []byte) error {
	arr := gjson.ParseBytes(data).Array()
	if len(arr) < 3 {
		return errors.Wrap(ErrParseMessage, "missing event id or status")
	}
	v.EventID = arr[1].Str
	v.OK = arr[2].Type == gjson.True
	if len(arr) > 3 {
		v.Reason = arr[3].Str
	}

	return nil
}

// ReasonPrefix extracts the machine-readable part of the relay reason.
func (v *OKEnvelope) ReasonPrefix() OKReasonPrefix {
	prefix, _ := ParseOKReason(v.Reason)

	return prefix
}

func (*EOSEEnvelope) Label() string { return string(EnvelopeTypeEOSE) }

func (v *EOSEEnvelope) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{NoEscapeHTML: true}
	w.RawString(`["EOSE",`)
	w.String(v.SubscriptionID)
	w.RawByte(']')

	return w.BuildBytes()
}

func (v *EOSEEnvelope) UnmarshalJSON(data []byte) error {
	arr := gjson.ParseBytes(data).Array()
	if len(arr) < 2 {
		return errors.Wrap(ErrParseMessage, "missing subscription id")
	}
	v.SubscriptionID = arr[1].Str

	return nil
}

func (*NoticeEnvelope) Label() string { return string(EnvelopeTypeNotice) }

func (v *NoticeEnvelope) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{NoEscapeHTML: true}
	w.RawString(`["NOTICE",`)
	w.String(v.Message)
	w.RawByte(']')

	return w.BuildBytes()
}

func (v *NoticeEnvelope) UnmarshalJSON(data []byte) error {
	arr := gjson.ParseBytes(data).Array()
	if len(arr) < 2 {
		return errors.Wrap(ErrParseMessage, "missing message")
	}
	v.Message = arr[1].Str

	return nil
}

func (*ClosedEnvelope) Label() string { return string(EnvelopeTypeClosed) }

func (v *ClosedEnvelope) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{NoEscapeHTML: true}
	w.RawString(`["CLOSED",`)
	w.String(v.SubscriptionID)
	w.RawByte(',')
	w.String(v.Reason)
	w.RawByte(']')

	return w.BuildBytes()
}

func (v *ClosedEnvelope) UnmarshalJSON(data []byte) error {
	arr := gjson.ParseBytes(data).Array()
	if len(arr) < 2 {
		return errors.Wrap(ErrParseMessage, "missing subscription id")
	}
	v.SubscriptionID = arr[1].Str
	if len(arr) > 2 {
		v.Reason = arr[2].Str
	}

	return nil
}

func (*AuthEnvelope) Label() string { return string(EnvelopeTypeAuth) }

func (v *AuthEnvelope) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{NoEscapeHTML: true}
	w.RawString(`["AUTH",`)
	if v.Event != nil {
		v.Event.marshalTo(&w)
	} else if v.Challenge != nil {
		w.String(*v.Challenge)
	} else {
		w.String("")
	}
	w.RawByte(']')

	return w.BuildBytes()
}

func (v *AuthEnvelope) UnmarshalJSON(data []byte) error {
	arr := gjson.ParseBytes(data).Array()
	if len(arr) < 2 {
		return errors.Wrap(ErrParseMessage, "missing challenge")
	}
	if arr[1].IsObject() {
		v.Event = new(Event)

		return v.Event.fromResult(arr[1])
	}
	v.Challenge = &arr[1].Str

	return nil
}
