// SPDX-License-Identifier: ice License 1.0

package model

import (
	"github.com/cockroachdb/errors"
	"github.com/mailru/easyjson/jwriter"
	"github.com/tidwall/gjson"
)

func (e *Event) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{NoEscapeHTML: true}
	e.marshalTo(&w)

	return w.BuildBytes()
}

func (e *Event) marshalTo(w *jwriter.Writer) {
	w.RawString(`{"id":`)
	w.String(e.ID)
	w.RawString(`,"pubkey":`)
	w.String(e.PubKey)
	w.RawString(`,"created_at":`)
	w.Int64(int64(e.CreatedAt))
	w.RawString(`,"kind":`)
	w.Int(e.Kind)
	w.RawString(`,"tags":[`)
	for i, tag := range e.Tags {
		if i > 0 {
			w.RawByte(',')
		}
		w.RawByte('[')
		for j, item := range tag {
			if j > 0 {
				w.RawByte(',')
			}
			w.String(item)
		}
		w.RawByte(']')
	}
	w.RawString(`],"content":`)
	w.String(e.Content)
	w.RawString(`,"sig":`)
	w.String(e.Sig)
	w.RawByte('}')
}

func (e *Event) UnmarshalJSON(data []byte) error {
	parsed := gjson.ParseBytes(data)
	if !parsed.IsObject() {
		return errors.Wrap(ErrMalformedEvent, "event is not a json object")
	}

	return e.fromResult(parsed)
}

func (e *Event) fromResult(parsed gjson.Result) error {
	id := parsed.Get("id")
	pubKey := parsed.Get("pubkey")
	createdAt := parsed.Get("created_at")
	kind := parsed.Get("kind")
	content := parsed.Get("content")
	sig := parsed.Get("sig")
	if id.Type != gjson.String || pubKey.Type != gjson.String ||
		content.Type != gjson.String || sig.Type != gjson.String ||
		!createdAt.Exists() || createdAt.Type != gjson.Number ||
		!kind.Exists() || kind.Type != gjson.Number {
		return errors.Wrap(ErrMalformedEvent, "missing or mistyped event field")
	}
	tags, err := parseTags(parsed.Get("tags"))
	if err != nil {
		return err
	}

	e.ID = id.Str
	e.PubKey = pubKey.Str
	e.CreatedAt = Timestamp(createdAt.Int())
	e.Kind = Kind(kind.Int())
	e.Tags = tags
	e.Content = content.Str
	e.Sig = sig.Str

	return nil
}

func parseTags(raw gjson.Result) (Tags, error) {
	if !raw.Exists() || !raw.IsArray() {
		return nil, errors.Wrap(ErrMalformedEvent, "tags is not an array")
	}
	items := raw.Array()
	tags := make(Tags, 0, len(items))
	for i := range items {
		if !items[i].IsArray() {
			return nil, errors.Wrapf(ErrMalformedEvent, "tag %v is not an array", i)
		}
		elements := items[i].Array()
		tag := make(Tag, 0, len(elements))
		for j := range elements {
			if elements[j].Type != gjson.String {
				return nil, errors.Wrapf(ErrMalformedEvent, "tag %v element %v is not a string", i, j)
			}
			tag = append(tag, elements[j].Str)
		}
		tags = append(tags, tag)
	}

	return tags, nil
}
