// SPDX-License-Identifier: ice License 1.0

package model

import (
	"maps"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/mailru/easyjson/jwriter"
	"github.com/tidwall/gjson"
)

type (
	TagMap map[string][]string

	// Filter is a subscription query. Empty slices mean "no constraint",
	// Since/Until are inclusive, Tags keys carry no `#` prefix.
	Filter struct {
		IDs     []string
		Kinds   []Kind
		Authors []string
		Tags    TagMap
		Since   *Timestamp
		Until   *Timestamp
		Limit   int
		Search  string
	}

	Filters []Filter
)

// Match reports whether any filter matches, filters in one subscription
// are OR'd.
func (f Filters) Match(event *Event) bool {
	for i := range f {
		if f[i].Matches(event) {
			return true
		}
	}

	return false
}

func (f *Filter) Matches(event *Event) bool {
	if event == nil {
		return false
	}
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, event.ID) {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, event.Kind) {
		return false
	}
	if len(f.Authors) > 0 && !slices.Contains(f.Authors, event.PubKey) {
		return false
	}
	for name, values := range f.Tags {
		if !event.Tags.containsAny(name, values) {
			return false
		}
	}
	if f.Since != nil && event.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && event.CreatedAt > *f.Until {
		return false
	}

	return true
}

func (tags Tags) containsAny(name string, values []string) bool {
	for _, tag := range tags {
		if tag.Key() != name {
			continue
		}
		if slices.Contains(values, tag.Value()) {
			return true
		}
	}

	return false
}

func (f *Filter) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{NoEscapeHTML: true}
	f.marshalTo(&w)

	return w.BuildBytes()
}

func (f *Filter) marshalTo(w *jwriter.Writer) {
	w.RawByte('{')
	first := true
	comma := func() {
		if !first {
			w.RawByte(',')
		}
		first = false
	}
	if len(f.IDs) > 0 {
		comma()
		w.RawString(`"ids":`)
		marshalStrings(w, f.IDs)
	}
	if len(f.Kinds) > 0 {
		comma()
		w.RawString(`"kinds":[`)
		for i, kind := range f.Kinds {
			if i > 0 {
				w.RawByte(',')
			}
			w.Int(kind)
		}
		w.RawByte(']')
	}
	if len(f.Authors) > 0 {
		comma()
		w.RawString(`"authors":`)
		marshalStrings(w, f.Authors)
	}
	for _, name := range slices.Sorted(maps.Keys(f.Tags)) {
		comma()
		w.String("#" + name)
		w.RawByte(':')
		marshalStrings(w, f.Tags[name])
	}
	if f.Since != nil {
		comma()
		w.RawString(`"since":`)
		w.Int64(int64(*f.Since))
	}
	if f.Until != nil {
		comma()
		w.RawString(`"until":`)
		w.Int64(int64(*f.Until))
	}
	if f.Limit > 0 {
		comma()
		w.RawString(`"limit":`)
		w.Int(f.Limit)
	}
	if f.Search != "" {
		comma()
		w.RawString(`"search":`)
		w.String(f.Search)
	}
	w.RawByte('}')
}

func marshalStrings(w *jwriter.Writer, values []string) {
	w.RawByte('[')
	for i, value := range values {
		if i > 0 {
			w.RawByte(',')
		}
		w.String(value)
	}
	w.RawByte(']')
}

func (f *Filter) UnmarshalJSON(data []byte) error {
	parsed := gjson.ParseBytes(data)
	if !parsed.IsObject() {
		return errors.Wrap(ErrParseMessage, "filter is not a json object")
	}

	return f.fromResult(parsed)
}

func (f *Filter) fromResult(parsed gjson.Result) (err error) {
	*f = Filter{}
	parsed.ForEach(func(key, value gjson.Result) bool {
		switch name := key.Str; name {
		case "ids":
			f.IDs, err = parseStrings(name, value)
		case "authors":
			f.Authors, err = parseStrings(name, value)
		case "kinds":
			if !value.IsArray() {
				err = errors.Wrap(ErrParseMessage, "kinds is not an array")
				break
			}
			for _, kind := range value.Array() {
				f.Kinds = append(f.Kinds, Kind(kind.Int()))
			}
		case "since":
			since := Timestamp(value.Int())
			f.Since = &since
		case "until":
			until := Timestamp(value.Int())
			f.Until = &until
		case "limit":
			f.Limit = int(value.Int())
		case "search":
			f.Search = value.Str
		default:
			if len(name) > 1 && name[0] == '#' {
				var values []string
				if values, err = parseStrings(name, value); err == nil {
					if f.Tags == nil {
						f.Tags = make(TagMap)
					}
					f.Tags[name[1:]] = values
				}
			}
		}

		return err == nil
	})

	return err
}

func parseStrings(name string, raw gjson.Result) ([]string, error) {
	if !raw.IsArray() {
		return nil, errors.Wrapf(ErrParseMessage, "%v is not an array", name)
	}
	items := raw.Array()
	values := make([]string, 0, len(items))
	for i := range items {
		if items[i].Type != gjson.String {
			return nil, errors.Wrapf(ErrParseMessage, "%v element %v is not a string", name, i)
		}
		values = append(values, items[i].Str)
	}

	return values, nil
}
