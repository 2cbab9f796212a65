package streams

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
)

// Value is a stream parameter that accepts JSON strings and numbers, since
// clients send list and group ids either way.
type Value string

func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*v = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = Value(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*v = Value(n.String())
	return nil
}

// Flag is an optional boolean parameter. Set records whether the client sent
// it at all.
type Flag struct {
	Set   bool
	Value bool
}

func (f *Flag) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = Flag{}
		return nil
	}
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = Flag{Set: true, Value: b}
		return nil
	}
	var raw Value
	if err := raw.UnmarshalJSON(data); err != nil {
		return err
	}
	*f = parseFlag(string(raw))
	return nil
}

// True reports whether the flag was sent and truthy.
func (f Flag) True() bool {
	return f.Set && f.Value
}

func parseFlag(raw string) Flag {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Flag{}
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "on":
		return Flag{Set: true, Value: true}
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return Flag{Set: true, Value: b}
	}
	return Flag{Set: true, Value: false}
}

// Params are the per-stream parameters, from the query string or a
// WebSocket control frame.
type Params struct {
	Tag          Value `json:"tag"`
	List         Value `json:"list"`
	Domain       Value `json:"domain"`
	ID           Value `json:"id"`
	Tagged       Value `json:"tagged"`
	OnlyMedia    Flag  `json:"only_media"`
	WithoutMedia Flag  `json:"without_media"`
	WithoutBot   Flag  `json:"without_bot"`
}

// ParamsFromValues reads Params from a query string.
func ParamsFromValues(values url.Values) Params {
	get := func(key string) Value { return Value(strings.TrimSpace(values.Get(key))) }
	return Params{
		Tag:          get("tag"),
		List:         get("list"),
		Domain:       get("domain"),
		ID:           get("id"),
		Tagged:       get("tagged"),
		OnlyMedia:    parseFlag(values.Get("only_media")),
		WithoutMedia: parseFlag(values.Get("without_media")),
		WithoutBot:   parseFlag(values.Get("without_bot")),
	}
}
