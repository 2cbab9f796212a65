// Package filter decides, per connection, whether an upstream event may be
// delivered and augments status payloads with keyword-filter matches.
package filter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Envelope is the upstream wire format published on every channel.
type Envelope struct {
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload"`
	QueuedAt int64           `json:"queued_at,omitempty"`
}

// DecodeEnvelope parses raw upstream bytes.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing event")
	}
	return env, nil
}

// PayloadText is the payload as transports send it: JSON strings are
// unwrapped, anything else is the JSON text itself.
func (e Envelope) PayloadText() string {
	trimmed := bytes.TrimSpace(e.Payload)
	if len(trimmed) == 0 {
		return ""
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	}
	return string(trimmed)
}

// object returns the payload as a JSON object, unwrapping payloads that were
// published as a JSON-encoded string.
func (e Envelope) object() (map[string]json.RawMessage, error) {
	body, err := unwrapPayload(e.Payload)
	if err != nil {
		return nil, err
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, fmt.Errorf("payload is not an object")
	}
	return obj, nil
}

// Status is the subset of a status payload the filter reads.
type Status struct {
	Language    *string `json:"language"`
	SpoilerText string  `json:"spoiler_text"`
	Content     string  `json:"content"`
	Account     struct {
		ID   Identifier `json:"id"`
		Acct string     `json:"acct"`
	} `json:"account"`
	Mentions []struct {
		ID Identifier `json:"id"`
	} `json:"mentions"`
	Poll *struct {
		Options []struct {
			Title string `json:"title"`
		} `json:"options"`
	} `json:"poll"`
	MediaAttachments []struct {
		Description *string `json:"description"`
	} `json:"media_attachments"`
	FilterResults json.RawMessage `json:"filter_results"`
}

// Identifier accepts ids serialized as strings or numbers.
type Identifier string

func (id *Identifier) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = Identifier(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = Identifier(n.String())
	return nil
}

// AuthorDomain returns the domain part of the author's acct, "" for local
// authors.
func (s Status) AuthorDomain() string {
	if i := strings.LastIndexByte(s.Account.Acct, '@'); i >= 0 {
		return s.Account.Acct[i+1:]
	}
	return ""
}

// TargetAccountIDs returns the author followed by every mentioned account.
func (s Status) TargetAccountIDs() []string {
	ids := make([]string, 0, 1+len(s.Mentions))
	if s.Account.ID != "" {
		ids = append(ids, string(s.Account.ID))
	}
	for _, mention := range s.Mentions {
		if mention.ID != "" {
			ids = append(ids, string(mention.ID))
		}
	}
	return ids
}

// HasFilterResults reports whether the publisher already attached
// filter_results (even an empty list).
func (s Status) HasFilterResults() bool {
	trimmed := bytes.TrimSpace(s.FilterResults)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

func unwrapPayload(payload json.RawMessage) ([]byte, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return trimmed, nil
	}
	var inner string
	if err := json.Unmarshal(trimmed, &inner); err != nil {
		return nil, err
	}
	return []byte(inner), nil
}

func decodeStatus(env Envelope) (Status, error) {
	body, err := unwrapPayload(env.Payload)
	if err != nil {
		return Status{}, fmt.Errorf("decode status: %w", err)
	}
	var status Status
	if err := json.Unmarshal(body, &status); err != nil {
		return Status{}, fmt.Errorf("decode status: %w", err)
	}
	return status, nil
}

func notificationType(env Envelope) string {
	obj, err := env.object()
	if err != nil {
		return ""
	}
	var kind string
	if raw, ok := obj["type"]; ok {
		_ = json.Unmarshal(raw, &kind)
	}
	return kind
}
