// Package codec implements the persisted blob format for rule groups,
// conditions and commission policies.
//
// Every blob is a versioned, tagged envelope:
//
//	{"v":1,"kind":"rule_group","body":{...}}
//
// Body keys this version does not know are kept in the record's Extra map
// and written back on encode, so parse -> edit -> serialize never drops
// fields written by a newer client. Malformed blobs are rejected with
// types.ErrMalformedRecord wrapped in a *types.ResolutionError; nothing is
// coerced silently.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/solatis/crmrules/internal/types"
)

// Version is the envelope version written by Encode*.
const Version = 1

// Kind tags the record type carried by an envelope.
type Kind string

const (
	KindRuleGroup        Kind = "rule_group"
	KindCondition        Kind = "condition"
	KindCommissionPolicy Kind = "commission_policy"
)

type envelope struct {
	V    int             `json:"v"`
	Kind Kind            `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// Peek returns the kind of a blob without decoding its body.
func Peek(data []byte) (Kind, error) {
	env, err := open(data, "")
	if err != nil {
		return "", err
	}
	return env.Kind, nil
}

// open validates the envelope. want may be empty to accept any known kind.
func open(data []byte, want Kind) (envelope, error) {
	var env envelope
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&env); err != nil {
		return env, malformed(want, "invalid envelope: %v", err)
	}
	if dec.More() {
		return env, malformed(want, "trailing data after envelope")
	}

	switch env.Kind {
	case KindRuleGroup, KindCondition, KindCommissionPolicy:
	default:
		return env, malformed(want, "unknown kind %q", env.Kind)
	}
	if want != "" && env.Kind != want {
		return env, malformed(want, "kind %q, want %q", env.Kind, want)
	}
	if env.V != Version {
		return env, &types.ResolutionError{
			Object: string(env.Kind),
			Err:    fmt.Errorf("%w: %w: v%d", types.ErrMalformedRecord, types.ErrUnsupportedVersion, env.V),
		}
	}
	if len(env.Body) == 0 || bytes.Equal(env.Body, []byte("null")) {
		return env, malformed(want, "missing body")
	}
	return env, nil
}

func seal(kind Kind, body map[string]json.RawMessage) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", kind, err)
	}
	return json.Marshal(envelope{V: Version, Kind: kind, Body: raw})
}

func malformed(kind Kind, format string, args ...any) error {
	return &types.ResolutionError{
		Object: string(kind),
		Err:    fmt.Errorf("%w: %s", types.ErrMalformedRecord, fmt.Sprintf(format, args...)),
	}
}

// fields splits a body into known keys, consumed by take, and the rest.
type fields struct {
	kind   Kind
	prefix string
	m      map[string]json.RawMessage
	err    error
}

func splitBody(kind Kind, body json.RawMessage) (*fields, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, malformed(kind, "body is not an object: %v", err)
	}
	return &fields{kind: kind, m: m}, nil
}

// take decodes key into dst and removes it. Absent or null keys leave dst
// unchanged. The first failure is kept in f.err.
func (f *fields) take(key string, dst any) {
	raw, ok := f.m[key]
	if !ok {
		return
	}
	delete(f.m, key)
	if f.err != nil || bytes.Equal(raw, []byte("null")) {
		return
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		f.err = malformed(f.kind, "%sfield %q: %v", f.prefix, key, err)
	}
}

// rest returns the unconsumed keys, or nil when none remain.
func (f *fields) rest() map[string]json.RawMessage {
	if len(f.m) == 0 {
		return nil
	}
	return f.m
}

// body starts an encoded body from a copy of extra; known keys set
// afterwards take precedence.
type body map[string]json.RawMessage

func newBody(extra map[string]json.RawMessage) body {
	b := make(body, len(extra)+8)
	for k, v := range extra {
		b[k] = v
	}
	return b
}

func (b body) put(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	b[key] = raw
	return nil
}

// putAll sets keys in order, stopping at the first failure.
func (b body) putAll(kv ...any) error {
	for i := 0; i+1 < len(kv); i += 2 {
		if err := b.put(kv[i].(string), kv[i+1]); err != nil {
			return err
		}
	}
	return nil
}
