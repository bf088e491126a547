// Package filter decides whether an event payload satisfies a subscription filter.
//
// Every key path in the filter must hold an equal value in the payload; keys the
// filter does not mention are unconstrained. Arrays compare as whole values. A null
// filter value requires the payload key to be present and null.
//
// Non-null values are checked as an RFC 7386 merge patch: the filter matches when
// merging it onto the payload leaves the payload unchanged. Merge patches treat null
// as deletion, so null leaves are checked separately before the merge.
package filter

import (
	"encoding/json"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/pscheid92/subpool/internal/domain"
)

var emptyObject = []byte("{}")

// Payload is an event payload encoded once and matched against many filters.
type Payload struct {
	value map[string]any
	doc   []byte
	err   error
}

// Prepare encodes payload for matching. A nil payload is treated as {}.
func Prepare(payload map[string]any) Payload {
	if payload == nil {
		return Payload{value: map[string]any{}, doc: emptyObject}
	}
	doc, err := json.Marshal(payload)
	return Payload{value: payload, doc: doc, err: err}
}

// PrepareJSON is Prepare over an already encoded JSON object.
func PrepareJSON(doc []byte) Payload {
	var value map[string]any
	if err := json.Unmarshal(doc, &value); err != nil {
		return Payload{err: err}
	}
	if value == nil {
		return Prepare(nil)
	}
	return Payload{value: value, doc: doc}
}

// Matches reports whether the payload satisfies filter. A nil filter matches
// everything; filters or payloads that cannot be encoded do not match.
func (p Payload) Matches(filter domain.Filter) bool {
	if filter == nil {
		return true
	}
	if p.err != nil {
		return false
	}

	rest, ok := splitNulls(filter, p.value)
	if !ok {
		return false
	}
	if len(rest) == 0 {
		return true
	}

	patch, err := json.Marshal(rest)
	if err != nil {
		return false
	}
	merged, err := jsonpatch.MergePatch(p.doc, patch)
	if err != nil {
		return false
	}
	return jsonpatch.Equal(merged, p.doc)
}

// Matches reports whether payload satisfies filter.
func Matches(filter domain.Filter, payload map[string]any) bool {
	if filter == nil {
		return true
	}
	return Prepare(payload).Matches(filter)
}

// MatchesJSON is Matches over already encoded documents. An empty or null filter
// matches everything.
func MatchesJSON(filter, payload []byte) bool {
	if len(filter) == 0 {
		return true
	}
	var f domain.Filter
	if err := json.Unmarshal(filter, &f); err != nil {
		return false
	}
	return PrepareJSON(payload).Matches(f)
}

// splitNulls checks the null leaves of filter against payload and returns the
// filter without them. Objects on the way to a null leaf must exist in the payload.
func splitNulls(filter, payload map[string]any) (map[string]any, bool) {
	rest := make(map[string]any, len(filter))
	for key, want := range filter {
		got, present := payload[key]
		switch w := want.(type) {
		case nil:
			if !present || got != nil {
				return nil, false
			}
		case map[string]any:
			sub, ok := got.(map[string]any)
			if !ok {
				return nil, false
			}
			r, ok := splitNulls(w, sub)
			if !ok {
				return nil, false
			}
			rest[key] = r
		case domain.Filter:
			sub, ok := got.(map[string]any)
			if !ok {
				return nil, false
			}
			r, ok := splitNulls(w, sub)
			if !ok {
				return nil, false
			}
			rest[key] = r
		default:
			rest[key] = want
		}
	}
	return rest, true
}
