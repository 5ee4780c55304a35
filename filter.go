package nostr

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Filter represents a subscription filter (NIP-01). Matching is
// conjunctive across present fields; absent fields match anything.
// Tags holds single-letter tag queries keyed by tag name without the
// "#" prefix ("e", "p", ...).
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Tags    map[string][]string
	Since   *int64
	Until   *int64
	Limit   int
	Search  string
}

// MarshalJSON emits the NIP-01 filter object, with tag queries as
// "#<name>" keys.
func (f Filter) MarshalJSON() ([]byte, error) {
	obj := make(map[string]interface{})
	if len(f.IDs) > 0 {
		obj["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		obj["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		obj["kinds"] = f.Kinds
	}
	for name, values := range f.Tags {
		if len(values) > 0 {
			obj["#"+name] = values
		}
	}
	if f.Since != nil {
		obj["since"] = *f.Since
	}
	if f.Until != nil {
		obj["until"] = *f.Until
	}
	if f.Limit > 0 {
		obj["limit"] = f.Limit
	}
	if f.Search != "" {
		obj["search"] = f.Search
	}
	return json.Marshal(obj)
}

// UnmarshalJSON parses a NIP-01 filter object.
func (f *Filter) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}

	*f = Filter{}
	for key, value := range raw {
		var err error
		switch {
		case key == "ids":
			err = json.Unmarshal(value, &f.IDs)
		case key == "authors":
			err = json.Unmarshal(value, &f.Authors)
		case key == "kinds":
			err = json.Unmarshal(value, &f.Kinds)
		case key == "since":
			var ts int64
			if err = json.Unmarshal(value, &ts); err == nil {
				f.Since = &ts
			}
		case key == "until":
			var ts int64
			if err = json.Unmarshal(value, &ts); err == nil {
				f.Until = &ts
			}
		case key == "limit":
			err = json.Unmarshal(value, &f.Limit)
		case key == "search":
			err = json.Unmarshal(value, &f.Search)
		case strings.HasPrefix(key, "#") && len(key) > 1:
			var values []string
			if err = json.Unmarshal(value, &values); err == nil {
				if f.Tags == nil {
					f.Tags = make(map[string][]string)
				}
				f.Tags[key[1:]] = values
			}
		}
		if err != nil {
			return fmt.Errorf("%w: filter field %q: %v", ErrMalformedJSON, key, err)
		}
	}
	return nil
}

// Match reports whether the event satisfies every constraint present in
// the filter. Limit is a relay-side hint and is ignored here; Search is
// a relay-side extension (NIP-50) and is ignored too.
func (f *Filter) Match(evt *Event) bool {
	if len(f.IDs) > 0 && !containsString(f.IDs, evt.ID) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, evt.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, evt.Kind) {
		return false
	}
	if f.Since != nil && evt.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && evt.CreatedAt > *f.Until {
		return false
	}
	for name, wanted := range f.Tags {
		if !eventHasTagValue(evt, name, wanted) {
			return false
		}
	}
	return true
}

// MatchAny reports whether any filter in the set matches the event.
func MatchAny(filters []Filter, evt *Event) bool {
	for i := range filters {
		if filters[i].Match(evt) {
			return true
		}
	}
	return false
}

func eventHasTagValue(evt *Event, name string, wanted []string) bool {
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == name && containsString(wanted, tag[1]) {
			return true
		}
	}
	return false
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func containsInt(haystack []int, needle int) bool {
	for _, n := range haystack {
		if n == needle {
			return true
		}
	}
	return false
}
