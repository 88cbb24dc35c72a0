package routetree

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DynamicKind classifies a dynamic segment.
type DynamicKind string

const (
	// KindStatic marks a plain path segment.
	KindStatic DynamicKind = ""
	// KindDynamic is a single dynamic parameter, e.g. [id].
	KindDynamic DynamicKind = "d"
	// KindCatchAll is a catch-all parameter, e.g. [...slug].
	KindCatchAll DynamicKind = "c"
	// KindOptionalCatchAll is an optional catch-all, e.g. [[...slug]].
	KindOptionalCatchAll DynamicKind = "oc"
)

// PageSegment is the segment used for the leaf that renders a page.
const PageSegment = "__PAGE__"

// Segment identifies one routing level. Segments are compared with ==.
//
// Static segments only carry Name. Dynamic segments carry the parameter name
// in Param and the resolved value in Name.
type Segment struct {
	Name  string
	Param string
	Kind  DynamicKind
}

// Static returns a static segment.
func Static(name string) Segment {
	return Segment{Name: name}
}

// Dynamic returns a dynamic segment for param resolved to value.
func Dynamic(param, value string, kind DynamicKind) Segment {
	if kind == KindStatic {
		kind = KindDynamic
	}
	return Segment{Name: value, Param: param, Kind: kind}
}

// IsDynamic reports whether the segment encodes a parameter value.
func (s Segment) IsDynamic() bool {
	return s.Kind != KindStatic
}

// Key returns the cache key for the segment.
// Two segments share a key exactly when they are equal.
func (s Segment) Key() string {
	if !s.IsDynamic() {
		return s.Name
	}
	return s.Param + "|" + s.Name + "|" + string(s.Kind)
}

// String returns a readable form of the segment.
func (s Segment) String() string {
	if !s.IsDynamic() {
		return s.Name
	}
	return fmt.Sprintf("[%s=%s]", s.Param, s.Name)
}

// MarshalJSON encodes static segments as strings and dynamic ones as
// [param, value, kind].
func (s Segment) MarshalJSON() ([]byte, error) {
	if !s.IsDynamic() {
		return json.Marshal(s.Name)
	}
	return json.Marshal([3]string{s.Param, s.Name, string(s.Kind)})
}

// UnmarshalJSON decodes both segment encodings.
func (s *Segment) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var parts []string
		if err := json.Unmarshal(data, &parts); err != nil {
			return fmt.Errorf("routetree: invalid dynamic segment: %w", err)
		}
		if len(parts) != 3 {
			return fmt.Errorf("routetree: dynamic segment needs 3 parts, got %d", len(parts))
		}
		*s = Dynamic(parts[0], parts[1], DynamicKind(parts[2]))
		return nil
	}
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("routetree: invalid segment: %w", err)
	}
	*s = Static(name)
	return nil
}
