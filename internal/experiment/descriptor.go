package experiment

import (
	"encoding/json"
	"fmt"
)

// Descriptor is a normalized experiment reference: a name plus optional
// goal names. Callers may supply it as a bare name string or as a
// single-entry mapping of name to goal(s); both forms normalize here, and
// only the typed form travels further in.
type Descriptor struct {
	Name  string
	Goals []string
}

// ParseDescriptor normalizes the accepted reference forms:
// "checkout", {"checkout": "purchase"}, {"checkout": ["purchase", "signup"]}.
func ParseDescriptor(ref any) (Descriptor, error) {
	switch v := ref.(type) {
	case string:
		if v == "" {
			return Descriptor{}, fmt.Errorf("empty experiment reference")
		}
		return Descriptor{Name: v}, nil
	case map[string]any:
		if len(v) != 1 {
			return Descriptor{}, fmt.Errorf("experiment mapping must have exactly one entry, got %d", len(v))
		}
		for name, goals := range v {
			d := Descriptor{Name: name}
			switch g := goals.(type) {
			case string:
				d.Goals = []string{g}
			case []any:
				for _, item := range g {
					goal, ok := item.(string)
					if !ok {
						return Descriptor{}, fmt.Errorf("goal for experiment %q is not a string", name)
					}
					d.Goals = append(d.Goals, goal)
				}
			case []string:
				d.Goals = g
			default:
				return Descriptor{}, fmt.Errorf("unsupported goal form for experiment %q", name)
			}
			return d, nil
		}
	}
	return Descriptor{}, fmt.Errorf("unsupported experiment reference type %T", ref)
}

// UnmarshalJSON accepts both reference forms in request payloads.
func (d *Descriptor) UnmarshalJSON(data []byte) error {
	var ref any
	if err := json.Unmarshal(data, &ref); err != nil {
		return err
	}
	parsed, err := ParseDescriptor(ref)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalJSON writes the canonical mapping form, or the bare name when no
// goals are attached.
func (d Descriptor) MarshalJSON() ([]byte, error) {
	if len(d.Goals) == 0 {
		return json.Marshal(d.Name)
	}
	return json.Marshal(map[string][]string{d.Name: d.Goals})
}
