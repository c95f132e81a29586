package payload

import (
	"encoding/json"
	"fmt"
)

// Level records how much of a draft a payload carries. Higher is poorer:
// Full < Truncated < MinimalMetadataOnly. The zero value means the level
// tag was missing.
type Level uint8

const (
	levelUnknown Level = iota
	Full
	Truncated
	MinimalMetadataOnly
)

func (l Level) String() string {
	switch l {
	case Full:
		return "full"
	case Truncated:
		return "truncated"
	case MinimalMetadataOnly:
		return "minimal"
	default:
		return "unknown"
	}
}

func (l Level) Valid() bool {
	return l >= Full && l <= MinimalMetadataOnly
}

// Richer reports whether l carries more content than other.
func (l Level) Richer(other Level) bool {
	return l < other
}

func ParseLevel(s string) (Level, error) {
	switch s {
	case "full":
		return Full, nil
	case "truncated":
		return Truncated, nil
	case "minimal":
		return MinimalMetadataOnly, nil
	}
	return levelUnknown, fmt.Errorf("unknown degradation level %q", s)
}

func (l Level) MarshalJSON() ([]byte, error) {
	if !l.Valid() {
		return []byte("null"), nil
	}
	return json.Marshal(l.String())
}

// UnmarshalJSON leaves unknown levels unset; EffectiveLevel infers them.
func (l *Level) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		*l = levelUnknown
		return nil
	}
	parsed, err := ParseLevel(s)
	if err != nil {
		*l = levelUnknown
		return nil
	}
	*l = parsed
	return nil
}
