package eventloop

import "slices"

// Spec is the part of a node declaration the loop needs.
type Spec struct {
	ID           string
	Name         string
	Description  string
	InputKeys    []string
	OutputKeys   []string
	// NullableOutputKeys may stay unset when the loop accepts.
	NullableOutputKeys []string
	ClientFacing       bool
	// SystemPrompt may reference inputs as ${key}.
	SystemPrompt string
}

// RequiredOutputKeys returns OutputKeys minus NullableOutputKeys.
func (s Spec) RequiredOutputKeys() []string {
	var out []string
	for _, k := range s.OutputKeys {
		if !slices.Contains(s.NullableOutputKeys, k) {
			out = append(out, k)
		}
	}
	return out
}
