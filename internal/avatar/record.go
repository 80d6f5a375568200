// Package avatar renders a voice session as a synchronized audio/video avatar
// through pluggable rendering backends, without ever letting an avatar failure
// reach the voice session itself.
package avatar

import (
	"strings"
)

// ProviderType tags an avatar rendering backend.
type ProviderType string

const (
	ProviderBeyondPresence ProviderType = "bey"
	ProviderAnam           ProviderType = "anam"
	ProviderBitHuman       ProviderType = "bithuman"
	ProviderHedra          ProviderType = "hedra"
	ProviderSimli          ProviderType = "simli"
	ProviderTavus          ProviderType = "tavus"
)

func (p ProviderType) String() string { return string(p) }

// Record describes one named avatar setup. Provider specific keys (avatar ids,
// model paths, credential references) live in Params; which of them are
// required depends on Provider and is checked by the Factory.
type Record struct {
	Provider            ProviderType      `json:"provider" yaml:"provider" validate:"required"`
	Enabled             bool              `json:"enabled" yaml:"enabled"`
	ParticipantIdentity string            `json:"participant_identity,omitempty" yaml:"participant_identity,omitempty"`
	ParticipantName     string            `json:"participant_name,omitempty" yaml:"participant_name,omitempty"`
	Params              map[string]string `json:"-" yaml:"-"`
}

// Param returns the trimmed value of a provider specific key. Empty values
// count as absent.
func (r Record) Param(key string) (string, bool) {
	v, ok := r.Params[key]
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

// Clone returns a deep copy so callers cannot mutate a stored record.
func (r Record) Clone() Record {
	out := r
	if r.Params != nil {
		out.Params = make(map[string]string, len(r.Params))
		for k, v := range r.Params {
			out.Params[k] = v
		}
	}
	return out
}
