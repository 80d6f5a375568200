package avatarstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/DailyDosesAI/Kai-Voice-Call/internal/avatar"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

const (
	keyDefault     = "default_avatar"
	keyAvatars     = "avatars"
	fieldProvider  = "provider"
	fieldEnabled   = "enabled"
	fieldIdentity  = "participant_identity"
	fieldName      = "participant_name"
	yamlNullTag    = "!!null"
	yamlIndentSize = 2
)

// state is one loaded document. names keeps the document's avatar order.
type state struct {
	defaultName string
	names       []string
	records     map[string]avatar.Record
}

func emptyState() *state {
	return &state{records: make(map[string]avatar.Record)}
}

func (s *state) clone() *state {
	out := &state{
		defaultName: s.defaultName,
		names:       slices.Clone(s.names),
		records:     make(map[string]avatar.Record, len(s.records)),
	}
	for name, rec := range s.records {
		out.records[name] = rec.Clone()
	}
	return out
}

func (s *state) put(name string, rec avatar.Record) {
	if _, ok := s.records[name]; !ok {
		s.names = append(s.names, name)
	}
	s.records[name] = rec.Clone()
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func malformed(format string, args ...any) error {
	return &avatar.ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// decode parses a JSON or YAML document through a yaml.v3 node tree so the
// avatar order of the file survives.
func decode(data []byte, jsonDoc bool) (*state, error) {
	st := emptyState()
	if jsonDoc {
		// A raw tab in valid JSON is always insignificant whitespace, but the
		// YAML scanner rejects tabs used for indentation.
		data = bytes.ReplaceAll(data, []byte{'\t'}, []byte{' '})
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, malformed("parse avatar configuration: %v", err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return st, nil
	}
	top := root.Content[0]
	if top.Kind != yaml.MappingNode {
		return nil, malformed("avatar configuration must be a mapping")
	}

	for i := 0; i+1 < len(top.Content); i += 2 {
		key, val := top.Content[i].Value, top.Content[i+1]
		switch key {
		case keyDefault:
			if val.Kind != yaml.ScalarNode {
				return nil, malformed("%s must be a string", keyDefault)
			}
			if val.Tag != yamlNullTag {
				st.defaultName = strings.TrimSpace(val.Value)
			}
		case keyAvatars:
			if err := decodeAvatars(val, st); err != nil {
				return nil, err
			}
		}
	}

	if st.defaultName != "" {
		if _, ok := st.records[st.defaultName]; !ok {
			return nil, malformed("%s %q is not a configured avatar", keyDefault, st.defaultName)
		}
	}
	return st, nil
}

func decodeAvatars(node *yaml.Node, st *state) error {
	if node.Kind == yaml.ScalarNode && node.Tag == yamlNullTag {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return malformed("%s must be a mapping", keyAvatars)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		if _, dup := st.records[name]; dup {
			return malformed("avatar %q is defined twice", name)
		}
		rec, err := decodeRecord(name, node.Content[i+1])
		if err != nil {
			return err
		}
		st.put(name, rec)
	}
	return nil
}

func decodeRecord(name string, node *yaml.Node) (avatar.Record, error) {
	var rec avatar.Record
	if node.Kind != yaml.MappingNode {
		return rec, malformed("avatar %q must be a mapping", name)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i].Value, node.Content[i+1]
		if val.Kind != yaml.ScalarNode {
			return rec, malformed("avatar %q: %s must be a scalar", name, key)
		}
		if val.Tag == yamlNullTag {
			continue
		}
		switch key {
		case fieldProvider:
			rec.Provider = avatar.ProviderType(strings.TrimSpace(val.Value))
		case fieldEnabled:
			if err := val.Decode(&rec.Enabled); err != nil {
				return rec, malformed("avatar %q: enabled must be a boolean", name)
			}
		case fieldIdentity:
			rec.ParticipantIdentity = val.Value
		case fieldName:
			rec.ParticipantName = val.Value
		default:
			if rec.Params == nil {
				rec.Params = make(map[string]string)
			}
			rec.Params[key] = val.Value
		}
	}
	return rec, nil
}

// field is one key of an ordered JSON object.
type field struct {
	key   string
	value any
}

type orderedObject []field

func (o orderedObject) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(f.key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(f.value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func recordFields(rec avatar.Record) orderedObject {
	fields := orderedObject{
		{fieldProvider, string(rec.Provider)},
		{fieldEnabled, rec.Enabled},
	}
	if rec.ParticipantIdentity != "" {
		fields = append(fields, field{fieldIdentity, rec.ParticipantIdentity})
	}
	if rec.ParticipantName != "" {
		fields = append(fields, field{fieldName, rec.ParticipantName})
	}
	keys := lo.Keys(rec.Params)
	slices.Sort(keys)
	for _, k := range keys {
		fields = append(fields, field{k, rec.Params[k]})
	}
	return fields
}

func (s *state) document() orderedObject {
	avatars := make(orderedObject, 0, len(s.names))
	for _, name := range s.names {
		avatars = append(avatars, field{name, recordFields(s.records[name])})
	}
	return orderedObject{
		{keyDefault, s.defaultName},
		{keyAvatars, avatars},
	}
}

func encodeJSON(s *state) ([]byte, error) {
	data, err := json.MarshalIndent(s.document(), "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func encodeYAML(s *state) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(yamlIndentSize)
	if err := enc.Encode(toNode(s.document())); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func toNode(v any) *yaml.Node {
	switch t := v.(type) {
	case orderedObject:
		n := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		for _, f := range t {
			n.Content = append(n.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: f.key},
				toNode(f.value))
		}
		return n
	case bool:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: fmt.Sprint(t)}
	default:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: fmt.Sprint(t)}
	}
}
