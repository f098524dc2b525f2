package core

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ArchivePolicy is a per-path schema attribute controlling durable logging.
type ArchivePolicy string

const (
	ArchiveEveryEvent ArchivePolicy = "EVERY_EVENT"
	NoArchiving       ArchivePolicy = "NO_ARCHIVING"
)

// PropertySchema describes one path of a device schema.
type PropertySchema struct {
	Type          string        `json:"type"`
	ArchivePolicy ArchivePolicy `json:"archivePolicy,omitempty"`
}

// Schema is the subset of a device schema the archive needs: the set of paths,
// their types and their archive policy.
type Schema struct {
	ClassID    string                    `json:"classId,omitempty"`
	Properties map[string]PropertySchema `json:"properties"`
}

// NewSchema creates an empty schema.
func NewSchema(classID string) *Schema {
	return &Schema{ClassID: classID, Properties: make(map[string]PropertySchema)}
}

// Set adds or replaces a path.
func (s *Schema) Set(path, typeName string, policy ArchivePolicy) *Schema {
	if s.Properties == nil {
		s.Properties = make(map[string]PropertySchema)
	}
	s.Properties[path] = PropertySchema{Type: typeName, ArchivePolicy: policy}
	return s
}

// Has reports whether the path exists in the schema.
func (s *Schema) Has(path string) bool {
	if s == nil {
		return false
	}
	_, ok := s.Properties[path]
	return ok
}

// Archivable reports whether a leaf at path should be written to the archive.
func (s *Schema) Archivable(path string) bool {
	if s == nil {
		return false
	}
	p, ok := s.Properties[path]
	if !ok {
		return false
	}
	return p.Type != TypeHash && p.ArchivePolicy != NoArchiving
}

// Paths returns all paths in sorted order.
func (s *Schema) Paths() []string {
	if s == nil {
		return nil
	}
	paths := make([]string, 0, len(s.Properties))
	for p := range s.Properties {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Marshal serializes the schema into a single line.
func (s *Schema) Marshal() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return data, nil
}

// ParseSchema decodes a serialized schema.
func ParseSchema(data []byte) (*Schema, error) {
	s := &Schema{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}
	if s.Properties == nil {
		s.Properties = make(map[string]PropertySchema)
	}
	return s, nil
}
