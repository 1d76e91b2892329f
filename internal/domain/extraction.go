package domain

import "sync"

// FieldSchema describes a single property of a form schema. It covers the
// JSON-Schema subset the extraction engine understands: scalar types, enums,
// and arrays of enums.
type FieldSchema struct {
	Type        string       `json:"type"`
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Enum        []string     `json:"enum,omitempty"`
	Items       *FieldSchema `json:"items,omitempty"`
	Synonyms    []string     `json:"synonyms,omitempty"`
	Minimum     *float64     `json:"minimum,omitempty"`
	Maximum     *float64     `json:"maximum,omitempty"`
}

// FormSchema is the JSON-Schema form definition a session can carry
type FormSchema struct {
	Title      string                 `json:"title,omitempty"`
	Properties map[string]FieldSchema `json:"properties"`
	Required   []string               `json:"required,omitempty"`
}

// ExtractionStatus classifies an extraction result
type ExtractionStatus string

const (
	ExtractionPartial  ExtractionStatus = "partial"
	ExtractionComplete ExtractionStatus = "complete"
)

// ExtractedField is one typed field value with its confidence score
type ExtractedField struct {
	FieldName  string  `json:"field_name"`
	Value      any     `json:"value"`
	Confidence float64 `json:"confidence"`
}

// ExtractionResult is the outcome of a single extraction pass
type ExtractionResult struct {
	ExtractionID string           `json:"extraction_id"`
	Fields       []ExtractedField `json:"fields"`
	Status       ExtractionStatus `json:"status"`
	Confidence   float64          `json:"confidence"`
}

// FieldState is the per-session merged-field map. A new result's field
// replaces the stored one only if its confidence is strictly greater, so the
// stored confidence for any field never regresses regardless of the order in
// which extraction calls complete.
type FieldState struct {
	mu     sync.Mutex
	fields map[string]ExtractedField
}

// NewFieldState creates an empty merged-field map
func NewFieldState() *FieldState {
	return &FieldState{fields: make(map[string]ExtractedField)}
}

// Apply folds an extraction result into the map and returns the fields that
// actually changed.
func (s *FieldState) Apply(result *ExtractionResult) []ExtractedField {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []ExtractedField
	for _, f := range result.Fields {
		prev, ok := s.fields[f.FieldName]
		if ok && f.Confidence <= prev.Confidence {
			continue
		}
		s.fields[f.FieldName] = f
		changed = append(changed, f)
	}
	return changed
}

// Snapshot returns a copy of the current merged fields
func (s *FieldState) Snapshot() []ExtractedField {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ExtractedField, 0, len(s.fields))
	for _, f := range s.fields {
		out = append(out, f)
	}
	return out
}
