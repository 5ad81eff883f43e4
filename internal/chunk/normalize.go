package chunk

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/chartparse/internal/model"
	"github.com/sells-group/chartparse/internal/registry"
)

// This file is the only place aware of the external inference output
// format. The model tolerates two naming conventions for the same logical
// fields (snake_case and camelCase); both are mapped onto one canonical
// record shape here and nothing downstream sees the wire format.

// EntityStatus tags the two wire variants.
type EntityStatus string

const (
	StatusComplete   EntityStatus = "complete"
	StatusContinuing EntityStatus = "continuing"
)

// ParsedEntity is the canonical form of one entity from the inference
// output. Fields valid only for one status are grouped on the
// status-specific structs.
type ParsedEntity struct {
	Status    EntityStatus
	Data      model.EntityData
	PageRange model.PageRange
	Snippet   string

	// ContinuesTempID references the temporary id of a pending declared in
	// an earlier chunk that this entity extends or closes. Empty for
	// entities first seen in this chunk.
	ContinuesTempID string

	// Continuing-only fields.
	Continuing *ContinuingFields

	// Optional boundary markers for coordinate resolution.
	StartMarker Marker
	EndMarker   Marker
}

// ContinuingFields carries the fields valid only for status "continuing".
type ContinuingFields struct {
	TempID     string
	ExpectNext string
}

// Marker is a text marker plus its disambiguation hints.
type Marker struct {
	Text    string
	Context string
	Region  string
}

// Empty reports whether no marker was supplied.
func (m Marker) Empty() bool { return m.Text == "" }

// cleanJSON strips markdown fences and leading/trailing chatter around the
// model's JSON payload.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}

// ParseResponse parses the inference output into canonical entities,
// validating entity types against the registry. Malformed output and
// unrecognized types are validation errors that fail the chunk.
func ParseResponse(raw string, reg *registry.Registry) ([]ParsedEntity, error) {
	cleaned := cleanJSON(raw)

	var envelope struct {
		Entities []map[string]any `json:"entities"`
	}
	if err := json.Unmarshal([]byte(cleaned), &envelope); err != nil {
		return nil, eris.Wrap(err, "chunk: malformed inference output")
	}

	out := make([]ParsedEntity, 0, len(envelope.Entities))
	for i, m := range envelope.Entities {
		pe, err := normalizeEntity(m, reg)
		if err != nil {
			return nil, eris.Wrapf(err, "chunk: entity %d", i)
		}
		out = append(out, pe)
	}
	return out, nil
}

func normalizeEntity(m map[string]any, reg *registry.Registry) (ParsedEntity, error) {
	var pe ParsedEntity

	status := strField(m, "status")
	switch EntityStatus(status) {
	case StatusComplete, StatusContinuing:
		pe.Status = EntityStatus(status)
	default:
		return pe, eris.Errorf("unrecognized entity status %q", status)
	}

	typ := strField(m, "type", "entity_type", "entityType")
	if !reg.Valid(typ) {
		return pe, eris.Errorf("unrecognized entity type %q", typ)
	}

	pe.Data = model.EntityData{
		Type:             typ,
		Provider:         strField(m, "provider"),
		Facility:         strField(m, "facility"),
		Summary:          strField(m, "summary"),
		Confidence:       numField(m, "confidence"),
		PatientName:      strField(m, "patient_name", "patientName"),
		PatientAddress:   strField(m, "patient_address", "patientAddress"),
		ChiefComplaint:   strField(m, "chief_complaint", "chiefComplaint"),
		CalendarAnchored: boolField(m, "calendar_anchored", "calendarAnchored", "is_real_event", "isRealEvent"),
	}

	if raw := strField(m, "start_date", "startDate"); raw != "" {
		pe.Data.StartDate = &model.EntityDate{Raw: raw, Source: model.DateSourceDocument}
	}
	if raw := strField(m, "end_date", "endDate"); raw != "" {
		pe.Data.EndDate = &model.EntityDate{Raw: raw, Source: model.DateSourceDocument}
	}
	if raw := strField(m, "patient_dob", "patientDob", "patientDOB"); raw != "" {
		pe.Data.PatientDOB = &model.EntityDate{Raw: raw, Source: model.DateSourceDocument}
	}

	pr, err := rangeField(m, "page_range", "pageRange")
	if err != nil {
		return pe, err
	}
	pe.PageRange = pr

	pe.Snippet = strField(m, "context_snippet", "contextSnippet", "snippet")
	pe.ContinuesTempID = strField(m, "continues", "continues_temp_id", "continuesTempId")

	pe.StartMarker = Marker{
		Text:    strField(m, "start_marker", "startMarker"),
		Context: strField(m, "start_marker_context", "startMarkerContext"),
		Region:  strField(m, "start_region", "startRegion"),
	}
	pe.EndMarker = Marker{
		Text:    strField(m, "end_marker", "endMarker"),
		Context: strField(m, "end_marker_context", "endMarkerContext"),
		Region:  strField(m, "end_region", "endRegion"),
	}

	if pe.Status == StatusContinuing {
		tempID := strField(m, "temp_id", "tempId")
		if tempID == "" {
			return pe, eris.New("continuing entity missing temp_id")
		}
		pe.Continuing = &ContinuingFields{
			TempID:     tempID,
			ExpectNext: strField(m, "expect_next", "expectNext", "what_to_expect"),
		}
		if pe.Continuing.ExpectNext == "" {
			return pe, eris.Errorf("continuing entity %s missing expect_next hint", tempID)
		}
	}

	return pe, nil
}

// strField returns the first non-empty string among the listed keys.
func strField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func numField(m map[string]any, keys ...string) float64 {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return v
		case int:
			return float64(v)
		}
	}
	return 0
}

func boolField(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if v, ok := m[k].(bool); ok {
			return v
		}
	}
	return false
}

// rangeField accepts {"start": 3, "end": 5} under either naming convention
// and corrects inverted bounds (a documented defensive normalization).
func rangeField(m map[string]any, keys ...string) (model.PageRange, error) {
	for _, k := range keys {
		obj, ok := m[k].(map[string]any)
		if !ok {
			continue
		}
		start := int(numField(obj, "start", "first_page", "firstPage"))
		end := int(numField(obj, "end", "last_page", "lastPage"))
		if start <= 0 || end <= 0 {
			return model.PageRange{}, eris.Errorf("invalid page range [%d, %d]", start, end)
		}
		return model.PageRange{Start: start, End: end}.Normalized(), nil
	}
	return model.PageRange{}, eris.New("missing page range")
}
