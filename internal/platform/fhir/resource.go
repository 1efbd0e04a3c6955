package fhir

import "time"

// Resource is the generic JSON shape of a FHIR resource. Records that arrive
// from conversion services or hand-authored input are kept in this form so
// unknown elements survive a round trip.
type Resource = map[string]interface{}

type Meta struct {
	VersionID   string    `json:"versionId,omitempty"`
	LastUpdated time.Time `json:"lastUpdated,omitempty"`
	Profile     []string  `json:"profile,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Display   string `json:"display,omitempty"`
}

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeProcessing, diagnostics)
}

func NotFoundOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeNotFound, resourceType+"/"+id+" not found")
}

// FormatReference builds a "ResourceType/id" reference string.
func FormatReference(resourceType, id string) string {
	return resourceType + "/" + id
}

// Entries returns the resources contained in a Bundle's entry array, in
// order. Entries without an object-shaped resource are returned as nil so
// callers can keep positional indexes aligned with the source document.
func Entries(bundle Resource) []Resource {
	raw, ok := bundle["entry"].([]interface{})
	if !ok {
		return nil
	}
	out := make([]Resource, 0, len(raw))
	for _, e := range raw {
		entry, _ := e.(map[string]interface{})
		res, _ := entry["resource"].(map[string]interface{})
		out = append(out, res)
	}
	return out
}

// ResourceType returns the resourceType of r, or "" when absent.
func ResourceType(r Resource) string {
	rt, _ := r["resourceType"].(string)
	return rt
}

// FirstOfType returns the first contained resource of the given type.
func FirstOfType(bundle Resource, resourceType string) Resource {
	for _, r := range Entries(bundle) {
		if r != nil && ResourceType(r) == resourceType {
			return r
		}
	}
	return nil
}

// NewBundle wraps resources in a collection Bundle.
func NewBundle(bundleType string, resources ...Resource) Resource {
	entries := make([]interface{}, 0, len(resources))
	for _, r := range resources {
		entries = append(entries, map[string]interface{}{"resource": r})
	}
	return Resource{
		"resourceType": "Bundle",
		"type":         bundleType,
		"entry":        entries,
	}
}
