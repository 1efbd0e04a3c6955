package fhir

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ValidatorVersion is stamped on every report so stored records can be
// re-validated when the rule set changes.
const ValidatorVersion = "intake-bundle-rules/1.0"

// birthDatePattern accepts YYYY, YYYY-MM and YYYY-MM-DD.
var birthDatePattern = regexp.MustCompile(`^\d{4}(-\d{2}(-\d{2})?)?$`)

// observationStatuses is the FHIR R4 Observation.status value set.
var observationStatuses = map[string]bool{
	"registered":       true,
	"preliminary":      true,
	"final":            true,
	"amended":          true,
	"corrected":        true,
	"cancelled":        true,
	"entered-in-error": true,
	"unknown":          true,
}

// Issue is one finding of the validator.
type Issue struct {
	Severity string `json:"severity"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Location string `json:"location,omitempty"`
}

// ValidationReport is the categorized outcome of validating one Bundle.
type ValidationReport struct {
	IsValid          bool      `json:"isValid"`
	HasErrors        bool      `json:"hasErrors"`
	HasWarnings      bool      `json:"hasWarnings"`
	Errors           []Issue   `json:"errors"`
	Warnings         []Issue   `json:"warnings"`
	Info             []Issue   `json:"info"`
	ValidatedAt      time.Time `json:"validatedAt"`
	ValidatorVersion string    `json:"validatorVersion"`
}

func (r *ValidationReport) add(severity, code, message, location string) {
	issue := Issue{Severity: severity, Code: code, Message: message, Location: location}
	switch severity {
	case IssueSeverityError, IssueSeverityFatal:
		r.Errors = append(r.Errors, issue)
	case IssueSeverityWarning:
		r.Warnings = append(r.Warnings, issue)
	default:
		r.Info = append(r.Info, issue)
	}
}

// ToOperationOutcome converts a report into an OperationOutcome.
func (r *ValidationReport) ToOperationOutcome() *OperationOutcome {
	b := NewOutcomeBuilder()
	for _, group := range [][]Issue{r.Errors, r.Warnings, r.Info} {
		for _, is := range group {
			b.AddIssueWithLocation(is.Severity, is.Code, is.Message, is.Location)
		}
	}
	return b.Build()
}

// Validator runs a bounded structural rule set over a Bundle. It is not a
// conformance validator: only the checks below are performed.
type Validator struct {
	now func() time.Time
}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{now: time.Now}
}

// WithClock returns a copy of the validator using now as its time source.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	return &Validator{now: now}
}

// Validate checks the envelope first, then every contained entry in order.
func (v *Validator) Validate(record Resource) *ValidationReport {
	report := &ValidationReport{
		Errors:           []Issue{},
		Warnings:         []Issue{},
		Info:             []Issue{},
		ValidatedAt:      v.now().UTC(),
		ValidatorVersion: ValidatorVersion,
	}

	if record == nil {
		report.add(IssueSeverityError, IssueTypeStructure, "record is empty", "")
		report.finish()
		return report
	}

	if rt := ResourceType(record); rt != "Bundle" {
		report.add(IssueSeverityError, IssueTypeInvalid,
			fmt.Sprintf("resourceType must be Bundle, got %q", rt), "resourceType")
	}

	entries := Entries(record)
	if len(entries) == 0 {
		report.add(IssueSeverityWarning, IssueTypeRequired, "Bundle contains no entries", "entry")
	}
	if _, ok := record["identifier"]; !ok {
		report.add(IssueSeverityInformation, IssueTypeInformation, "Bundle has no identifier", "identifier")
	}
	if t, _ := record["type"].(string); t == "" {
		report.add(IssueSeverityWarning, IssueTypeRequired, "Bundle type is not declared", "type")
	}

	for i, res := range entries {
		path := fmt.Sprintf("entry[%d].resource", i)
		if res == nil {
			report.add(IssueSeverityWarning, IssueTypeStructure, "entry has no resource", fmt.Sprintf("entry[%d]", i))
			continue
		}
		switch ResourceType(res) {
		case "Patient":
			v.checkPatient(res, path, report)
		case "Observation":
			v.checkObservation(res, path, report)
		case "Practitioner":
			v.checkPractitioner(res, path, report)
		}
	}

	report.finish()
	return report
}

func (r *ValidationReport) finish() {
	r.HasErrors = len(r.Errors) > 0
	r.HasWarnings = len(r.Warnings) > 0
	r.IsValid = !r.HasErrors
}

func (v *Validator) checkPatient(res Resource, path string, report *ValidationReport) {
	if names, _ := res["name"].([]interface{}); len(names) == 0 {
		report.add(IssueSeverityWarning, IssueTypeRequired, "Patient has no name", path+".name")
	}
	if bd, ok := res["birthDate"]; ok {
		s, _ := bd.(string)
		if !birthDatePattern.MatchString(s) {
			report.add(IssueSeverityError, IssueTypeValue,
				fmt.Sprintf("Patient birthDate %v is not YYYY, YYYY-MM or YYYY-MM-DD", bd), path+".birthDate")
		}
	}
}

func (v *Validator) checkObservation(res Resource, path string, report *ValidationReport) {
	if code, _ := res["code"].(map[string]interface{}); len(code) == 0 {
		report.add(IssueSeverityError, IssueTypeRequired, "Observation has no code", path+".code")
	}

	status, _ := res["status"].(string)
	switch {
	case status == "":
		report.add(IssueSeverityError, IssueTypeRequired, "Observation has no status", path+".status")
	case !observationStatuses[status]:
		report.add(IssueSeverityError, IssueTypeCodeInvalid,
			fmt.Sprintf("Observation status %q is not a valid status", status), path+".status")
	}

	if !hasObservationValue(res) {
		report.add(IssueSeverityWarning, IssueTypeRequired,
			"Observation has no value, component or dataAbsentReason", path)
	}
}

func hasObservationValue(res Resource) bool {
	for k, val := range res {
		if strings.HasPrefix(k, "value") && val != nil {
			return true
		}
	}
	if comps, _ := res["component"].([]interface{}); len(comps) > 0 {
		return true
	}
	_, absent := res["dataAbsentReason"]
	return absent
}

func (v *Validator) checkPractitioner(res Resource, path string, report *ValidationReport) {
	names, _ := res["name"].([]interface{})
	for _, n := range names {
		name, _ := n.(map[string]interface{})
		if s, _ := name["family"].(string); s != "" {
			return
		}
		if s, _ := name["text"].(string); s != "" {
			return
		}
		if given, _ := name["given"].([]interface{}); len(given) > 0 {
			return
		}
	}
	report.add(IssueSeverityWarning, IssueTypeRequired,
		"Practitioner name has no family, given or text", path+".name")
}

// Annotate returns a shallow copy of record with the report attached under
// the _validation key. The input map is not modified.
func Annotate(record Resource, report *ValidationReport) Resource {
	out := make(Resource, len(record)+1)
	for k, val := range record {
		out[k] = val
	}
	out["_validation"] = map[string]interface{}{
		"isValid":          report.IsValid,
		"hasErrors":        report.HasErrors,
		"hasWarnings":      report.HasWarnings,
		"errorCount":       len(report.Errors),
		"warningCount":     len(report.Warnings),
		"infoCount":        len(report.Info),
		"validatedAt":      report.ValidatedAt.Format(time.RFC3339),
		"validatorVersion": report.ValidatorVersion,
	}
	return out
}
