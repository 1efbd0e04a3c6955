package enrichment

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/belrose/recordintake/internal/platform/fhir"
	"github.com/belrose/recordintake/pkg/fhirmodels"
)

// dateFields are inspected, in order, on every entry when looking for the
// most recent clinical date.
var dateFields = []string{"effectiveDateTime", "issued", "date", "recordedDate", "authoredOn", "onsetDateTime"}

var dateLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02", "2006-01", "2006"}

// HeuristicAnalyzer derives summary fields from the entry types of a Bundle
// without calling any external service.
type HeuristicAnalyzer struct{}

func (HeuristicAnalyzer) Infer(ctx context.Context, record fhir.Resource, ec Context) (*Fields, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries := fhir.Entries(record)
	counts := map[string]int{}
	for _, r := range entries {
		if r != nil {
			counts[fhir.ResourceType(r)]++
		}
	}
	if len(counts) == 0 {
		return nil, ErrInsufficientData
	}

	f := &Fields{
		VisitType:   visitType(counts),
		Provider:    providerName(record),
		Institution: institutionName(record),
		Date:        latestDate(entries),
	}
	f.Title = title(f)
	f.Summary = summary(entries, counts)
	return f, nil
}

func visitType(counts map[string]int) string {
	switch {
	case counts[fhirmodels.ResourceDiagnosticReport] > 0:
		return fhirmodels.VisitTypeDiagnosticReport
	case counts[fhirmodels.ResourceObservation] > 0:
		return fhirmodels.VisitTypeLabResults
	case counts[fhirmodels.ResourceEncounter] > 0:
		return fhirmodels.VisitTypeClinicalEncounter
	}
	return fhirmodels.VisitTypeMedicalRecord
}

func title(f *Fields) string {
	t := f.VisitType
	switch {
	case f.Provider != "":
		t += " with " + f.Provider
	case f.Institution != "":
		t += " at " + f.Institution
	}
	if f.Date != "" {
		t += " (" + f.Date + ")"
	}
	return t
}

func providerName(record fhir.Resource) string {
	p := fhir.FirstOfType(record, fhirmodels.ResourcePractitioner)
	if p == nil {
		return ""
	}
	names, _ := p["name"].([]interface{})
	for _, n := range names {
		name, _ := n.(map[string]interface{})
		if text, _ := name["text"].(string); text != "" {
			return text
		}
		var parts []string
		if given, ok := name["given"].([]interface{}); ok {
			for _, g := range given {
				if s, ok := g.(string); ok {
					parts = append(parts, s)
				}
			}
		}
		if family, _ := name["family"].(string); family != "" {
			parts = append(parts, family)
		}
		if len(parts) > 0 {
			return strings.Join(parts, " ")
		}
	}
	return ""
}

func institutionName(record fhir.Resource) string {
	o := fhir.FirstOfType(record, fhirmodels.ResourceOrganization)
	name, _ := o["name"].(string)
	return name
}

// latestDate returns the most recent parseable date across all entries,
// formatted as YYYY-MM-DD.
func latestDate(entries []fhir.Resource) string {
	var latest time.Time
	consider := func(v interface{}) {
		s, _ := v.(string)
		if s == "" {
			return
		}
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				if t.After(latest) {
					latest = t
				}
				return
			}
		}
	}
	for _, r := range entries {
		if r == nil {
			continue
		}
		for _, k := range dateFields {
			consider(r[k])
		}
		if period, ok := r["period"].(map[string]interface{}); ok {
			consider(period["start"])
			consider(period["end"])
		}
	}
	if latest.IsZero() {
		return ""
	}
	return latest.Format("2006-01-02")
}

func summary(entries []fhir.Resource, counts map[string]int) string {
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Strings(types)
	parts := make([]string, 0, len(types))
	for _, t := range types {
		parts = append(parts, fmt.Sprintf("%d %s", counts[t], t))
	}
	s := "Record with " + strings.Join(parts, ", ") + "."

	var findings []string
	for _, r := range entries {
		if fhir.ResourceType(r) != fhirmodels.ResourceObservation {
			continue
		}
		if d := describeObservation(r); d != "" {
			findings = append(findings, d)
		}
	}
	if len(findings) > 0 {
		s += " " + strings.Join(findings, "; ") + "."
	}
	return s
}

func describeObservation(r fhir.Resource) string {
	code, _ := r["code"].(map[string]interface{})
	label, _ := code["text"].(string)
	if label == "" {
		return ""
	}
	if q, ok := r["valueQuantity"].(map[string]interface{}); ok {
		return fmt.Sprintf("%s %v %v", label, q["value"], q["unit"])
	}
	if s, ok := r["valueString"].(string); ok {
		return label + ": " + s
	}
	comps, _ := r["component"].([]interface{})
	var vals []string
	unit := ""
	for _, c := range comps {
		cm, _ := c.(map[string]interface{})
		if q, ok := cm["valueQuantity"].(map[string]interface{}); ok {
			vals = append(vals, fmt.Sprint(q["value"]))
			if u, ok := q["unit"].(string); ok {
				unit = u
			}
		}
	}
	if len(vals) > 0 {
		return strings.TrimSpace(label + " " + strings.Join(vals, "/") + " " + unit)
	}
	return label
}
