package converter

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/belrose/recordintake/internal/platform/fhir"
	"github.com/belrose/recordintake/pkg/fhirmodels"
)

// maxNoteLength bounds the free-text note kept when nothing else matched.
const maxNoteLength = 2000

var (
	bpPattern           = regexp.MustCompile(`(?i)\b(?:BP|blood pressure)\b[:\s]*(\d{2,3})\s*/\s*(\d{2,3})`)
	heartRatePattern    = regexp.MustCompile(`(?i)\b(?:HR|heart rate|pulse)\b[:\s]*(\d{2,3})\b`)
	temperaturePattern  = regexp.MustCompile(`(?i)\b(?:temp|temperature)\b[:\s]*(\d{2,3}(?:\.\d)?)\s*°?\s*([CF])?\b`)
	weightPattern       = regexp.MustCompile(`(?i)\b(?:weight|wt)\b[:\s]*(\d{2,3}(?:\.\d+)?)\s*(kg|lbs?|pounds)?\b`)
	encounterPattern    = regexp.MustCompile(`(?i)\b(routine checkup|annual physical|check-?up|follow-?up|consultation|appointment|office visit|visit|physical exam)\b`)
	labPattern          = regexp.MustCompile(`(?i)\b(lab results?|blood (?:test|work)|lipid panel|metabolic panel|CBC|A1C|urinalysis)\b`)
	practitionerPattern = regexp.MustCompile(`\bDr\.?\s+([A-Z][a-zA-Z'-]+(?:\s+[A-Z][a-zA-Z'-]+)?)`)
	organizationPattern = regexp.MustCompile(`\b((?:[A-Z][\w'&-]*\s+){1,4}(?:Clinic|Hospital|Medical Center|Health Center|Practice|Laboratory))\b`)
	isoDatePattern      = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})\b`)
)

// LocalConverter is a rule-based converter used when no conversion service
// is configured. It recognises common vital signs, encounter keywords,
// practitioner and organisation names and ISO dates. It always returns a
// collection Bundle; text with no recognised content becomes a single
// clinical-note Observation.
type LocalConverter struct {
	newID func() string
	now   func() time.Time
}

// NewLocalConverter creates a LocalConverter.
func NewLocalConverter() *LocalConverter {
	return &LocalConverter{newID: uuid.NewString, now: time.Now}
}

type builder struct {
	c       *LocalConverter
	entries []interface{}
	date    string
}

func (b *builder) add(res fhir.Resource) string {
	id := b.c.newID()
	res["id"] = id
	fullURL := "urn:uuid:" + id
	b.entries = append(b.entries, map[string]interface{}{
		"fullUrl":  fullURL,
		"resource": res,
	})
	return fullURL
}

func (c *LocalConverter) Convert(ctx context.Context, text string) (fhir.Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}

	b := &builder{c: c}
	if m := isoDatePattern.FindStringSubmatch(text); m != nil {
		if _, err := time.Parse("2006-01-02", m[1]); err == nil {
			b.date = m[1]
		}
	}

	var practitionerRef, orgRef string
	if m := practitionerPattern.FindStringSubmatch(text); m != nil {
		practitionerRef = b.add(practitioner(m[1]))
	}
	if m := organizationPattern.FindStringSubmatch(text); m != nil {
		orgRef = b.add(fhir.Resource{
			"resourceType": fhirmodels.ResourceOrganization,
			"name":         strings.TrimSpace(m[1]),
		})
	}

	var encounterRef string
	if m := encounterPattern.FindStringSubmatch(text); m != nil {
		enc := fhir.Resource{
			"resourceType": fhirmodels.ResourceEncounter,
			"status":       fhirmodels.EncounterStatusFinished,
			"class": map[string]interface{}{
				"system": fhirmodels.EncounterClassSystem,
				"code":   fhirmodels.EncounterClassAmbulatory,
			},
			"type": []interface{}{map[string]interface{}{"text": strings.ToLower(m[1])}},
		}
		if b.date != "" {
			enc["period"] = map[string]interface{}{"start": b.date}
		}
		if practitionerRef != "" {
			enc["participant"] = []interface{}{
				map[string]interface{}{"individual": map[string]interface{}{"reference": practitionerRef}},
			}
		}
		if orgRef != "" {
			enc["serviceProvider"] = map[string]interface{}{"reference": orgRef}
		}
		encounterRef = b.add(enc)
	}

	for _, obs := range vitalSigns(text) {
		if b.date != "" {
			obs["effectiveDateTime"] = b.date
		}
		if encounterRef != "" {
			obs["encounter"] = map[string]interface{}{"reference": encounterRef}
		}
		b.add(obs)
	}

	if m := labPattern.FindStringSubmatch(text); m != nil {
		report := fhir.Resource{
			"resourceType": fhirmodels.ResourceDiagnosticReport,
			"status":       fhirmodels.ObsStatusFinal,
			"code":         map[string]interface{}{"text": m[1]},
			"conclusion":   truncate(text, maxNoteLength),
		}
		if b.date != "" {
			report["effectiveDateTime"] = b.date
		}
		b.add(report)
	}

	if !hasClinicalEntry(b.entries) {
		b.add(fhir.Resource{
			"resourceType": fhirmodels.ResourceObservation,
			"status":       fhirmodels.ObsStatusPreliminary,
			"code":         codeable(fhirmodels.LOINCSystem, fhirmodels.LOINCClinicalNote, "Clinical note"),
			"valueString":  truncate(text, maxNoteLength),
		})
	}

	return fhir.Resource{
		"resourceType": fhirmodels.ResourceBundle,
		"type":         fhirmodels.BundleTypeCollection,
		"identifier": map[string]interface{}{
			"system": "urn:ietf:rfc:3986",
			"value":  "urn:uuid:" + c.newID(),
		},
		"timestamp": c.now().UTC().Format(time.RFC3339),
		"entry":     b.entries,
	}, nil
}

func hasClinicalEntry(entries []interface{}) bool {
	for _, e := range entries {
		res, _ := e.(map[string]interface{})["resource"].(fhir.Resource)
		switch fhir.ResourceType(res) {
		case fhirmodels.ResourceEncounter, fhirmodels.ResourceObservation, fhirmodels.ResourceDiagnosticReport:
			return true
		}
	}
	return false
}

func practitioner(name string) fhir.Resource {
	parts := strings.Fields(name)
	hn := map[string]interface{}{"text": "Dr. " + name, "prefix": []interface{}{"Dr."}}
	hn["family"] = parts[len(parts)-1]
	if len(parts) > 1 {
		given := make([]interface{}, 0, len(parts)-1)
		for _, p := range parts[:len(parts)-1] {
			given = append(given, p)
		}
		hn["given"] = given
	}
	return fhir.Resource{
		"resourceType": fhirmodels.ResourcePractitioner,
		"name":         []interface{}{hn},
	}
}

func vitalSigns(text string) []fhir.Resource {
	var out []fhir.Resource

	if m := bpPattern.FindStringSubmatch(text); m != nil {
		sys, _ := strconv.Atoi(m[1])
		dia, _ := strconv.Atoi(m[2])
		obs := vitalObservation(fhirmodels.LOINCBloodPressure, "Blood pressure panel")
		obs["component"] = []interface{}{
			map[string]interface{}{
				"code":          codeable(fhirmodels.LOINCSystem, fhirmodels.LOINCSystolic, "Systolic blood pressure"),
				"valueQuantity": quantity(float64(sys), fhirmodels.UnitMillimetersMercury),
			},
			map[string]interface{}{
				"code":          codeable(fhirmodels.LOINCSystem, fhirmodels.LOINCDiastolic, "Diastolic blood pressure"),
				"valueQuantity": quantity(float64(dia), fhirmodels.UnitMillimetersMercury),
			},
		}
		out = append(out, obs)
	}

	if m := heartRatePattern.FindStringSubmatch(text); m != nil {
		v, _ := strconv.Atoi(m[1])
		obs := vitalObservation(fhirmodels.LOINCHeartRate, "Heart rate")
		obs["valueQuantity"] = quantity(float64(v), fhirmodels.UnitPerMinute)
		out = append(out, obs)
	}

	if m := temperaturePattern.FindStringSubmatch(text); m != nil {
		v, _ := strconv.ParseFloat(m[1], 64)
		unit := fhirmodels.UnitCelsius
		if strings.EqualFold(m[2], "F") || (m[2] == "" && v > 50) {
			unit = fhirmodels.UnitFahrenheit
		}
		obs := vitalObservation(fhirmodels.LOINCBodyTemperature, "Body temperature")
		obs["valueQuantity"] = quantity(v, unit)
		out = append(out, obs)
	}

	if m := weightPattern.FindStringSubmatch(text); m != nil {
		v, _ := strconv.ParseFloat(m[1], 64)
		unit := fhirmodels.UnitKilogram
		if u := strings.ToLower(m[2]); strings.HasPrefix(u, "lb") || u == "pounds" {
			unit = fhirmodels.UnitPound
		}
		obs := vitalObservation(fhirmodels.LOINCBodyWeight, "Body weight")
		obs["valueQuantity"] = quantity(v, unit)
		out = append(out, obs)
	}

	return out
}

func vitalObservation(code, display string) fhir.Resource {
	return fhir.Resource{
		"resourceType": fhirmodels.ResourceObservation,
		"status":       fhirmodels.ObsStatusFinal,
		"category": []interface{}{
			map[string]interface{}{
				"coding": []interface{}{
					map[string]interface{}{"system": fhirmodels.ObsCategorySystem, "code": fhirmodels.ObsCategoryVitalSigns},
				},
			},
		},
		"code": codeable(fhirmodels.LOINCSystem, code, display),
	}
}

func codeable(system, code, display string) map[string]interface{} {
	return map[string]interface{}{
		"coding": []interface{}{
			map[string]interface{}{"system": system, "code": code, "display": display},
		},
		"text": display,
	}
}

func quantity(v float64, unit string) map[string]interface{} {
	return map[string]interface{}{
		"value":  v,
		"unit":   unit,
		"system": fhirmodels.UCUMSystem,
		"code":   unit,
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
