package converter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/belrose/recordintake/internal/platform/fhir"
)

func fixedConverter() *LocalConverter {
	n := 0
	return &LocalConverter{
		newID: func() string {
			n++
			return "id-" + strconv.Itoa(n)
		},
		now: func() time.Time { return time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC) },
	}
}

func typesOf(bundle fhir.Resource) []string {
	var out []string
	for _, r := range fhir.Entries(bundle) {
		out = append(out, fhir.ResourceType(r))
	}
	return out
}

func TestLocalConverter_CheckupWithBloodPressure(t *testing.T) {
	c := fixedConverter()
	bundle, err := c.Convert(context.Background(), "Routine checkup, BP 120/80")
	require.NoError(t, err)

	assert.Equal(t, "Bundle", fhir.ResourceType(bundle))
	assert.Equal(t, []string{"Encounter", "Observation"}, typesOf(bundle))

	obs := fhir.FirstOfType(bundle, "Observation")
	assert.Equal(t, "final", obs["status"])
	comps := obs["component"].([]interface{})
	require.Len(t, comps, 2)
	sys := comps[0].(map[string]interface{})["valueQuantity"].(map[string]interface{})
	assert.Equal(t, 120.0, sys["value"])

	enc := fhir.FirstOfType(bundle, "Encounter")
	assert.Equal(t, "urn:uuid:"+enc["id"].(string), obs["encounter"].(map[string]interface{})["reference"])

	report := fhir.NewValidator().Validate(bundle)
	assert.True(t, report.IsValid, "errors: %v", report.Errors)
	assert.Empty(t, report.Errors)
	assert.Empty(t, report.Warnings)
}

func TestLocalConverter_ProvidersAndDates(t *testing.T) {
	c := fixedConverter()
	bundle, err := c.Convert(context.Background(),
		"Follow-up appointment with Dr. Maria Gonzalez at Riverside Medical Center on 2024-03-14. Pulse 72, Temp 98.6F, weight 70 kg. Lipid panel ordered.")
	require.NoError(t, err)

	types := typesOf(bundle)
	assert.Contains(t, types, "Practitioner")
	assert.Contains(t, types, "Organization")
	assert.Contains(t, types, "Encounter")
	assert.Contains(t, types, "DiagnosticReport")

	p := fhir.FirstOfType(bundle, "Practitioner")
	name := p["name"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "Gonzalez", name["family"])

	org := fhir.FirstOfType(bundle, "Organization")
	assert.Equal(t, "Riverside Medical Center", org["name"])

	enc := fhir.FirstOfType(bundle, "Encounter")
	assert.Equal(t, "2024-03-14", enc["period"].(map[string]interface{})["start"])

	var units []string
	for _, r := range fhir.Entries(bundle) {
		if q, ok := r["valueQuantity"].(map[string]interface{}); ok {
			units = append(units, q["unit"].(string))
		}
	}
	assert.Equal(t, []string{"/min", "[degF]", "kg"}, units)

	assert.True(t, fhir.NewValidator().Validate(bundle).IsValid)
}

func TestLocalConverter_FallbackNote(t *testing.T) {
	c := fixedConverter()
	bundle, err := c.Convert(context.Background(), "Patient reports feeling better overall.")
	require.NoError(t, err)
	assert.Equal(t, []string{"Observation"}, typesOf(bundle))
	obs := fhir.FirstOfType(bundle, "Observation")
	assert.Equal(t, "Patient reports feeling better overall.", obs["valueString"])
}

func TestLocalConverter_EmptyText(t *testing.T) {
	_, err := fixedConverter().Convert(context.Background(), "   ")
	assert.True(t, errors.Is(err, ErrEmptyText))
}

func TestHTTPConverter(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
		wantRT  string
	}{
		{"bare bundle", 200, `{"resourceType": "Bundle", "type": "collection", "entry": []}`, nil, "Bundle"},
		{"wrapped bundle", 200, `{"bundle": {"resourceType": "Bundle", "entry": []}}`, nil, "Bundle"},
		{"server error", 500, `{"error": "boom"}`, nil, ""},
		{"not json", 200, `<html>oops</html>`, ErrMalformedResponse, ""},
		{"no resourceType", 200, `{"foo": 1}`, ErrMalformedResponse, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/convert", r.URL.Path)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			out, err := NewHTTPConverter(srv.URL, 5*time.Second).Convert(context.Background(), "BP 120/80")
			if tt.wantRT != "" {
				require.NoError(t, err)
				assert.Equal(t, tt.wantRT, fhir.ResourceType(out))
				return
			}
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			}
		})
	}
}

func TestDecode(t *testing.T) {
	rec, err := Decode([]byte(` {"resourceType": "Bundle"} `))
	require.NoError(t, err)
	assert.Equal(t, "Bundle", fhir.ResourceType(rec))

	for _, in := range []string{``, `[1,2]`, `"x"`, `{"broken":`} {
		_, err := Decode([]byte(in))
		assert.True(t, errors.Is(err, ErrMalformedRecord), "input %q", in)
	}
}
