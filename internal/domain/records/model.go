package records

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/belrose/recordintake/internal/domain/anchoring"
	"github.com/belrose/recordintake/internal/domain/enrichment"
	"github.com/belrose/recordintake/internal/platform/fhir"
	"github.com/belrose/recordintake/pkg/fhirmodels"
)

// Record is the durable metadata stored for a completed intake item. The
// original binary content, when there was one, lives in the blob store under
// BlobID.
type Record struct {
	ID            uuid.UUID              `json:"id"`
	ItemID        string                 `json:"item_id"`
	FileName      string                 `json:"file_name,omitempty"`
	SourceKind    string                 `json:"source_kind"`
	Fingerprint   string                 `json:"fingerprint"`
	BlobID        string                 `json:"blob_id,omitempty"`
	ExtractedText string                 `json:"extracted_text,omitempty"`
	WordCount     int                    `json:"word_count"`
	Structured    fhir.Resource          `json:"structured,omitempty"`
	Validation    *fhir.ValidationReport `json:"validation,omitempty"`
	Enrichment    *enrichment.Fields     `json:"enrichment,omitempty"`
	Anchor        *anchoring.Anchor      `json:"anchor,omitempty"`
	VisitType     string                 `json:"visit_type,omitempty"`
	Title         string                 `json:"title,omitempty"`
	ExternalRef   string                 `json:"external_ref"`
	VersionID     int                    `json:"version_id"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// Reference is the FHIR-style reference under which the record is exposed.
func Reference(id uuid.UUID) string {
	return fhir.FormatReference(fhirmodels.ResourceDocumentReference, id.String())
}

// ToDocumentReference projects the record as a FHIR DocumentReference. The
// structured bundle itself is not embedded; consumers fetch it separately.
func (r *Record) ToDocumentReference() map[string]interface{} {
	versionID := r.VersionID
	if versionID == 0 {
		versionID = 1
	}
	result := map[string]interface{}{
		"resourceType": fhirmodels.ResourceDocumentReference,
		"id":           r.ID.String(),
		"status":       fhirmodels.DocStatusCurrent,
		"date":         r.CreatedAt.UTC().Format(time.RFC3339),
		"meta": fhir.Meta{
			VersionID:   fmt.Sprintf("%d", versionID),
			LastUpdated: r.UpdatedAt,
		},
		"identifier": []map[string]interface{}{
			{"system": "urn:recordintake:item", "value": r.ItemID},
			{"system": "urn:recordintake:fingerprint", "value": r.Fingerprint},
		},
	}
	if r.Title != "" {
		result["description"] = r.Title
	}
	if r.VisitType != "" {
		result["type"] = fhir.CodeableConcept{Text: r.VisitType}
	}

	var content []map[string]interface{}
	if r.BlobID != "" {
		content = append(content, map[string]interface{}{
			"attachment": map[string]interface{}{
				"url":   "/api/v1/records/" + r.ID.String() + "/content",
				"title": r.FileName,
			},
		})
	}
	if r.ExtractedText != "" {
		content = append(content, map[string]interface{}{
			"attachment": map[string]interface{}{
				"contentType": "text/plain",
				"title":       "extracted-text",
			},
		})
	}
	if len(content) > 0 {
		result["content"] = content
	}

	if r.Enrichment != nil {
		if r.Enrichment.Provider != "" {
			result["author"] = []fhir.Reference{{Display: r.Enrichment.Provider}}
		}
		if r.Enrichment.Institution != "" {
			result["custodian"] = fhir.Reference{Display: r.Enrichment.Institution}
		}
	}
	if r.Anchor != nil {
		result["securityLabel"] = []fhir.CodeableConcept{{
			Coding: []fhir.Coding{{System: "urn:recordintake:anchor", Code: r.Anchor.ExternalRef}},
			Text:   r.Anchor.ContentHash,
		}}
	}
	return result
}
