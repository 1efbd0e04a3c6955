package fhirmodels

// Common FHIR value set constants used by the converter, enrichment and
// record projections.

// Resource types recognised inside an intake Bundle.
const (
	ResourceBundle            = "Bundle"
	ResourcePatient           = "Patient"
	ResourcePractitioner      = "Practitioner"
	ResourceOrganization      = "Organization"
	ResourceEncounter         = "Encounter"
	ResourceObservation       = "Observation"
	ResourceDiagnosticReport  = "DiagnosticReport"
	ResourceCondition         = "Condition"
	ResourceDocumentReference = "DocumentReference"
)

// Bundle.type codes.
const (
	BundleTypeCollection = "collection"
	BundleTypeDocument   = "document"
	BundleTypeSearchset  = "searchset"
)

// EncounterStatus values per FHIR R4.
const (
	EncounterStatusFinished = "finished"
	EncounterStatusUnknown  = "unknown"
)

// EncounterClass codes per FHIR R4 v3-ActCode.
const (
	EncounterClassAmbulatory = "AMB"
	EncounterClassEmergency  = "EMER"
	EncounterClassInpatient  = "IMP"
	EncounterClassVirtual    = "VR"
	EncounterClassSystem     = "http://terminology.hl7.org/CodeSystem/v3-ActCode"
)

// ObservationCategory codes.
const (
	ObsCategoryVitalSigns = "vital-signs"
	ObsCategoryLaboratory = "laboratory"
	ObsCategorySystem     = "http://terminology.hl7.org/CodeSystem/observation-category"
)

// ObservationStatus codes used when creating observations.
const (
	ObsStatusFinal       = "final"
	ObsStatusPreliminary = "preliminary"
)

// LOINC codes for the vital signs the rule-based converter recognises.
const (
	LOINCSystem            = "http://loinc.org"
	LOINCBloodPressure     = "85354-9"
	LOINCSystolic          = "8480-6"
	LOINCDiastolic         = "8462-4"
	LOINCHeartRate         = "8867-4"
	LOINCBodyTemperature   = "8310-5"
	LOINCBodyWeight        = "29463-7"
	LOINCClinicalNote      = "11506-3"
	UCUMSystem             = "http://unitsofmeasure.org"
	UnitMillimetersMercury = "mm[Hg]"
	UnitPerMinute          = "/min"
	UnitCelsius            = "Cel"
	UnitFahrenheit         = "[degF]"
	UnitKilogram           = "kg"
	UnitPound              = "[lb_av]"
)

// DocumentReference.status codes.
const (
	DocStatusCurrent    = "current"
	DocStatusSuperseded = "superseded"
)

// Visit type labels derived during enrichment.
const (
	VisitTypeDiagnosticReport  = "Diagnostic Report"
	VisitTypeLabResults        = "Lab Results"
	VisitTypeClinicalEncounter = "Clinical Encounter"
	VisitTypeMedicalRecord     = "Medical Record"
)
