// Package anchoring decides whether a record needs a tamper-evidence anchor
// and creates one: a content hash, an optional signed attestation, and an
// external reference returned by a ledger.
package anchoring

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"

	"github.com/belrose/recordintake/internal/platform/fhir"
	"github.com/belrose/recordintake/pkg/fhirmodels"
)

// Policy selects which records are anchored.
type Policy string

const (
	PolicyNever      Policy = "never"
	PolicyStructured Policy = "structured"
	PolicyClinical   Policy = "clinical"
)

var (
	ErrNoRecord       = errors.New("no structured record to anchor")
	ErrNoSigningKey   = errors.New("no signing key configured")
	ErrInvalidAttest  = errors.New("attestation is invalid")
	ErrUnknownPolicy  = errors.New("unknown anchor policy")
	ErrLedgerRejected = errors.New("ledger rejected the anchor")
	ErrChainCorrupted = errors.New("ledger chain is corrupted")
)

// ParsePolicy maps a configuration value to a Policy. Empty means structured.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "":
		return PolicyStructured, nil
	case PolicyNever, PolicyStructured, PolicyClinical:
		return Policy(s), nil
	}
	return "", errors.WithHintf(ErrUnknownPolicy, "use one of %q, %q or %q", PolicyNever, PolicyStructured, PolicyClinical)
}

// Subject is what gets anchored.
type Subject struct {
	ItemID      string
	Record      fhir.Resource
	Fingerprint string
}

// SignerInfo identifies who requested the anchor.
type SignerInfo struct {
	Name string `json:"name"`
	Role string `json:"role,omitempty"`
}

// Anchor is the outcome of a successful anchoring step.
type Anchor struct {
	ContentHash string     `json:"contentHash"`
	ExternalRef string     `json:"externalRef"`
	Attestation string     `json:"attestation,omitempty"`
	Signer      SignerInfo `json:"signer"`
	AnchoredAt  time.Time  `json:"anchoredAt"`
}

// Ledger records content hashes and returns a reference to the entry.
type Ledger interface {
	Append(ctx context.Context, itemID, contentHash string) (string, error)
}

// Gate applies the anchoring policy and creates anchors.
type Gate struct {
	policy Policy
	key    []byte
	issuer string
	ledger Ledger
	now    func() time.Time
}

// NewGate creates a Gate. An empty signingKey skips attestation signing.
func NewGate(policy Policy, signingKey string, ledger Ledger) *Gate {
	if ledger == nil {
		ledger = NewLocalLedger()
	}
	return &Gate{
		policy: policy,
		key:    []byte(signingKey),
		issuer: "recordintake",
		ledger: ledger,
		now:    time.Now,
	}
}

func (g *Gate) Policy() Policy { return g.policy }

var clinicalTypes = map[string]bool{
	fhirmodels.ResourceEncounter:        true,
	fhirmodels.ResourceObservation:      true,
	fhirmodels.ResourceDiagnosticReport: true,
	fhirmodels.ResourceCondition:        true,
}

// NeedsAnchor reports whether subj should be anchored under the gate's policy.
func (g *Gate) NeedsAnchor(subj Subject) bool {
	if subj.Record == nil {
		return false
	}
	switch g.policy {
	case PolicyStructured:
		return true
	case PolicyClinical:
		for _, r := range fhir.Entries(subj.Record) {
			if clinicalTypes[fhir.ResourceType(r)] {
				return true
			}
		}
	}
	return false
}

// ContentHash returns the hex SHA-256 of the record's JSON encoding, ignoring
// the validation annotation so re-validation does not change the hash.
func ContentHash(record fhir.Resource) (string, error) {
	if record == nil {
		return "", ErrNoRecord
	}
	clean := make(fhir.Resource, len(record))
	for k, v := range record {
		if k != "_validation" {
			clean[k] = v
		}
	}
	data, err := json.Marshal(clean)
	if err != nil {
		return "", errors.Wrap(err, "encoding record for hashing")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

type attestationClaims struct {
	Hash        string `json:"hash"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Signer      string `json:"signer,omitempty"`
	jwt.RegisteredClaims
}

// CreateAnchor hashes the record, signs an attestation and appends the hash
// to the ledger.
func (g *Gate) CreateAnchor(ctx context.Context, subj Subject, signer SignerInfo) (*Anchor, error) {
	hash, err := ContentHash(subj.Record)
	if err != nil {
		return nil, err
	}
	now := g.now().UTC()

	var attestation string
	if len(g.key) > 0 {
		claims := attestationClaims{
			Hash:        hash,
			Fingerprint: subj.Fingerprint,
			Signer:      signer.Name,
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:  subj.ItemID,
				Issuer:   g.issuer,
				IssuedAt: jwt.NewNumericDate(now),
			},
		}
		attestation, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.key)
		if err != nil {
			return nil, errors.Wrap(err, "signing attestation")
		}
	}

	ref, err := g.ledger.Append(ctx, subj.ItemID, hash)
	if err != nil {
		return nil, errors.Wrap(err, "appending to ledger")
	}

	return &Anchor{
		ContentHash: hash,
		ExternalRef: ref,
		Attestation: attestation,
		Signer:      signer,
		AnchoredAt:  now,
	}, nil
}

// VerifyAttestation checks an attestation's signature and that it covers the
// given record.
func (g *Gate) VerifyAttestation(a *Anchor, record fhir.Resource) error {
	if len(g.key) == 0 {
		return ErrNoSigningKey
	}
	var claims attestationClaims
	_, err := jwt.ParseWithClaims(a.Attestation, &claims, func(*jwt.Token) (interface{}, error) {
		return g.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(g.issuer))
	if err != nil {
		return errors.Mark(errors.Wrap(err, "parsing attestation"), ErrInvalidAttest)
	}
	hash, err := ContentHash(record)
	if err != nil {
		return err
	}
	if claims.Hash != hash || claims.Hash != a.ContentHash {
		return errors.WithDetailf(ErrInvalidAttest, "attested hash %s does not match record hash %s", claims.Hash, hash)
	}
	return nil
}
