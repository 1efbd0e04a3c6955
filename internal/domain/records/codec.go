package records

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// jsonColumns holds the encoded JSON columns of a record. Both SQL backends
// store them as raw JSON bytes; NULL means absent.
type jsonColumns struct {
	structured, validation, enrichment, anchor []byte
}

func encodeJSON(v interface{}, isNil bool) ([]byte, error) {
	if isNil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encoding json column")
	}
	return b, nil
}

func (r *Record) encodeColumns() (jsonColumns, error) {
	var c jsonColumns
	var err error
	if c.structured, err = encodeJSON(r.Structured, r.Structured == nil); err != nil {
		return c, err
	}
	if c.validation, err = encodeJSON(r.Validation, r.Validation == nil); err != nil {
		return c, err
	}
	if c.enrichment, err = encodeJSON(r.Enrichment, r.Enrichment == nil); err != nil {
		return c, err
	}
	if c.anchor, err = encodeJSON(r.Anchor, r.Anchor == nil); err != nil {
		return c, err
	}
	return c, nil
}

func (r *Record) decodeColumns(c jsonColumns) error {
	decode := func(b []byte, into interface{}) error {
		if len(b) == 0 || string(b) == "null" {
			return nil
		}
		return errors.Wrap(json.Unmarshal(b, into), "decoding json column")
	}
	if err := decode(c.structured, &r.Structured); err != nil {
		return err
	}
	if err := decode(c.validation, &r.Validation); err != nil {
		return err
	}
	if err := decode(c.enrichment, &r.Enrichment); err != nil {
		return err
	}
	return decode(c.anchor, &r.Anchor)
}
