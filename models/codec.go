package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidRecord is returned when a document fails to decode or validate.
var ErrInvalidRecord = errors.New("models: invalid record")

var validate = validator.New()

// Validate checks v against its struct tags.
func Validate(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %T: %v", ErrInvalidRecord, v, err)
	}
	return nil
}

// Encode validates v and returns its JSON form.
func Encode(v any) (json.RawMessage, error) {
	if err := Validate(v); err != nil {
		return nil, err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %T: %v", ErrInvalidRecord, v, err)
	}
	return data, nil
}

// Decode parses data into v, rejecting unknown fields, and validates the
// result so missing required fields fail here rather than defaulting.
func Decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %T: %v", ErrInvalidRecord, v, err)
	}
	return Validate(v)
}
