package util

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// UnmarshalAndValidate decodes JSON (or any value marshalled to JSON first)
// into a T and validates it against the struct tags of T. A nil validate
// uses validator.New().
func UnmarshalAndValidate[T any](obj interface{}, validate *validator.Validate) (*T, error) {
	var err error
	var asJson []byte
	asJson, ok := obj.([]byte)
	if !ok {
		asJson, err = json.Marshal(obj)
		if err != nil {
			return nil, err
		}
	}
	var result T
	err = json.Unmarshal(asJson, &result)
	if err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	if validate == nil {
		validate = validator.New()
	}
	err = validate.Struct(result)
	if err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	return &result, nil
}
