// Package validator 提供统一的参数校验和错误转换
package validator

import (
	"errors"

	"github.com/KOMKZ/go-yogan-quota/errcode"
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Validatable 可校验接口
type Validatable interface {
	Validate() error
}

// ValidateRequest runs req.Validate and converts ozzo errors into base carrying a "fields" map.
// Non-validation errors are returned unchanged.
func ValidateRequest(req Validatable, base *errcode.LayeredError) error {
	err := req.Validate()
	if err == nil {
		return nil
	}

	var validationErrs validation.Errors
	if errors.As(err, &validationErrs) {
		return ConvertValidationError(validationErrs, base)
	}
	return err
}

// ConvertValidationError 将 ozzo-validation 错误转换为 LayeredError
func ConvertValidationError(validationErrs validation.Errors, base *errcode.LayeredError) error {
	fields := make(map[string]string, len(validationErrs))
	for field, fieldErr := range validationErrs {
		if fieldErr != nil {
			fields[field] = fieldErr.Error()
		}
	}
	return base.WithData("fields", fields).Wrap(validationErrs)
}
