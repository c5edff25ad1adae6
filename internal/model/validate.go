package model

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
)

// validate checks record completeness. Email carries the field rules in
// its struct tags; the recipient rule spans three fields and is registered
// as a struct-level check.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("notblank", validators.NotBlank); err != nil {
		panic(err)
	}
	v.RegisterStructValidation(hasRecipient, Email{})
	return v
}

// hasRecipient requires at least one non-blank address across To, Cc and Bcc.
func hasRecipient(sl validator.StructLevel) {
	e := sl.Current().Interface().(Email)
	for _, r := range e.Recipients() {
		if strings.TrimSpace(r) != "" {
			return
		}
	}
	sl.ReportError(e.To, "To", "To", "recipient", "")
}

// Validate returns the completeness violations of e, or nil.
func (e Email) Validate() error {
	return validate.Struct(e)
}

// IsComplete reports whether e has a UID, a sender and at least one
// recipient. Only complete emails are admitted from a download.
func (e Email) IsComplete() bool {
	return e.Validate() == nil
}
