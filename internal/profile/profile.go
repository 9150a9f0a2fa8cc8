// Package profile validates and persists the driver-specific details that
// gate access to the main application.
package profile

import (
	"context"
	"fmt"
	"strings"

	"github.com/lachlan2k/busline/internal/autherr"
	"github.com/lachlan2k/busline/internal/model"
)

type Field string

const (
	FieldLicenseNumber     Field = "licenseNumber"
	FieldLicenseType       Field = "licenseType"
	FieldLicenseExpiryDate Field = "licenseExpiryDate"
	FieldPhoneNumber       Field = "phoneNumber"
)

// Fields is what the driver types into the onboarding form.
type Fields struct {
	LicenseNumber     string
	LicenseType       string
	LicenseExpiryDate string
	PhoneNumber       string
}

// ValidatedProfile can only be produced by Validate.
type ValidatedProfile struct {
	fields Fields
}

func (v ValidatedProfile) Fields() Fields {
	return v.fields
}

// ApplyTo copies the validated fields onto a profile.
func (v ValidatedProfile) ApplyTo(p *model.UserProfile) {
	p.LicenseNumber = v.fields.LicenseNumber
	p.LicenseType = v.fields.LicenseType
	p.LicenseExpiryDate = v.fields.LicenseExpiryDate
	p.PhoneNumber = v.fields.PhoneNumber
}

type FieldError struct {
	Field   Field
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// FieldErrors is every problem found in one Validate call.
type FieldErrors []FieldError

func (e FieldErrors) Error() string {
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fe.Error()
	}
	return "invalid profile: " + strings.Join(parts, ", ")
}

func (e FieldErrors) FieldMessages() []string {
	msgs := make([]string, len(e))
	for i, fe := range e {
		msgs[i] = fe.Message
	}
	return msgs
}

var requiredFields = []struct {
	field   Field
	message string
	value   func(Fields) string
}{
	{FieldLicenseNumber, "Please enter your license number.", func(f Fields) string { return f.LicenseNumber }},
	{FieldLicenseType, "Please enter your license type.", func(f Fields) string { return f.LicenseType }},
	{FieldLicenseExpiryDate, "Please enter your license expiry date.", func(f Fields) string { return f.LicenseExpiryDate }},
	{FieldPhoneNumber, "Please enter your phone number.", func(f Fields) string { return f.PhoneNumber }},
}

// Validate trims every field and reports one FieldError per field left
// empty. It never stops at the first problem.
func Validate(f Fields) (ValidatedProfile, FieldErrors) {
	trimmed := Fields{
		LicenseNumber:     strings.TrimSpace(f.LicenseNumber),
		LicenseType:       strings.TrimSpace(f.LicenseType),
		LicenseExpiryDate: strings.TrimSpace(f.LicenseExpiryDate),
		PhoneNumber:       strings.TrimSpace(f.PhoneNumber),
	}

	var errs FieldErrors
	for _, req := range requiredFields {
		if req.value(trimmed) == "" {
			errs = append(errs, FieldError{Field: req.field, Message: req.message})
		}
	}
	if len(errs) > 0 {
		return ValidatedProfile{}, errs
	}
	return ValidatedProfile{fields: trimmed}, nil
}

// IsComplete re-derives completeness from the profile itself. A license
// number is the only thing that counts.
func IsComplete(p *model.UserProfile) bool {
	return p != nil && strings.TrimSpace(p.LicenseNumber) != ""
}

// ProfileWriter is the slice of the credential store the gate needs.
type ProfileWriter interface {
	SetProfile(ctx context.Context, profile *model.UserProfile) error
}

type Gate struct {
	store ProfileWriter
}

func NewGate(store ProfileWriter) *Gate {
	return &Gate{store: store}
}

// Save validates fields, applies them to a copy of base and persists the
// result. base itself is left untouched.
func (g *Gate) Save(ctx context.Context, base *model.UserProfile, f Fields) (*model.UserProfile, error) {
	validated, errs := Validate(f)
	if errs != nil {
		return nil, autherr.Wrap(autherr.KindValidation, "save profile", errs)
	}

	updated := base.Clone()
	if updated == nil {
		updated = new(model.UserProfile)
	}
	validated.ApplyTo(updated)

	// The write must finish once started, or the stored profile and the
	// in-memory one disagree
	if err := g.store.SetProfile(context.WithoutCancel(ctx), updated); err != nil {
		return nil, err
	}
	return updated, nil
}
