package model

import "slices"

// SessionToken is the first-party credential issued by the backend. The
// client treats it as opaque.
type SessionToken = string

type Role = string

const RoleDriver Role = "DRIVER"

// IdentityAssertion is the parsed result of an external sign-in. It is
// exchanged once for a SessionToken and never persisted.
type IdentityAssertion struct {
	ExternalID    string
	Email         string
	DisplayName   string
	ProviderToken string
}

type Station struct {
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// UserProfile is stored under the userAdditionalInfo key and returned (in
// part) by GET /api/auth/user.
type UserProfile struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Email          string `json:"email"`
	Role           Role   `json:"role"`
	OrganizationID string `json:"organizationId"`

	LicenseNumber     string `json:"licenseNumber,omitempty"`
	LicenseType       string `json:"licenseType,omitempty"`
	LicenseExpiryDate string `json:"licenseExpiryDate,omitempty"`
	PhoneNumber       string `json:"phoneNumber,omitempty"`

	Stations []Station `json:"stations,omitempty"`
}

// Clone returns a deep copy so snapshots handed to callers can't alias
// the machine's copy.
func (p *UserProfile) Clone() *UserProfile {
	if p == nil {
		return nil
	}
	c := *p
	c.Stations = slices.Clone(p.Stations)
	return &c
}

// HasDriverDetails reports whether any of the driver-specific fields are set.
func (p *UserProfile) HasDriverDetails() bool {
	return p.LicenseNumber != "" || p.LicenseType != "" || p.LicenseExpiryDate != "" || p.PhoneNumber != ""
}

// MergeDriverDetails copies the driver-specific fields from src into p when
// p has none of its own. The backend doesn't always echo them back, so the
// locally cached copy fills the gap.
func (p *UserProfile) MergeDriverDetails(src *UserProfile) {
	if src == nil || p.HasDriverDetails() {
		return
	}
	p.LicenseNumber = src.LicenseNumber
	p.LicenseType = src.LicenseType
	p.LicenseExpiryDate = src.LicenseExpiryDate
	p.PhoneNumber = src.PhoneNumber
	if len(p.Stations) == 0 {
		p.Stations = slices.Clone(src.Stations)
	}
}
