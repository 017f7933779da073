package models

import "time"

// ProvisioningOperation is the summary of an ongoing provisioning operation.
// The verification code is displayed to the operator who approves the
// operation out of band; the SDK only polls for the outcome.
type ProvisioningOperation struct {
	ID               string
	VerificationCode string
	ExpirationTime   time.Time
}

// Expired reports whether the operation is past its expiration time.
func (o ProvisioningOperation) Expired() bool {
	if o.ExpirationTime.IsZero() {
		return false
	}
	return o.ExpirationTime.Before(time.Now())
}
