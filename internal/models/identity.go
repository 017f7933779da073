package models

import "time"

// DeviceIdentity is the cloud-assigned identity of this device.
// It is immutable once resolved.
type DeviceIdentity struct {
	WorkspaceID string
	DeviceID    string
	Resolved    bool
}

// RegistrationToken authenticates the device after provisioning has been
// approved. A zero ExpiresAt means the token never expires.
type RegistrationToken struct {
	Token     string
	ExpiresAt time.Time
}

// Expired reports whether the token is past its expiration time.
func (t RegistrationToken) Expired() bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return t.ExpiresAt.Before(time.Now())
}
