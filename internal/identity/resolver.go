// Package identity tracks the cloud-assigned device identity. Until
// provisioning and registration finish, lookups answer NOT_READY; after a
// terminal provisioning failure they answer with that failure's code.
package identity

import (
	"sync"

	sdkerrors "github.com/spotflow-io/device-sdk-go/internal/errors"
	"github.com/spotflow-io/device-sdk-go/internal/models"
)

// Resolver hands out the device identity once it is known.
type Resolver struct {
	mu       sync.RWMutex
	identity models.DeviceIdentity
	fatal    error
}

// New creates an unresolved resolver.
func New() *Resolver {
	return &Resolver{}
}

// Preload seeds the resolver with an identity restored from the local store.
func (r *Resolver) Preload(identity models.DeviceIdentity) {
	if !identity.Resolved {
		return
	}
	r.mu.Lock()
	r.identity = identity
	r.mu.Unlock()
}

// Resolve records the identity assigned by the platform. The identity is
// immutable once set; later calls are ignored.
func (r *Resolver) Resolve(identity models.DeviceIdentity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.identity.Resolved {
		return
	}
	identity.Resolved = true
	r.identity = identity
	r.fatal = nil
}

// Fail records a terminal resolution failure. Lookups return err from now
// on instead of NOT_READY. A failure after a successful resolution is
// ignored.
func (r *Resolver) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.identity.Resolved {
		return
	}
	r.fatal = err
}

// Resolved reports whether the identity is known.
func (r *Resolver) Resolved() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.identity.Resolved
}

// DeviceID returns the cloud-assigned device ID. While resolution is in
// progress it returns a NOT_READY error; after a terminal failure it
// returns that failure.
func (r *Resolver) DeviceID() (string, error) {
	identity, err := r.lookup()
	if err != nil {
		return "", err
	}
	return identity.DeviceID, nil
}

// WorkspaceID returns the workspace the device was provisioned into, with
// the same readiness semantics as DeviceID.
func (r *Resolver) WorkspaceID() (string, error) {
	identity, err := r.lookup()
	if err != nil {
		return "", err
	}
	return identity.WorkspaceID, nil
}

func (r *Resolver) lookup() (models.DeviceIdentity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.identity.Resolved {
		return r.identity, nil
	}
	if r.fatal != nil {
		return models.DeviceIdentity{}, r.fatal
	}
	return models.DeviceIdentity{}, sdkerrors.New(sdkerrors.ErrNotReady, "device identity is not resolved yet")
}
