package store

import (
	"database/sql"
	"time"

	sdkerrors "github.com/spotflow-io/device-sdk-go/internal/errors"
	"github.com/spotflow-io/device-sdk-go/internal/models"
)

// Config is the persisted SDK configuration row. It ties the store file to
// the credentials it was provisioned with, so a credential change on the
// same path triggers re-provisioning instead of silently reusing the old
// registration.
type Config struct {
	InstanceURL       string
	ProvisioningToken string
	RegistrationToken models.RegistrationToken
	RequestedDeviceID string
	Identity          models.DeviceIdentity
}

// LoadConfig reads the configuration row. A freshly initialized store
// returns a zero-valued Config.
func (s *Store) LoadConfig() (*Config, error) {
	var cfg Config
	var rtExpiration sql.NullInt64
	err := s.db.QueryRow(
		`SELECT instance_url, provisioning_token, registration_token, rt_expiration,
		        requested_device_id, workspace_id, device_id
		 FROM sdk_configuration WHERE id = 0`,
	).Scan(&cfg.InstanceURL, &cfg.ProvisioningToken, &cfg.RegistrationToken.Token,
		&rtExpiration, &cfg.RequestedDeviceID, &cfg.Identity.WorkspaceID, &cfg.Identity.DeviceID)
	if err != nil {
		return nil, sdkerrors.Wrap(sdkerrors.ErrStorageCorrupt, "failed to load configuration", err)
	}
	if rtExpiration.Valid {
		cfg.RegistrationToken.ExpiresAt = time.UnixMilli(rtExpiration.Int64)
	}
	cfg.Identity.Resolved = cfg.Identity.DeviceID != ""
	return &cfg, nil
}

// SaveConnectionSettings persists the instance URL, provisioning token and
// requested device ID the store was opened with.
func (s *Store) SaveConnectionSettings(instanceURL, provisioningToken, requestedDeviceID string) error {
	_, err := s.db.Exec(
		`UPDATE sdk_configuration
		 SET instance_url = ?, provisioning_token = ?, requested_device_id = ?
		 WHERE id = 0`,
		instanceURL, provisioningToken, requestedDeviceID,
	)
	if err != nil {
		return sdkerrors.Wrap(sdkerrors.ErrStorageUnavailable, "failed to save connection settings", err)
	}
	return nil
}

// SaveIdentity persists the cloud-assigned workspace and device IDs.
func (s *Store) SaveIdentity(identity models.DeviceIdentity) error {
	_, err := s.db.Exec(
		"UPDATE sdk_configuration SET workspace_id = ?, device_id = ? WHERE id = 0",
		identity.WorkspaceID, identity.DeviceID,
	)
	if err != nil {
		return sdkerrors.Wrap(sdkerrors.ErrStorageUnavailable, "failed to save device identity", err)
	}
	return nil
}

// SaveRegistrationToken persists the registration token and its expiration.
func (s *Store) SaveRegistrationToken(token models.RegistrationToken) error {
	var expiration any
	if !token.ExpiresAt.IsZero() {
		expiration = token.ExpiresAt.UnixMilli()
	}
	_, err := s.db.Exec(
		"UPDATE sdk_configuration SET registration_token = ?, rt_expiration = ? WHERE id = 0",
		token.Token, expiration,
	)
	if err != nil {
		return sdkerrors.Wrap(sdkerrors.ErrStorageUnavailable, "failed to save registration token", err)
	}
	return nil
}

// ResetProvisioning clears all provisioning state so the next start runs the
// provisioning flow from scratch. Queued messages are kept.
func (s *Store) ResetProvisioning() error {
	_, err := s.db.Exec(
		`UPDATE sdk_configuration
		 SET provisioning_token = '', registration_token = '', rt_expiration = NULL,
		     requested_device_id = '', workspace_id = '', device_id = ''
		 WHERE id = 0`,
	)
	if err != nil {
		return sdkerrors.Wrap(sdkerrors.ErrStorageUnavailable, "failed to reset provisioning state", err)
	}
	return nil
}
