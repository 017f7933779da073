package cloud

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	sdkerrors "github.com/spotflow-io/device-sdk-go/internal/errors"
	"github.com/spotflow-io/device-sdk-go/internal/logging"
	"github.com/spotflow-io/device-sdk-go/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const requestTimeout = 30 * time.Second

// HTTPClient is the production API implementation.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	logger  *logging.Logger

	mu           sync.RWMutex
	registration *Registration
	token        models.RegistrationToken
}

// NewHTTPClient creates a client for the platform instance at baseURL,
// e.g. "https://api.eu1.spotflow.io".
func NewHTTPClient(baseURL string, logger *logging.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: requestTimeout},
		logger:  logger,
	}
}

// UseRegistration stores the registration used to authenticate data-plane
// requests. RegisterDevice calls this on success; restored sessions call it
// directly after loading persisted state.
func (c *HTTPClient) UseRegistration(reg *Registration, token models.RegistrationToken) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registration = reg
	c.token = token
}

func (c *HTTPClient) session() (*Registration, models.RegistrationToken, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.registration == nil {
		return nil, models.RegistrationToken{}, sdkerrors.New(sdkerrors.ErrNotReady, "device is not registered yet")
	}
	return c.registration, c.token, nil
}

type initProvisioningRequest struct {
	ProvisioningToken string `json:"provisioningToken"`
	RequestedDeviceID string `json:"requestedDeviceId,omitempty"`
}

type initProvisioningResponse struct {
	OperationID      string    `json:"operationId"`
	VerificationCode string    `json:"verificationCode"`
	ExpirationTime   time.Time `json:"expirationTime"`
}

func (c *HTTPClient) InitProvisioning(ctx context.Context, provisioningToken, requestedDeviceID string) (*models.ProvisioningOperation, error) {
	var resp initProvisioningResponse
	status, err := c.postJSON(ctx, "/provisioning-operations/init", "", initProvisioningRequest{
		ProvisioningToken: provisioningToken,
		RequestedDeviceID: requestedDeviceID,
	}, &resp)
	if err != nil {
		return nil, err
	}

	switch status {
	case http.StatusOK, http.StatusCreated:
		return &models.ProvisioningOperation{
			ID:               resp.OperationID,
			VerificationCode: resp.VerificationCode,
			ExpirationTime:   resp.ExpirationTime,
		}, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, sdkerrors.New(sdkerrors.ErrProvisioningRejected, "provisioning token was rejected by the platform")
	default:
		return nil, unexpectedStatus("init provisioning", status)
	}
}

type completeProvisioningRequest struct {
	ProvisioningToken string `json:"provisioningToken"`
	OperationID       string `json:"operationId"`
}

type completeProvisioningResponse struct {
	RegistrationToken string     `json:"registrationToken"`
	ExpirationTime    *time.Time `json:"expirationTime,omitempty"`
	CloseReason       string     `json:"closeReason,omitempty"`
}

func (c *HTTPClient) CompleteProvisioning(ctx context.Context, provisioningToken, operationID string) (*models.RegistrationToken, error) {
	var resp completeProvisioningResponse
	status, err := c.postJSON(ctx, "/provisioning-operations/complete", "", completeProvisioningRequest{
		ProvisioningToken: provisioningToken,
		OperationID:       operationID,
	}, &resp)
	if err != nil {
		return nil, err
	}

	switch status {
	case http.StatusOK:
		token := models.RegistrationToken{Token: resp.RegistrationToken}
		if resp.ExpirationTime != nil {
			token.ExpiresAt = *resp.ExpirationTime
		}
		return &token, nil
	case http.StatusAccepted:
		return nil, ErrOperationPending
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, sdkerrors.New(sdkerrors.ErrProvisioningRejected, "provisioning token was rejected by the platform")
	case http.StatusGone:
		if resp.CloseReason == "Expired" {
			return nil, sdkerrors.New(sdkerrors.ErrProvisioningExpired, "provisioning operation has expired")
		}
		return nil, sdkerrors.Newf(sdkerrors.ErrProvisioningRejected,
			"provisioning operation was closed (%s)", closeReasonOrDefault(resp.CloseReason))
	default:
		return nil, unexpectedStatus("complete provisioning", status)
	}
}

func closeReasonOrDefault(reason string) string {
	if reason == "" {
		return "Other"
	}
	return reason
}

type registerDeviceRequest struct {
	RegistrationToken string `json:"registrationToken"`
}

type registerDeviceResponse struct {
	WorkspaceID string `json:"workspaceId"`
	DeviceID    string `json:"deviceId"`
}

func (c *HTTPClient) RegisterDevice(ctx context.Context, token models.RegistrationToken) (*Registration, error) {
	var resp registerDeviceResponse
	status, err := c.postJSON(ctx, "/devices/register", "", registerDeviceRequest{
		RegistrationToken: token.Token,
	}, &resp)
	if err != nil {
		return nil, err
	}

	switch status {
	case http.StatusOK:
		reg := &Registration{WorkspaceID: resp.WorkspaceID, DeviceID: resp.DeviceID}
		c.UseRegistration(reg, token)
		return reg, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, sdkerrors.New(sdkerrors.ErrProvisioningExpired, "registration token was rejected by the platform")
	default:
		return nil, unexpectedStatus("register device", status)
	}
}

func (c *HTTPClient) SendMessage(ctx context.Context, entry *models.QueueEntry, payload []byte) error {
	reg, token, err := c.session()
	if err != nil {
		return err
	}

	path := fmt.Sprintf("/workspaces/%s/devices/%s/streams/%s/%s/messages",
		url.PathEscape(reg.WorkspaceID), url.PathEscape(reg.DeviceID),
		url.PathEscape(entry.StreamGroup), url.PathEscape(entry.Stream))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return sdkerrors.Wrap(sdkerrors.ErrCloudError, "failed to build message request", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Authorization", "Bearer "+token.Token)
	if entry.BatchID != "" {
		req.Header.Set("X-Batch-Id", entry.BatchID)
	}
	if entry.MessageID != "" {
		req.Header.Set("X-Message-Id", entry.MessageID)
	}
	if entry.Compression != models.CompressionNone {
		req.Header.Set("Content-Encoding", "zstd")
	}

	status, err := c.do(req, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusAccepted && status != http.StatusNoContent {
		return unexpectedStatus("send message", status)
	}
	return nil
}

func (c *HTTPClient) SendBatchCompletion(ctx context.Context, entry *models.QueueEntry) error {
	reg, token, err := c.session()
	if err != nil {
		return err
	}

	path := fmt.Sprintf("/workspaces/%s/devices/%s/streams/%s/%s/batches/%s/complete",
		url.PathEscape(reg.WorkspaceID), url.PathEscape(reg.DeviceID),
		url.PathEscape(entry.StreamGroup), url.PathEscape(entry.Stream), url.PathEscape(entry.BatchID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return sdkerrors.Wrap(sdkerrors.ErrCloudError, "failed to build batch completion request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.Token)

	status, err := c.do(req, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusAccepted && status != http.StatusNoContent {
		return unexpectedStatus("complete batch", status)
	}
	return nil
}

type desiredPropertiesResponse struct {
	Version  uint64              `json:"version"`
	Document jsoniter.RawMessage `json:"document"`
}

func (c *HTTPClient) FetchDesiredProperties(ctx context.Context, afterVersion uint64) (*models.DesiredTwin, error) {
	reg, token, err := c.session()
	if err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/workspaces/%s/devices/%s/twin/desired?afterVersion=%d",
		url.PathEscape(reg.WorkspaceID), url.PathEscape(reg.DeviceID), afterVersion)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, sdkerrors.Wrap(sdkerrors.ErrCloudError, "failed to build desired properties request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.Token)

	var resp desiredPropertiesResponse
	status, err := c.do(req, &resp)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
		return &models.DesiredTwin{Version: resp.Version, Document: resp.Document}, nil
	case http.StatusNotModified, http.StatusNoContent:
		return nil, nil
	default:
		return nil, unexpectedStatus("fetch desired properties", status)
	}
}

type reportedPropertiesRequest struct {
	SubmissionID string              `json:"submissionId"`
	Document     jsoniter.RawMessage `json:"document"`
}

func (c *HTTPClient) SendReportedProperties(ctx context.Context, submissionID string, document []byte) error {
	reg, token, err := c.session()
	if err != nil {
		return err
	}

	path := fmt.Sprintf("/workspaces/%s/devices/%s/twin/reported",
		url.PathEscape(reg.WorkspaceID), url.PathEscape(reg.DeviceID))

	status, err := c.postJSON(ctx, path, token.Token, reportedPropertiesRequest{
		SubmissionID: submissionID,
		Document:     document,
	}, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusAccepted && status != http.StatusNoContent {
		return unexpectedStatus("send reported properties", status)
	}
	return nil
}

type c2dMessage struct {
	ID         string            `json:"id"`
	Content    []byte            `json:"content"`
	Properties map[string]string `json:"properties,omitempty"`
}

type c2dMessagesResponse struct {
	Messages []c2dMessage `json:"messages"`
}

func (c *HTTPClient) FetchC2DMessages(ctx context.Context) ([]C2DEnvelope, error) {
	reg, token, err := c.session()
	if err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/workspaces/%s/devices/%s/c2d/messages",
		url.PathEscape(reg.WorkspaceID), url.PathEscape(reg.DeviceID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, sdkerrors.Wrap(sdkerrors.ErrCloudError, "failed to build cloud-to-device request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.Token)

	var resp c2dMessagesResponse
	status, err := c.do(req, &resp)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
		envelopes := make([]C2DEnvelope, 0, len(resp.Messages))
		for _, m := range resp.Messages {
			envelopes = append(envelopes, C2DEnvelope{ID: m.ID, Content: m.Content, Properties: m.Properties})
		}
		return envelopes, nil
	case http.StatusNoContent:
		return nil, nil
	default:
		return nil, unexpectedStatus("fetch cloud-to-device messages", status)
	}
}

func (c *HTTPClient) AckC2DMessage(ctx context.Context, messageID string) error {
	reg, token, err := c.session()
	if err != nil {
		return err
	}

	path := fmt.Sprintf("/workspaces/%s/devices/%s/c2d/messages/%s/ack",
		url.PathEscape(reg.WorkspaceID), url.PathEscape(reg.DeviceID), url.PathEscape(messageID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return sdkerrors.Wrap(sdkerrors.ErrCloudError, "failed to build acknowledgment request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.Token)

	status, err := c.do(req, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusAccepted && status != http.StatusNoContent {
		return unexpectedStatus("acknowledge cloud-to-device message", status)
	}
	return nil
}

// postJSON sends a JSON body and decodes a JSON response when out is
// non-nil. It returns the HTTP status so callers can map domain statuses
// (202, 410, ...) themselves; transport failures come back as errors.
func (c *HTTPClient) postJSON(ctx context.Context, path, bearer string, body, out any) (int, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return 0, sdkerrors.Wrap(sdkerrors.ErrCloudError, "failed to encode request body", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return 0, sdkerrors.Wrap(sdkerrors.ErrCloudError, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	return c.do(req, out)
}

func (c *HTTPClient) do(req *http.Request, out any) (int, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, sdkerrors.Wrap(sdkerrors.ErrNetworkUnavailable, "request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, sdkerrors.Wrap(sdkerrors.ErrNetworkUnavailable, "failed to read response", err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		c.logger.Warn("platform returned server error", map[string]any{
			"status": resp.StatusCode,
			"path":   req.URL.Path,
		})
		return resp.StatusCode, sdkerrors.Newf(sdkerrors.ErrCloudError,
			"platform returned status %d", resp.StatusCode)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, sdkerrors.Wrap(sdkerrors.ErrCloudError, "failed to decode response", err)
		}
	}
	return resp.StatusCode, nil
}

func unexpectedStatus(operation string, status int) error {
	return sdkerrors.Newf(sdkerrors.ErrCloudError, "%s: unexpected status %d", operation, status)
}
