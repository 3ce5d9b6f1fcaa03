package master

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/voicegrid/licensing-service/internal/domain"
	"github.com/voicegrid/licensing-service/internal/ports"
)

const apiKeyHeader = "X-Internal-API-Key"

// Client talks to the license-issuing master server. The HTTP client carries
// a short absolute timeout distinct from the inbound request timeout so a
// slow master never stalls admission.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// licensePayload mirrors the master's fingerprint-lookup response. Feature
// flags arrive as a raw name map; they are folded into the typed set here,
// once, rather than on every read.
type licensePayload struct {
	LicenseID        string          `json:"license_id"`
	LicenseKey       string          `json:"license_key"`
	OrganizationName string          `json:"organization_name"`
	Status           string          `json:"status"`
	MaxUsers         int             `json:"max_users"`
	MaxWebphoneUsers int             `json:"max_webphone_users"`
	IssuedAt         time.Time       `json:"issued_at"`
	ExpiresAt        time.Time       `json:"expires_at"`
	Features         map[string]bool `json:"features"`
	LicenseTypeName  string          `json:"license_type_name"`
}

func (c *Client) FetchLicense(ctx context.Context, fingerprint string) (ports.MasterLicense, error) {
	endpoint := fmt.Sprintf("%s/licenses/fingerprint/%s", c.baseURL, url.PathEscape(fingerprint))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ports.MasterLicense{}, fmt.Errorf("%w: build request: %v", domain.ErrSyncUnavailable, err)
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Transport errors (refused, DNS, timeout) are always worth retrying.
		return ports.MasterLicense{}, &ports.RetryableError{
			Err: fmt.Errorf("%w: %v", domain.ErrSyncUnavailable, err),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		fetchErr := fmt.Errorf("%w: master returned %d", domain.ErrSyncUnavailable, resp.StatusCode)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return ports.MasterLicense{}, &ports.RetryableError{Err: fetchErr}
		}
		return ports.MasterLicense{}, fetchErr
	}

	var payload licensePayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return ports.MasterLicense{}, fmt.Errorf("%w: decode response: %v", domain.ErrSyncUnavailable, err)
	}
	return toMasterLicense(payload), nil
}

// NotifySessionActivity reports create/end events to the master. Best effort:
// the caller fires it in the background and delivery failure is only logged.
func (c *Client) NotifySessionActivity(ctx context.Context, activity ports.SessionActivity) error {
	body, err := json.Marshal(map[string]any{
		"action":        activity.Action,
		"session_id":    activity.SessionID.String(),
		"user_id":       activity.UserID,
		"feature":       string(activity.Feature),
		"current_users": activity.CurrentUsers,
		"occurred_at":   activity.OccurredAt,
	})
	if err != nil {
		return err
	}

	endpoint := c.baseURL + "/licenses/session-activity"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.WarnContext(ctx, "session activity notify failed",
			"module", "master",
			"layer", "adapter",
			"operation", "notify_session_activity",
			"outcome", "failure",
			"action", activity.Action,
			"error", err,
		)
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		c.logger.WarnContext(ctx, "session activity notify rejected",
			"module", "master",
			"layer", "adapter",
			"operation", "notify_session_activity",
			"outcome", "failure",
			"action", activity.Action,
			"status_code", resp.StatusCode,
		)
	}
	return nil
}

func toMasterLicense(payload licensePayload) ports.MasterLicense {
	features := domain.FeatureSet{}
	for _, known := range domain.KnownFeatures {
		if enabled, ok := payload.Features[string(known)]; ok {
			features[known] = enabled
		}
	}
	maxWebphone := payload.MaxWebphoneUsers
	if maxWebphone > payload.MaxUsers {
		maxWebphone = payload.MaxUsers
	}
	return ports.MasterLicense{
		MasterLicenseID:  payload.LicenseID,
		LicenseKey:       payload.LicenseKey,
		OrganizationName: payload.OrganizationName,
		Status:           domain.LicenseStatus(payload.Status),
		MaxUsers:         payload.MaxUsers,
		MaxWebphoneUsers: maxWebphone,
		IssuedAt:         payload.IssuedAt,
		ExpiresAt:        payload.ExpiresAt,
		Features:         features,
		LicenseTypeName:  payload.LicenseTypeName,
	}
}
