package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/canopyworks/custody/internal/apperr"
	"github.com/canopyworks/custody/internal/models"
	"github.com/google/uuid"
)

// DirectoryResolver resolves badges against a remote member directory:
//
//	GET {base}/members/by-credential/{fingerprint}
//
// 200 returns {"id", "display_name", "disabled"}; 404 means the badge is unknown.
type DirectoryResolver struct {
	baseURL *url.URL
	client  *http.Client
}

func NewDirectoryResolver(baseURL string, client *http.Client) (*DirectoryResolver, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid directory URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("directory URL must be http or https, got %q", baseURL)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &DirectoryResolver{baseURL: u, client: client}, nil
}

type directoryMember struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"display_name"`
	Disabled    bool      `json:"disabled"`
}

func (r *DirectoryResolver) Resolve(ctx context.Context, fingerprint string) (*models.Member, error) {
	endpoint := r.baseURL.JoinPath("members", "by-credential", fingerprint)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build directory request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory lookup failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, apperr.New(apperr.UnknownIdentity, "no member holds this badge")
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("directory lookup returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var dm directoryMember
	if err := json.NewDecoder(resp.Body).Decode(&dm); err != nil {
		return nil, fmt.Errorf("failed to decode directory member: %w", err)
	}
	if dm.ID == uuid.Nil {
		return nil, fmt.Errorf("directory returned a member without an id")
	}
	if dm.Disabled {
		return nil, apperr.New(apperr.UnknownIdentity, "member %s is disabled", dm.ID)
	}

	return &models.Member{ID: dm.ID, DisplayName: dm.DisplayName, Credentials: []string{fingerprint}}, nil
}
