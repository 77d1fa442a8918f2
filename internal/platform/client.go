// Package platform is the HTTP client for the hosted backend: projects,
// project files, shares, and marketplace listings.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/nexus-nebula/nebula/internal/config"
)

// Project kinds accepted by the backend.
const (
	KindWebapp    = "webapp"
	KindAPI       = "api"
	KindComponent = "component"
	KindImage     = "image"
	KindMixed     = "mixed"
)

// File payload limits enforced before upload, mirroring the backend.
const (
	MaxFilePathLength = 300
	MaxFileBytes      = 250_000
	MaxTotalBytes     = 2_000_000
)

var (
	// ErrNotFound indicates the requested resource does not exist or is not
	// owned by the caller.
	ErrNotFound = errors.New("resource not found")
	// ErrShareExpired indicates the share link has passed its expiry.
	ErrShareExpired = errors.New("share expired")
)

// APIError is a non-2xx backend response.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	detail := strings.TrimSpace(e.Detail)
	if detail == "" {
		detail = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, detail)
}

// Unwrap maps well-known status codes onto sentinel errors.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusGone:
		return ErrShareExpired
	default:
		return nil
	}
}

// Project is one generated project row.
type Project struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Kind      string `json:"kind"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Preview references the project's latest generated artifacts.
type Preview struct {
	ArtifactID        string   `json:"artifact_id"`
	ArtifactSignedURL string   `json:"artifact_signed_url"`
	ImageURLs         []string `json:"image_urls"`
	ReviewNotes       string   `json:"review_notes"`
	ReviewPassed      *bool    `json:"review_passed"`
}

// ProjectFiles is a project's editable file set plus preview references.
type ProjectFiles struct {
	Project Project           `json:"project"`
	Files   map[string]string `json:"files"`
	Preview Preview           `json:"preview"`
}

// Share is a public preview link.
type Share struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	ProjectID string `json:"project_id"`
	CreatedAt string `json:"created_at"`
	ExpiresAt string `json:"expires_at"`
}

// SharedPreview is the public view behind a share link.
type SharedPreview struct {
	Share Share             `json:"share"`
	Files map[string]string `json:"files"`
}

// Listing is one marketplace listing.
type Listing struct {
	ID          string `json:"id"`
	ArtifactID  string `json:"artifact_id"`
	SellerID    string `json:"seller_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	PriceCents  int    `json:"price_cents"`
	Currency    string `json:"currency"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
}

// CreateShareRequest describes a new public preview link.
type CreateShareRequest struct {
	ProjectID string `json:"project_id"`
	Title     string `json:"title,omitempty"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

// CreateListingRequest describes a new marketplace listing.
type CreateListingRequest struct {
	ArtifactID  string `json:"artifact_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	PriceCents  int    `json:"price_cents"`
	Currency    string `json:"currency,omitempty"`
}

// Option configures Client construction.
type Option func(*Client)

// WithHTTPClient configures the HTTP client used for backend requests.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(client *Client) {
		if httpClient != nil {
			client.httpClient = httpClient
		}
	}
}

// WithLogger configures the structured logger used for request diagnostics.
func WithLogger(logger *log.Logger) Option {
	return func(client *Client) {
		if logger != nil {
			client.logger = logger
		}
	}
}

// Client talks to the hosted backend. The bearer token is resolved once at
// construction.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *log.Logger
}

// NewClient builds a backend client from config.
func NewClient(cfg *config.Config, options ...Option) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BackendURL), "/")
	if baseURL == "" {
		return nil, errors.New("backend url is required")
	}

	client := &Client{
		baseURL:    baseURL,
		token:      cfg.Token(),
		httpClient: &http.Client{},
		logger:     log.Default(),
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(client)
	}
	return client, nil
}

// ListProjects returns the caller's projects, newest first.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var response struct {
		Projects []Project `json:"projects"`
	}
	if err := c.do(ctx, http.MethodGet, "/projects", nil, &response); err != nil {
		return nil, err
	}
	return response.Projects, nil
}

// GetProject returns one project by id.
func (c *Client) GetProject(ctx context.Context, projectID string) (*Project, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, errors.New("project id is required")
	}

	var response struct {
		Project Project `json:"project"`
	}
	if err := c.do(ctx, http.MethodGet, "/projects/"+projectID, nil, &response); err != nil {
		return nil, err
	}
	return &response.Project, nil
}

// GetProjectFiles returns a project's file set and preview references.
func (c *Client) GetProjectFiles(ctx context.Context, projectID string) (*ProjectFiles, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, errors.New("project id is required")
	}

	var response ProjectFiles
	if err := c.do(ctx, http.MethodGet, "/projects/"+projectID+"/files", nil, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// PutProjectFiles replaces a project's file set. The payload is validated
// locally before upload.
func (c *Client) PutProjectFiles(ctx context.Context, projectID string, files map[string]string) error {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return errors.New("project id is required")
	}
	if err := ValidateFiles(files); err != nil {
		return err
	}

	payload := map[string]map[string]string{"files": files}
	return c.do(ctx, http.MethodPut, "/projects/"+projectID+"/files", payload, nil)
}

// CreateShare publishes a public preview link for a project.
func (c *Client) CreateShare(ctx context.Context, request CreateShareRequest) (*Share, error) {
	if strings.TrimSpace(request.ProjectID) == "" {
		return nil, errors.New("project id is required")
	}

	var response struct {
		Share Share `json:"share"`
	}
	if err := c.do(ctx, http.MethodPost, "/shares", request, &response); err != nil {
		return nil, err
	}
	return &response.Share, nil
}

// GetShare resolves a public share link. Expired shares return
// ErrShareExpired.
func (c *Client) GetShare(ctx context.Context, shareID string) (*SharedPreview, error) {
	shareID = strings.TrimSpace(shareID)
	if shareID == "" {
		return nil, errors.New("share id is required")
	}

	var response SharedPreview
	if err := c.do(ctx, http.MethodGet, "/shares/"+shareID, nil, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// ListMarketplace returns active marketplace listings, newest first.
func (c *Client) ListMarketplace(ctx context.Context) ([]Listing, error) {
	var response struct {
		Listings []Listing `json:"listings"`
	}
	if err := c.do(ctx, http.MethodGet, "/marketplace/listings", nil, &response); err != nil {
		return nil, err
	}
	return response.Listings, nil
}

// CreateListing publishes an owned artifact to the marketplace.
func (c *Client) CreateListing(ctx context.Context, request CreateListingRequest) (*Listing, error) {
	if strings.TrimSpace(request.ArtifactID) == "" || strings.TrimSpace(request.Title) == "" {
		return nil, errors.New("artifact id and title are required")
	}
	if request.PriceCents < 0 {
		return nil, errors.New("price must be >= 0")
	}

	var response struct {
		Listing Listing `json:"listing"`
	}
	if err := c.do(ctx, http.MethodPost, "/marketplace/listings", request, &response); err != nil {
		return nil, err
	}
	return &response.Listing, nil
}

// ValidateFiles enforces the backend's file payload limits: string paths
// without traversal, bounded per-file and total sizes.
func ValidateFiles(files map[string]string) error {
	total := 0
	for path, content := range files {
		if len(path) > MaxFilePathLength || strings.Contains(path, "..") || strings.HasPrefix(path, "/") {
			return fmt.Errorf("invalid path: %q", path)
		}
		size := len(content)
		if size > MaxFileBytes {
			return fmt.Errorf("file too large: %q (%d bytes)", path, size)
		}
		total += size
	}
	if total > MaxTotalBytes {
		return fmt.Errorf("total files payload too large: %d bytes", total)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	if c == nil {
		return errors.New("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		_ = response.Body.Close()
	}()

	payload, err := io.ReadAll(response.Body)
	if err != nil {
		return fmt.Errorf("read %s %s response: %w", method, path, err)
	}

	if response.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: response.StatusCode}
		var detail struct {
			Detail string `json:"detail"`
		}
		if json.Unmarshal(payload, &detail) == nil {
			apiErr.Detail = detail.Detail
		}
		c.logger.With("method", method, "path", path, "status", response.StatusCode).Warn("backend request failed")
		return fmt.Errorf("%s %s: %w", method, path, apiErr)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}
