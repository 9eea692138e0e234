// Package ghsecrets is a client for the GitHub Actions repository secret
// store: it fetches the store's current encryption key and upserts encrypted
// secret values. Plaintext never crosses this package's API boundary toward
// the store.
package ghsecrets

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	cleanhttp "github.com/hashicorp/go-cleanhttp"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
)

var (
	// ErrAuth is returned when the store rejects the supplied token.
	ErrAuth = stderrors.New("secret store rejected the token")
	// ErrMalformedResponse is returned when the store's public-key response
	// lacks the key or its id.
	ErrMalformedResponse = stderrors.New("secret store returned a malformed response")
	// ErrPublishFailed is returned when a secret upsert is not acknowledged.
	ErrPublishFailed = stderrors.New("secret publish failed")
)

const defaultBaseURL = "https://api.github.com"

// RepoPublicKey is the store's current encryption key and its identifier.
// The two always originate from the same fetch; the id must accompany any
// ciphertext produced under the key.
type RepoPublicKey struct {
	Key   string `json:"key"`
	KeyID string `json:"key_id"`
}

// Client talks to the secret-store API. Transient transport failures are
// retried at this layer (bounded); callers never retry.
type Client struct {
	baseURL string
	token   string
	http    *retryablehttp.Client
}

// Option adjusts client construction.
type Option func(*Client)

// WithBaseURL points the client at a different API endpoint, used by tests
// and GitHub Enterprise installations.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithTimeout bounds each round-trip. Zero keeps the transport default.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.HTTPClient.Timeout = d
		}
	}
}

// NewClient builds a store client authenticated with the given token.
func NewClient(token string, opts ...Option) *Client {
	rc := retryablehttp.NewClient()
	rc.HTTPClient = cleanhttp.DefaultPooledClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 1 * time.Second
	rc.RetryWaitMax = 5 * time.Second
	rc.Logger = nil
	c := &Client{
		baseURL: defaultBaseURL,
		token:   token,
		http:    rc,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PublicKey fetches the repository's current encryption key. It must be
// called fresh for each value sealed; the returned key id identifies the
// private key the store will decrypt with.
func (c *Client) PublicKey(ctx context.Context, owner, repo string) (RepoPublicKey, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/actions/secrets/public-key", c.baseURL, owner, repo)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return RepoPublicKey{}, errors.Wrap(err, "build public-key request")
	}
	c.decorate(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return RepoPublicKey{}, errors.Wrap(err, "fetch public key")
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return RepoPublicKey{}, fmt.Errorf("%w: status %d: %s", ErrAuth, resp.StatusCode, storeMessage(body))
	default:
		return RepoPublicKey{}, fmt.Errorf("fetch public key: status %d: %s", resp.StatusCode, storeMessage(body))
	}

	var key RepoPublicKey
	if err := json.Unmarshal(body, &key); err != nil {
		return RepoPublicKey{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if key.Key == "" || key.KeyID == "" {
		return RepoPublicKey{}, fmt.Errorf("%w: missing key or key_id", ErrMalformedResponse)
	}
	return key, nil
}

// PutSecret upserts one named secret. The value must already be sealed; the
// key id names the fetch that produced the sealing key. Upsert semantics
// make repeat calls safe.
func (c *Client) PutSecret(ctx context.Context, owner, repo, name, encryptedValue, keyID string) error {
	payload, err := json.Marshal(map[string]string{
		"encrypted_value": encryptedValue,
		"key_id":          keyID,
	})
	if err != nil {
		return errors.Wrap(err, "encode secret payload")
	}
	url := fmt.Sprintf("%s/repos/%s/%s/actions/secrets/%s", c.baseURL, owner, repo, name)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, url, payload)
	if err != nil {
		return errors.Wrap(err, "build secret request")
	}
	c.decorate(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPublishFailed, name, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusNoContent:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s: status %d: %s", ErrAuth, name, resp.StatusCode, storeMessage(body))
	default:
		return fmt.Errorf("%w: %s: status %d: %s", ErrPublishFailed, name, resp.StatusCode, storeMessage(body))
	}
}

func (c *Client) decorate(req *retryablehttp.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github.v3+json")
}

// storeMessage extracts the store's error message for diagnostics, falling
// back to the raw body.
func storeMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return "(empty response)"
	}
	return trimmed
}
