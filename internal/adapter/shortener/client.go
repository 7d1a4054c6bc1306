// Package shortener talks to the external short-link service that issues
// the QR targets, caching its bearer token between calls.
package shortener

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const requestTimeout = 15 * time.Second

type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	log      *slog.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewClient(baseURL, username, password string, log *slog.Logger) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		http:     &http.Client{Timeout: requestTimeout},
		log:      log,
	}
}

type loginResponse struct {
	AccessToken string `json:"accessToken"`
	ExpiresIn   int    `json:"expiresIn"`
}

type createResponse struct {
	Slug string `json:"slug"`
}

func (c *Client) CreateShortLink(ctx context.Context, longURL, name string) (string, string, error) {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return "", "", err
	}

	form := url.Values{
		"name": {name},
		"url":  {longURL},
	}

	resp, err := c.postForm(ctx, "/admin/shorten", form, token)
	if err != nil {
		return "", "", err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		c.log.Warn("shortener token rejected, re-authenticating")
		c.invalidateToken()
		token, err = c.ensureToken(ctx)
		if err != nil {
			return "", "", err
		}
		resp, err = c.postForm(ctx, "/admin/shorten", form, token)
		if err != nil {
			return "", "", err
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("shortener create: unexpected status %d", resp.StatusCode)
	}

	var out createResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", fmt.Errorf("shortener create: decode: %w", err)
	}
	if out.Slug == "" {
		return "", "", fmt.Errorf("shortener create: empty slug")
	}

	shortURL := c.baseURL + "/" + out.Slug
	c.log.Info("short link created", "slug", out.Slug)
	return out.Slug, shortURL, nil
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values, token string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("shortener request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("shortener request: %w", err)
	}
	return resp, nil
}

// ensureToken returns a cached token or logs in for a fresh one. The expiry
// keeps a 10% safety margin.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	form := url.Values{
		"username":   {c.username},
		"password":   {c.password},
		"grant_type": {"password"},
	}
	resp, err := c.postForm(ctx, "/auth/login", form, "")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("shortener login: unexpected status %d", resp.StatusCode)
	}

	var out loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("shortener login: decode: %w", err)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("shortener login: empty token")
	}

	margin := out.ExpiresIn * 9 / 10
	if margin < 1 {
		margin = 1
	}
	c.token = out.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(margin) * time.Second)
	c.log.Info("shortener login ok", "expires_in", out.ExpiresIn)
	return c.token, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	c.tokenExpiry = time.Time{}
}
