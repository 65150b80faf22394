package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// AdminAPI resolves users through the auth platform's admin endpoint:
//
//	GET {base}/auth/v1/admin/users/{id}
//
// authenticated with the service key both as apikey header and bearer
// token. Successful lookups are cached for the lifetime of the resolver.
type AdminAPI struct {
	base       string
	serviceKey string
	client     *http.Client
	logger     *slog.Logger

	mu    sync.Mutex
	cache map[string]string
}

// NewAdminAPI returns a resolver for the platform at baseURL. A nil client
// uses one with a five second timeout.
func NewAdminAPI(baseURL, serviceKey string, client *http.Client, logger *slog.Logger) *AdminAPI {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminAPI{
		base:       strings.TrimRight(baseURL, "/"),
		serviceKey: serviceKey,
		client:     client,
		logger:     logger,
		cache:      make(map[string]string),
	}
}

type adminUser struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata"`
}

func (a *AdminAPI) ResolveDisplayName(ctx context.Context, userID string) string {
	if userID == "" {
		return userID
	}

	a.mu.Lock()
	name, ok := a.cache[userID]
	a.mu.Unlock()
	if ok {
		return name
	}

	u, err := a.fetch(ctx, userID)
	if err != nil {
		a.logger.Warn("resolving user via admin api", "user_id", userID, "error", err)
		return userID
	}
	name = u.Email
	if name == "" {
		if n, ok := u.UserMetadata["name"].(string); ok && n != "" {
			name = n
		}
	}
	if name == "" {
		return userID
	}

	a.mu.Lock()
	a.cache[userID] = name
	a.mu.Unlock()
	return name
}

func (a *AdminAPI) fetch(ctx context.Context, userID string) (*adminUser, error) {
	endpoint := a.base + "/auth/v1/admin/users/" + url.PathEscape(userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("apikey", a.serviceKey)
	req.Header.Set("Authorization", "Bearer "+a.serviceKey)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("admin api returned %s", resp.Status)
	}

	var u adminUser
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&u); err != nil {
		return nil, fmt.Errorf("decoding admin user: %w", err)
	}
	return &u, nil
}
