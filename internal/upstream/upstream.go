// Package upstream is the client for the canonical API. It holds the
// process-wide credentials, a pooled HTTP client with fixed timeouts,
// and the /users bootstrap used once per mixer construction.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	cleanhttp "github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"
)

// ErrUserNotFound means the /users paging was exhausted without finding
// the requested email.
var ErrUserNotFound = errors.New("user not present in upstream")

// DispatchTimeout bounds a single upstream round trip.
const DispatchTimeout = 60 * time.Second

// usersPageSize is how many records one bootstrap page requests.
const usersPageSize = 100

// NamedRef is an organization or project membership entry.
type NamedRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// UserRecord is the upstream's view of a user, fetched at mixer
// construction and consulted by the personal filter on every response.
type UserRecord struct {
	ID            int64      `json:"id"`
	Email         string     `json:"email"`
	Name          string     `json:"name"`
	Organizations []NamedRef `json:"organizations"`
	Projects      []NamedRef `json:"projects"`
}

func (u *UserRecord) OrganizationNames() map[string]bool {
	out := make(map[string]bool, len(u.Organizations))
	for _, o := range u.Organizations {
		out[o.Name] = true
	}
	return out
}

func (u *UserRecord) ProjectNames() map[string]bool {
	out := make(map[string]bool, len(u.Projects))
	for _, p := range u.Projects {
		out[p.Name] = true
	}
	return out
}

func (u *UserRecord) ProjectIDs() map[int64]bool {
	out := make(map[int64]bool, len(u.Projects))
	for _, p := range u.Projects {
		out[p.ID] = true
	}
	return out
}

// Client issues canonical requests. Safe for concurrent use.
type Client struct {
	base      string // scheme://host, no trailing slash
	appToken  string
	authToken string
	http      *http.Client
	log       hclog.Logger
}

func NewClient(baseURL, appToken, authToken string, log hclog.Logger) *Client {
	return &Client{
		base:      strings.TrimRight(baseURL, "/"),
		appToken:  appToken,
		authToken: authToken,
		http: &http.Client{
			Transport: cleanhttp.DefaultPooledTransport(),
			Timeout:   DispatchTimeout,
		},
		log: log,
	}
}

// BaseURL returns the canonical scheme://host prefix.
func (c *Client) BaseURL() string { return c.base }

// AppToken returns the process-wide upstream app token.
func (c *Client) AppToken() string { return c.appToken }

// AuthToken returns the process-wide upstream auth token.
func (c *Client) AuthToken() string { return c.authToken }

// Do dispatches an already-built request on the shared client.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.http.Do(req)
}

// FindUserByEmail pages GET /v1/users with membership expansion until
// the record matching email (case-insensitive) appears. An empty page
// ends the search with ErrUserNotFound.
func (c *Client) FindUserByEmail(ctx context.Context, email string) (*UserRecord, error) {
	offset := 0
	for {
		url := fmt.Sprintf(
			"%s/v1/users?organization_memberships=true&project_memberships=true&offset=%d&page_limit=%d",
			c.base, offset, usersPageSize)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("App-Token", c.appToken)
		req.Header.Set("Auth-Token", c.authToken)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("list users: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("list users: upstream status %d", resp.StatusCode)
		}
		var page struct {
			Users []*UserRecord `json:"users"`
		}
		err = json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("decode users page: %w", err)
		}
		if len(page.Users) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, email)
		}

		for _, u := range page.Users {
			if strings.EqualFold(u.Email, email) {
				c.log.Debug("bootstrapped upstream user", "email", email, "upstream_id", u.ID)
				return u, nil
			}
		}
		offset += len(page.Users)
	}
}
