// Package upstream contains a minimal client for the "online users" API that reports which
// users are currently present in a channel.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	json "github.com/goccy/go-json"
)

// maxBodyBytes bounds how much of a response body is decoded.
const maxBodyBytes = 8 << 20

// ErrRateLimited is returned for HTTP 429 responses. The body is never parsed.
var ErrRateLimited = errors.New("upstream rate limited (429)")

// StatusError is returned for any other non-2xx response.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream request failed: %s", e.Status)
	}
	return fmt.Sprintf("upstream request failed: %s: %s", e.Status, e.Body)
}

// Sighting is one user reported online in a channel.
type Sighting struct {
	PublicID string  `json:"public_id"`
	Name     *string `json:"name"`
}

// DisplayName returns the reported name, or "Unknown" when it is null or blank.
func (s Sighting) DisplayName() string {
	if s.Name == nil || strings.TrimSpace(*s.Name) == "" {
		return "Unknown"
	}
	return *s.Name
}

// OnlineUsers is the parsed response for a single channel.
type OnlineUsers struct {
	Users []Sighting
	// NumOnline is nil when the response carried no num_online field.
	NumOnline *int
	// Skipped counts user entries dropped because they did not parse or had no public id.
	Skipped int
}

// Empty reports whether the channel has nobody to record: no users, or an explicit
// num_online of zero.
func (o *OnlineUsers) Empty() bool {
	return len(o.Users) == 0 || (o.NumOnline != nil && *o.NumOnline == 0)
}

// Client fetches online users for a channel.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	UserAgent  string
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// OnlineUsers calls GET <BaseURL>?channel=<name>. The caller bounds the call through ctx.
func (c *Client) OnlineUsers(ctx context.Context, channel string) (*OnlineUsers, error) {
	if strings.TrimSpace(channel) == "" {
		return nil, fmt.Errorf("channel empty")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", err)
	}
	q := u.Query()
	q.Set("channel", channel)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	resp, err := c.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		// drain a little so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimited
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status, Body: strings.TrimSpace(string(b))}
	}

	var body struct {
		Users     []json.RawMessage `json:"users"`
		NumOnline *int              `json:"num_online"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode online users: %w", err)
	}
	out := &OnlineUsers{NumOnline: body.NumOnline, Users: make([]Sighting, 0, len(body.Users))}
	for _, raw := range body.Users {
		var s Sighting
		if err := json.Unmarshal(raw, &s); err != nil || strings.TrimSpace(s.PublicID) == "" {
			out.Skipped++
			continue
		}
		out.Users = append(out.Users, s)
	}
	return out, nil
}
