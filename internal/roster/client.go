package roster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/meshctl/internal/membership"
)

// ErrRosterStatus reports a non-success HTTP status from the roster service.
var ErrRosterStatus = errors.New("roster: unexpected status")

// Client speaks the roster HTTP API and satisfies the store, registrar
// and barrier interfaces the fabric coordinator needs, so instances in
// separate processes rendezvous through one roster service.
type Client struct {
	// Auth is sent as a bearer token when set. It must match the
	// server's token for mutating requests to pass.
	Auth string

	base string
	http *http.Client
}

var (
	_ membership.Store     = (*Client)(nil)
	_ membership.Registrar = (*Client)(nil)
	_ membership.Barrier   = (*Client)(nil)
)

// NewClient targets a roster service at base, e.g. "http://127.0.0.1:8377".
func NewClient(base string) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 40 * time.Second},
	}
}

// Fetch returns the roster's current membership view.
func (c *Client) Fetch(ctx context.Context) (membership.View, error) {
	var payload ViewPayload
	if err := c.getJSON(ctx, "/v1/membership", &payload); err != nil {
		return membership.View{}, err
	}
	return payload.View(), nil
}

// WaitForVersion long-polls the roster until the view advances past
// since or ctx ends. Each poll is bounded server-side, so the loop
// reissues until something changes.
func (c *Client) WaitForVersion(ctx context.Context, since uint64) (membership.View, error) {
	path := "/v1/membership/wait?since=" + strconv.FormatUint(since, 10)
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
		if err != nil {
			return membership.View{}, err
		}
		c.authorize(req)
		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return membership.View{}, ctx.Err()
			}
			return membership.View{}, err
		}
		if resp.StatusCode == http.StatusNoContent {
			resp.Body.Close()
			if err := ctx.Err(); err != nil {
				return membership.View{}, err
			}
			continue
		}
		if err := statusError(resp); err != nil {
			resp.Body.Close()
			return membership.View{}, err
		}
		var payload ViewPayload
		err = json.NewDecoder(resp.Body).Decode(&payload)
		resp.Body.Close()
		if err != nil {
			return membership.View{}, err
		}
		return payload.View(), nil
	}
}

// Join posts a join intent for id with the given capacity weight.
func (c *Client) Join(ctx context.Context, id membership.ParticipantID, capacity float64) error {
	return c.postJSON(ctx, "/v1/membership/join", joinRequest{ID: string(id), Capacity: capacity}, nil)
}

// Leave posts a leave intent for id.
func (c *Client) Leave(ctx context.Context, id membership.ParticipantID) error {
	return c.postJSON(ctx, "/v1/membership/leave", leaveRequest{ID: string(id)}, nil)
}

// Arrive records a safepoint arrival for id under key.
func (c *Client) Arrive(ctx context.Context, key string, id membership.ParticipantID) error {
	return c.postJSON(ctx, "/v1/barrier/arrive", arriveRequest{Key: key, ID: string(id)}, nil)
}

// Arrived returns the sorted arrival set under key.
func (c *Client) Arrived(ctx context.Context, key string) ([]membership.ParticipantID, error) {
	var out arrivedResponse
	if err := c.getJSON(ctx, "/v1/barrier?key="+url.QueryEscape(key), &out); err != nil {
		return nil, err
	}
	ids := make([]membership.ParticipantID, len(out.Arrived))
	for i, id := range out.Arrived {
		ids[i] = membership.ParticipantID(id)
	}
	return ids, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.Auth != "" {
		req.Header.Set("Authorization", "Bearer "+c.Auth)
	}
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func statusError(resp *http.Response) error {
	if resp.StatusCode < http.StatusMultipleChoices {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	if resp.StatusCode == http.StatusServiceUnavailable {
		return fmt.Errorf("%w: %s", membership.ErrStoreClosed, msg)
	}
	return fmt.Errorf("%w %d: %s", ErrRosterStatus, resp.StatusCode, msg)
}
