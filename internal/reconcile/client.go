// Package reconcile keeps a client-side view of a dismissal queue in sync
// with the server. Events are only cues to re-fetch; their payloads are
// never applied to the view.
package reconcile

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"dismissal/internal/dismissal"
)

// Snapshot is the canonical state of one scope at fetch time.
type Snapshot struct {
	Session dismissal.Session
	Entries []dismissal.Entry
	Stats   dismissal.Stats
}

// Source fetches snapshots and streams change cues.
type Source interface {
	Snapshot(ctx context.Context, homeroomID string) (Snapshot, error)
	// Stream blocks, calling onEvent with the name of every event received,
	// until the connection ends or ctx is done.
	Stream(ctx context.Context, onEvent func(name string)) error
}

// Client talks to the dismissal API with a bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	stream  *http.Client
}

// NewClient creates a client. Timeout bounds REST calls; the event stream
// has no timeout.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		stream:  &http.Client{},
	}
}

var _ Source = (*Client)(nil)

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return errors.Wrapf(json.NewDecoder(resp.Body).Decode(out), "decoding %s", path)
}

// Snapshot opens today's session when needed and reads its queue and stats.
func (c *Client) Snapshot(ctx context.Context, homeroomID string) (Snapshot, error) {
	var snap Snapshot
	if err := c.do(ctx, http.MethodPost, "/v1/sessions/current", &snap.Session); err != nil {
		return Snapshot{}, err
	}
	q := url.Values{}
	if homeroomID != "" {
		q.Set("homeroom_id", homeroomID)
	}
	suffix := ""
	if len(q) > 0 {
		suffix = "?" + q.Encode()
	}
	base := "/v1/sessions/" + url.PathEscape(snap.Session.ID)

	var queue struct {
		Entries []dismissal.Entry `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, base+"/queue"+suffix, &queue); err != nil {
		return Snapshot{}, err
	}
	snap.Entries = queue.Entries
	if err := c.do(ctx, http.MethodGet, base+"/stats"+suffix, &snap.Stats); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Stream reads the server-sent event stream.
func (c *Client) Stream(ctx context.Context, onEvent func(name string)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.stream.Do(req)
	if err != nil {
		return errors.Wrap(err, "opening stream")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("opening stream: status %d", resp.StatusCode)
	}
	return readEvents(resp.Body, onEvent)
}

// readEvents parses the event names out of a text/event-stream body.
func readEvents(r io.Reader, onEvent func(name string)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	name, hasData := "", false
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if name != "" || hasData {
				if name == "" {
					name = "message"
				}
				onEvent(name)
			}
			name, hasData = "", false
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			hasData = true
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return io.EOF
}
