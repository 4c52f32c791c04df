// Package twchart records runs as sessions on a TWChart server. Each run becomes a session whose
// probes are the logged channels, with a stage per run phase and an event per notable occurrence.
package twchart

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/calvinmclean/babyapi"
	"github.com/calvinmclean/twchart"
)

// ErrNoSession is returned when a session operation is made before CreateSession
var ErrNoSession = errors.New("no session created")

type Probes []twchart.Probe

// ChannelProbes names one probe per logged channel, numbered from 1
func ChannelProbes(names ...string) Probes {
	probes := make(Probes, 0, len(names))
	for i, name := range names {
		probes = append(probes, twchart.Probe{Name: name, Position: twchart.ProbePosition(i + 1)})
	}
	return probes
}

type Client struct {
	client    *babyapi.Client[*session]
	sessionID string
}

type session struct {
	// include NilResource so we don't implement Render/Bind which are not needed
	*babyapi.NilResource
	twchart.Session
}

func (s session) GetID() string {
	return s.Session.GetID()
}

func NewClient(addr string) *Client {
	client := babyapi.NewClient[*session](addr, "/sessions")
	return &Client{client: client}
}

// CreateSession starts a new session and makes it the target of the following calls
func (c *Client) CreateSession(ctx context.Context, name string, probes Probes) (string, error) {
	resp, err := c.client.Post(ctx, &session{
		Session: twchart.Session{
			Name:   name,
			Date:   time.Now(),
			Probes: []twchart.Probe(probes),
		},
	})
	if err != nil {
		return "", fmt.Errorf("error creating session: %w", err)
	}

	c.sessionID = resp.Data.GetID()

	return c.sessionID, nil
}

// SessionID returns the current session, or an empty string
func (c *Client) SessionID() string {
	return c.sessionID
}

func (c *Client) SetStartTime(ctx context.Context, startTime time.Time) error {
	if c.sessionID == "" {
		return ErrNoSession
	}

	_, err := c.client.Patch(ctx, c.sessionID, &session{Session: twchart.Session{
		StartTime: startTime,
	}})
	if err != nil {
		return fmt.Errorf("error setting start time: %w", err)
	}
	return nil
}

func (c *Client) AddEvent(ctx context.Context, note string, now time.Time) error {
	return c.post(ctx, "/add-event", twchart.Event{Note: note, Time: now})
}

func (c *Client) AddStage(ctx context.Context, name string, now time.Time) error {
	return c.post(ctx, "/add-stage", twchart.Stage{Name: name, Start: now})
}

// Done closes the session. Later calls need a new CreateSession.
func (c *Client) Done(ctx context.Context) error {
	err := c.post(ctx, "/done", map[string]any{"time": time.Now()})
	if err != nil {
		return err
	}
	c.sessionID = ""
	return nil
}

func (c *Client) post(ctx context.Context, action string, body any) error {
	if c.sessionID == "" {
		return ErrNoSession
	}

	url, err := c.client.URL(c.sessionID)
	if err != nil {
		return fmt.Errorf("error building url: %w", err)
	}

	return c.makeRequest(ctx, url+action, body)
}

func (c *Client) makeRequest(ctx context.Context, url string, body any) error {
	var bodyReader io.Reader = http.NoBody
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("error encoding body: %w", err)
		}

		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bodyReader)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Add("Content-Type", "application/json")

	resp, err := c.client.MakeGenericRequest(req, nil)
	if err != nil {
		return fmt.Errorf("error making request: %w", err)
	}
	if resp.Response.StatusCode != http.StatusNoContent {
		return fmt.Errorf("unexpected status code: %d, response: %v", resp.Response.StatusCode, resp.Body)
	}

	return nil
}
