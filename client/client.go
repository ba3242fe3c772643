package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/graffiti-garden/graffiti-go"
)

const defaultTimeout = 3 * time.Second

// Client talks to a graffitid daemon. The actor, when set, is sent on
// every request; the daemon takes it as given.
type Client struct {
	client  *http.Client
	baseURL string
	actor   string
}

func New(baseURL string) *Client {
	return &Client{
		client:  &http.Client{Timeout: defaultTimeout},
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

// As returns a client bound to an actor.
func (c *Client) As(actor string) *Client {
	bound := *c
	bound.actor = actor
	return &bound
}

// DiscoverResult is a drained discovery stream plus the cursor that
// resumes it.
type DiscoverResult struct {
	Events []graffiti.DiscoverEvent `json:"events"`
	Cursor string                   `json:"cursor"`
}

func (c *Client) Post(ctx context.Context, input graffiti.PostInput) (*graffiti.Object, error) {
	var obj graffiti.Object
	err := c.request(ctx, http.MethodPost, "/objects", input, &obj)
	if err != nil {
		return nil, err
	}
	return &obj, nil
}

func (c *Client) Get(ctx context.Context, objectURL string, schema any) (*graffiti.Object, error) {
	path := "/objects/" + url.QueryEscape(objectURL)
	if schema != nil {
		raw, err := json.Marshal(schema)
		if err != nil {
			return nil, fmt.Errorf("failed to encode schema: %v", err)
		}
		path += "?schema=" + url.QueryEscape(string(raw))
	}

	var obj graffiti.Object
	err := c.request(ctx, http.MethodGet, path, nil, &obj)
	if err != nil {
		return nil, err
	}
	return &obj, nil
}

func (c *Client) Delete(ctx context.Context, objectURL string) error {
	return c.request(ctx, http.MethodDelete, "/objects/"+url.QueryEscape(objectURL), nil, nil)
}

func (c *Client) Discover(ctx context.Context, channels []string, schema any) (*DiscoverResult, error) {
	path := "/discover?channels=" + url.QueryEscape(strings.Join(channels, ","))
	if schema != nil {
		raw, err := json.Marshal(schema)
		if err != nil {
			return nil, fmt.Errorf("failed to encode schema: %v", err)
		}
		path += "&schema=" + url.QueryEscape(string(raw))
	}

	var result DiscoverResult
	err := c.request(ctx, http.MethodGet, path, nil, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) Continue(ctx context.Context, cursor string) (*DiscoverResult, error) {
	var result DiscoverResult
	err := c.request(ctx, http.MethodGet, "/continue?cursor="+url.QueryEscape(cursor), nil, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) Orphans(ctx context.Context) ([]string, error) {
	var result struct {
		URLs []string `json:"urls"`
	}
	err := c.request(ctx, http.MethodGet, "/orphans", nil, &result)
	if err != nil {
		return nil, err
	}
	return result.URLs, nil
}

func (c *Client) request(ctx context.Context, method, path string, body any, response any) error {

	var reader *strings.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %v", err)
		}
		reader = strings.NewReader(string(raw))
	} else {
		reader = strings.NewReader("")
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.actor != "" {
		req.Header.Set("Graffiti-Actor", c.actor)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to perform request: %v", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return graffiti.NotFoundError{Resource: "object"}
	case http.StatusForbidden:
		return graffiti.ErrForbidden
	default:
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	if response == nil {
		return nil
	}
	err = json.NewDecoder(resp.Body).Decode(response)
	if err != nil {
		return fmt.Errorf("failed to decode response: %v", err)
	}

	return nil
}
