package runpod

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Options configures the RunPod client
type Options struct {
	Endpoint       string
	APIKey         string
	Image          string
	VolumeGB       int
	ContainerGB    int
	RequestTimeout time.Duration
}

// Client is the RunPod provider client
type Client struct {
	endpoint    string
	apiKey      string
	image       string
	volumeGB    int
	containerGB int
	httpClient  *http.Client
}

// NewClient creates a new RunPod client
func NewClient(opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("runpod api key is not set (TRAINER_API_KEY)")
	}
	if opts.Endpoint == "" {
		opts.Endpoint = "https://api.runpod.io/graphql"
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	return &Client{
		endpoint:    opts.Endpoint,
		apiKey:      opts.APIKey,
		image:       opts.Image,
		volumeGB:    opts.VolumeGB,
		containerGB: opts.ContainerGB,
		httpClient:  &http.Client{Timeout: opts.RequestTimeout},
	}, nil
}

// Name returns the provider name
func (c *Client) Name() string {
	return "runpod"
}

type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

// APIError is a GraphQL level error returned by the provider
type APIError struct {
	Messages []string
}

func (e *APIError) Error() string {
	return "runpod api: " + strings.Join(e.Messages, "; ")
}

// do executes a GraphQL document and decodes its data into out
func (c *Client) do(ctx context.Context, query string, variables map[string]interface{}, out interface{}) error {
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return err
	}

	u, err := url.Parse(c.endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint %s: %w", c.endpoint, err)
	}
	q := u.Query()
	q.Set("api_key", c.apiKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("runpod request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("failed to read runpod response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("runpod api returned %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}

	var gr graphQLResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return fmt.Errorf("failed to decode runpod response: %w", err)
	}
	if len(gr.Errors) > 0 {
		msgs := make([]string, 0, len(gr.Errors))
		for _, e := range gr.Errors {
			msgs = append(msgs, e.Message)
		}
		return &APIError{Messages: msgs}
	}
	if out == nil || len(gr.Data) == 0 {
		return nil
	}
	return json.Unmarshal(gr.Data, out)
}
