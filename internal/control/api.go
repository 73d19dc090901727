package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingBaseURL   = errors.New("control: missing base url")
	ErrMissingParameter = errors.New("control: missing parameter")
	ErrNotFound         = errors.New("control: endpoint not found")
)

// Client talks to the acquisition host's camera control API:
//
//	GET  {base}/camera/api/{version}/config/{param}   -> {"value": ...}
//	PUT  {base}/camera/api/{version}/config/{param}   <- {"value": ...}
//	PUT  {base}/camera/api/{version}/command/{name}
//	GET  {base}/camera/api/{version}/status/{param}
//
// Older hosts serve the same tree without the version segment; every call
// tries the candidates from BuildPaths in order and skips 404s.
type Client struct {
	baseURL    string
	apiVersion string
	module     string
	http       *http.Client
}

func NewClient(baseURL, apiVersion string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		apiVersion: apiVersion,
		module:     "camera",
		http:       &http.Client{Timeout: timeout},
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

func BuildPaths(baseURL string, apiVersion string, module string, kind string, param string) []string {
	baseURL = strings.TrimRight(baseURL, "/")
	apiVersion = strings.Trim(apiVersion, "/")
	module = strings.Trim(module, "/")
	kind = strings.Trim(kind, "/")
	param = strings.TrimLeft(param, "/")
	if baseURL == "" || module == "" || kind == "" || param == "" {
		return nil
	}

	paths := make([]string, 0, 3)
	if apiVersion != "" {
		paths = append(paths, baseURL+"/"+module+"/api/"+apiVersion+"/"+kind+"/"+param)
		paths = append(paths, baseURL+"/api/"+apiVersion+"/"+module+"/"+kind+"/"+param)
	}
	paths = append(paths, baseURL+"/"+module+"/"+kind+"/"+param)
	return paths
}

// ConfigGet reads a numeric configuration value.
func (c *Client) ConfigGet(ctx context.Context, param string) (float64, error) {
	if err := c.check(param); err != nil {
		return 0, err
	}
	status, body, err := c.do(ctx, http.MethodGet, BuildPaths(c.baseURL, c.apiVersion, c.module, "config", param), nil)
	if err != nil {
		return 0, err
	}
	if status != http.StatusOK {
		return 0, fmt.Errorf("control: get %s: http %d: %s", param, status, body)
	}
	return parseValue(body)
}

// ConfigSet writes a numeric configuration value and returns the value the
// host applied, which may be clamped or quantized.
func (c *Client) ConfigSet(ctx context.Context, param string, value float64) (float64, error) {
	if err := c.check(param); err != nil {
		return 0, err
	}
	payload, err := json.Marshal(map[string]any{"value": value})
	if err != nil {
		return 0, err
	}
	status, body, err := c.do(ctx, http.MethodPut, BuildPaths(c.baseURL, c.apiVersion, c.module, "config", param), payload)
	if err != nil {
		return 0, err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return 0, fmt.Errorf("control: set %s: http %d: %s", param, status, body)
	}
	if applied, err := parseValue(body); err == nil {
		return applied, nil
	}
	return value, nil
}

// Command triggers an action such as "start_stream".
func (c *Client) Command(ctx context.Context, command string) error {
	if err := c.check(command); err != nil {
		return err
	}
	status, body, err := c.do(ctx, http.MethodPut, BuildPaths(c.baseURL, c.apiVersion, c.module, "command", command), nil)
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("control: command %s: http %d: %s", command, status, body)
	}
	return nil
}

// StatusGet returns the raw JSON body of a status parameter.
func (c *Client) StatusGet(ctx context.Context, param string) ([]byte, error) {
	if err := c.check(param); err != nil {
		return nil, err
	}
	status, body, err := c.do(ctx, http.MethodGet, BuildPaths(c.baseURL, c.apiVersion, c.module, "status", param), nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("control: status %s: http %d", param, status)
	}
	return []byte(body), nil
}

func (c *Client) check(param string) error {
	if c.baseURL == "" {
		return ErrMissingBaseURL
	}
	if param == "" {
		return ErrMissingParameter
	}
	return nil
}

func (c *Client) do(ctx context.Context, method string, paths []string, payload []byte) (int, string, error) {
	if len(paths) == 0 {
		return 0, "", ErrMissingParameter
	}
	var lastErr error
	for _, path := range paths {
		var body io.Reader
		if len(payload) > 0 {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, path, body)
		if err != nil {
			lastErr = err
			continue
		}
		if len(payload) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			return resp.StatusCode, strings.TrimSpace(string(respBody)), nil
		}
	}
	if lastErr != nil {
		return 0, "", fmt.Errorf("control: %s: %w", method, lastErr)
	}
	return 0, "", ErrNotFound
}

func parseValue(body string) (float64, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return 0, errors.New("control: empty response")
	}
	var decoded any
	if err := json.Unmarshal([]byte(body), &decoded); err != nil {
		return 0, fmt.Errorf("control: decode value: %w", err)
	}
	switch v := decoded.(type) {
	case float64:
		return v, nil
	case string:
		return strconv.ParseFloat(v, 64)
	case map[string]any:
		if inner, ok := v["value"]; ok {
			switch n := inner.(type) {
			case float64:
				return n, nil
			case string:
				return strconv.ParseFloat(n, 64)
			}
		}
	}
	return 0, fmt.Errorf("control: no numeric value in %q", body)
}
