package control

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

type Status struct {
	Camera string `json:"camera"`
	Stream string `json:"stream"`
}

// Poll reports the host's camera and stream states every interval until
// ctx is done.
func Poll(ctx context.Context, c *Client, interval time.Duration, update func(Status)) {
	if c == nil || c.baseURL == "" || update == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		update(Status{
			Camera: c.State(ctx, "state"),
			Stream: c.State(ctx, "stream_state"),
		})

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// State returns the lower-cased state reported at status/{param}, "ok" when
// the host answers without one and "error" when it does not answer.
func (c *Client) State(ctx context.Context, param string) string {
	state, err := c.LookupState(ctx, param)
	if err != nil {
		return "error"
	}
	return state
}

// LookupState is State with the request error kept.
func (c *Client) LookupState(ctx context.Context, param string) (string, error) {
	body, err := c.StatusGet(ctx, param)
	if err != nil {
		return "", err
	}
	if len(body) == 0 {
		return "ok", nil
	}
	state, ok := extractState(body)
	if !ok {
		return "ok", nil
	}
	return state, nil
}

func extractState(payload []byte) (string, bool) {
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return "", false
	}
	state := findState(decoded)
	if state == "" {
		return "", false
	}
	return strings.ToLower(state), true
}

func findState(value any) string {
	switch v := value.(type) {
	case map[string]any:
		for _, key := range []string{"state", "status", "value"} {
			if entry, ok := v[key]; ok {
				switch inner := entry.(type) {
				case string:
					return inner
				default:
					if nested := findState(inner); nested != "" {
						return nested
					}
				}
			}
		}
	case []any:
		for _, entry := range v {
			if nested := findState(entry); nested != "" {
				return nested
			}
		}
	}
	return ""
}
