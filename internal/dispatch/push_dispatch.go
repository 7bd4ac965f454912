package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPPush posts notifications as JSON to a push provider endpoint.
type HTTPPush struct {
	Endpoint string // e.g. provider HTTP endpoint
	Client   *http.Client
}

func NewHTTPPush(endpoint string) *HTTPPush {
	return &HTTPPush{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *HTTPPush) Send(ctx context.Context, msg PushMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return postJSON(ctx, p.Client, p.Endpoint, "", b)
}

func postJSON(ctx context.Context, client *http.Client, endpoint, bearer string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push endpoint returned %d", resp.StatusCode)
	}
	return nil
}
