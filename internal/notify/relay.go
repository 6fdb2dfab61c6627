package notify

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

// HTTPRelay posts events to the socket relay service at
// {BaseURL}/emit/{channel}.
type HTTPRelay struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPRelay(baseURL string) *HTTPRelay {
	return &HTTPRelay{BaseURL: strings.TrimRight(baseURL, "/"), Client: &http.Client{Timeout: 5 * time.Second}}
}

type relayBody struct {
	ID    string          `json:"id"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (r *HTTPRelay) Deliver(ctx context.Context, e Event) error {
	b, err := json.Marshal(relayBody{ID: e.ID, Event: e.Name, Data: e.Data})
	if err != nil {
		return err
	}
	endpoint := r.BaseURL + "/emit/" + url.PathEscape(string(e.Channel))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", e.ID)

	resp, err := r.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("relay %s: status %d", e.Channel, resp.StatusCode)
	}
	return nil
}
