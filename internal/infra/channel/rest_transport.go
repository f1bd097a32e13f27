package channel

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	domain "attendance_notifier/internal/domain/channel"
)

// RESTTransport talks to the messaging provider's session API. Each call
// carries its own deadline through the passed context; the shared client
// timeout is only a hard upper bound.
type RESTTransport struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewRESTTransport(baseURL, token string) *RESTTransport {
	return &RESTTransport{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 2 * time.Minute},
	}
}

func (t *RESTTransport) do(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("error encoding request body: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("error building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("channel api %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusGone:
		return ErrPairingExpired
	case resp.StatusCode >= 400:
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("channel api %s %s: status %d: %s", method, path, resp.StatusCode, apiErr.Error)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("error decoding channel api response: %w", err)
		}
	}
	return nil
}

func (t *RESTTransport) Restore(ctx context.Context, creds []byte) (*domain.SessionInfo, error) {
	req := map[string]string{"credentials": base64.StdEncoding.EncodeToString(creds)}
	var info domain.SessionInfo
	if err := t.do(ctx, http.MethodPost, "/session/restore", req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (t *RESTTransport) Pair(ctx context.Context) (*PairingArtifact, error) {
	var artifact PairingArtifact
	if err := t.do(ctx, http.MethodPost, "/session/pair", nil, &artifact); err != nil {
		return nil, err
	}
	return &artifact, nil
}

func (t *RESTTransport) Handshake(ctx context.Context, code string) ([]byte, *domain.SessionInfo, error) {
	var resp struct {
		Credentials string             `json:"credentials"`
		Info        domain.SessionInfo `json:"info"`
	}
	if err := t.do(ctx, http.MethodPost, "/session/handshake", map[string]string{"code": code}, &resp); err != nil {
		return nil, nil, err
	}
	creds, err := base64.StdEncoding.DecodeString(resp.Credentials)
	if err != nil {
		return nil, nil, fmt.Errorf("error decoding session credentials: %w", err)
	}
	return creds, &resp.Info, nil
}

func (t *RESTTransport) Send(ctx context.Context, contact, text string) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := t.do(ctx, http.MethodPost, "/messages", map[string]string{"to": contact, "body": text}, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (t *RESTTransport) Ping(ctx context.Context) error {
	return t.do(ctx, http.MethodGet, "/session/ping", nil, nil)
}

func (t *RESTTransport) Poll(ctx context.Context) ([]InboundEvent, error) {
	var events []InboundEvent
	if err := t.do(ctx, http.MethodGet, "/events", nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func (t *RESTTransport) Logout(ctx context.Context) error {
	return t.do(ctx, http.MethodPost, "/session/logout", nil, nil)
}
