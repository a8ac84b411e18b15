package relay

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPStarter starts sessions through the relay's HTTP surface. It satisfies
// the client engine's Starter so a detached UI can wake a dead agent process.
type HTTPStarter struct {
	BaseURL string // e.g. http://relay.example.com:8724
	Token   string
	Client  *http.Client
}

func NewHTTPStarter(baseURL, token string) *HTTPStarter {
	return &HTTPStarter{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *HTTPStarter) StartSession(ctx context.Context, sessionID string) error {
	url := fmt.Sprintf("%s/sessions/%s/start", s.BaseURL, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("build start request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.Token)

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("start session %s: %w", sessionID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("start session %s: relay returned %d: %s",
			sessionID, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
