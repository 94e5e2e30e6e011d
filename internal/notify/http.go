package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// HTTPSink POSTs each message as JSON to a mail gateway.
//
// When a token URL is configured the requests carry an OAuth2 bearer token
// obtained with the client-credentials grant; the oauth2 transport caches
// the token and refreshes it when it expires.
type HTTPSink struct {
	url    string
	client *http.Client
}

// HTTPSinkConfig configures an HTTPSink. TokenURL empty means no auth.
type HTTPSinkConfig struct {
	URL          string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// NewHTTPSink builds the sink. base is the underlying client (timeouts,
// transport); nil means http.DefaultClient.
func NewHTTPSink(cfg HTTPSinkConfig, base *http.Client) (*HTTPSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("notify: HTTP sink needs a URL")
	}
	if base == nil {
		base = http.DefaultClient
	}

	client := base
	if cfg.TokenURL != "" {
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		// the token source fetches tokens with base too
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		client = cc.Client(ctx)
	}

	return &HTTPSink{url: cfg.URL, client: client}, nil
}

func (s *HTTPSink) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("notify: encoding message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: sending %s: %w", msg.Kind, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify: sending %s: gateway returned %s", msg.Kind, resp.Status)
	}
	return nil
}
