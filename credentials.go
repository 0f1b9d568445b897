package companion

import (
	"context"
	"fmt"
	"net/url"

	"github.com/appu-labs/companion/shared"
	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// CredentialProvider mints the short-lived token a session connects with.
type CredentialProvider interface {
	CreateSession(ctx context.Context, childId string) (token string, err error)
}

// StaticCredentials uses a long-lived API key directly, for development
// hosts without a session service in front.
type StaticCredentials struct {
	Token string
}

var _ CredentialProvider = (*StaticCredentials)(nil)

func (s *StaticCredentials) CreateSession(ctx context.Context, childId string) (string, error) {
	if s.Token == "" {
		return "", shared.ErrUnauthorized
	}
	return s.Token, nil
}

// TokenProvider is the HTTP implementation against the session service.
// Authentication failures come back as ErrUnauthorized/ErrForbidden and are
// never retried by the connect policy.
type TokenProvider struct {
	logger  shared.LoggerAdapter
	baseUrl *url.URL
	apiKey  string
}

var _ CredentialProvider = (*TokenProvider)(nil)

func NewTokenProvider(logger shared.LoggerAdapter, baseUrl, apiKey string) (*TokenProvider, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	u, err := url.Parse(baseUrl)
	if err != nil {
		return nil, fmt.Errorf("parsing token base URL: %w", err)
	}
	return &TokenProvider{
		logger:  logger,
		baseUrl: u,
		apiKey:  apiKey,
	}, nil
}

func (p *TokenProvider) CreateSession(ctx context.Context, childId string) (string, error) {
	body, err := sonic.Marshal(map[string]any{"childId": childId})
	if err != nil {
		return "", fmt.Errorf("marshaling session request: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(p.baseUrl.JoinPath("/sessions").String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	req.SetBody(body)

	errC := make(chan error, 1)
	go func() {
		errC <- fasthttp.Do(req, resp)
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case err := <-errC:
		if err != nil {
			return "", fmt.Errorf("performing HTTP request: %w", err)
		}
	}
	switch resp.StatusCode() {
	case fasthttp.StatusOK, fasthttp.StatusCreated:
	case fasthttp.StatusUnauthorized:
		return "", shared.ErrUnauthorized
	case fasthttp.StatusForbidden:
		return "", shared.ErrForbidden
	default:
		return "", fmt.Errorf("unexpected status code: %d", resp.StatusCode())
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := sonic.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("decoding session response: %w", err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("session service returned an empty token")
	}
	p.logger.Debug("session token acquired", zap.String("child_id", childId))
	return out.Token, nil
}
