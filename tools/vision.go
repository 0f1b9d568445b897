package tools

import (
	"context"
	"fmt"
	"net/url"

	"github.com/appu-labs/companion/shared"
	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
)

// VisionClient talks to the frame analysis service. It implements
// companion.FrameAnalyzer.
type VisionClient struct {
	logger  shared.LoggerAdapter
	baseUrl *url.URL
	apiKey  string
}

func NewVisionClient(logger shared.LoggerAdapter, baseUrl, apiKey string) (*VisionClient, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	u, err := url.Parse(baseUrl)
	if err != nil {
		return nil, fmt.Errorf("parsing vision base URL: %w", err)
	}
	return &VisionClient{
		logger:  logger,
		baseUrl: u,
		apiKey:  apiKey,
	}, nil
}

func (v *VisionClient) AnalyzeFrame(ctx context.Context, frameBase64, context_ string) (string, error) {
	body, err := sonic.Marshal(map[string]any{
		"frame":   frameBase64,
		"context": context_,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling analysis request: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(v.baseUrl.JoinPath("/analyze").String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	if v.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+v.apiKey)
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
	if resp.StatusCode() != fasthttp.StatusOK {
		return "", fmt.Errorf("unexpected status code: %d", resp.StatusCode())
	}
	var out struct {
		AnalysisText string `json:"analysisText"`
	}
	if err := sonic.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("decoding analysis response: %w", err)
	}
	return out.AnalysisText, nil
}
