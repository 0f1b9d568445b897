// Package books talks to the book catalog service: title search and page
// fetches for the shared-reading activity.
package books

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/appu-labs/companion/shared"
	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

type Book struct {
	Id        string `json:"id"`
	Title     string `json:"title"`
	Author    string `json:"author"`
	PageCount int    `json:"pageCount"`
	Summary   string `json:"summary"`
}

type Page struct {
	ImageUrl   string `json:"imageUrl"`
	Text       string `json:"text"`
	PageNumber int    `json:"pageNumber"`
	TotalPages int    `json:"totalPages"`
	BookTitle  string `json:"bookTitle"`
	AudioUrl   string `json:"audioUrl,omitempty"`
}

type Catalog interface {
	Search(ctx context.Context, query string) ([]Book, error)
	FetchPage(ctx context.Context, bookId string, pageNumber int) (*Page, error)
}

// HTTPCatalog implements Catalog against the catalog REST endpoints.
type HTTPCatalog struct {
	logger  shared.LoggerAdapter
	baseUrl *url.URL
	apiKey  string
}

var _ Catalog = (*HTTPCatalog)(nil)

func NewHTTPCatalog(logger shared.LoggerAdapter, baseUrl, apiKey string) (*HTTPCatalog, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	u, err := url.Parse(baseUrl)
	if err != nil {
		return nil, fmt.Errorf("parsing catalog base URL: %w", err)
	}
	return &HTTPCatalog{
		logger:  logger,
		baseUrl: u,
		apiKey:  apiKey,
	}, nil
}

func (c *HTTPCatalog) Search(ctx context.Context, query string) ([]Book, error) {
	target := c.baseUrl.JoinPath("/books/search")
	q := target.Query()
	q.Set("q", query)
	target.RawQuery = q.Encode()

	body, err := c.get(ctx, target.String())
	if err != nil {
		return nil, fmt.Errorf("searching catalog: %w", err)
	}
	var resp struct {
		Books []Book `json:"books"`
	}
	if err := sonic.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}
	c.logger.Debug(
		"catalog search completed",
		zap.String("query", query),
		zap.Int("results", len(resp.Books)),
	)
	return resp.Books, nil
}

func (c *HTTPCatalog) FetchPage(ctx context.Context, bookId string, pageNumber int) (*Page, error) {
	target := c.baseUrl.JoinPath("/books", bookId, "pages", strconv.Itoa(pageNumber))
	body, err := c.get(ctx, target.String())
	if err != nil {
		return nil, fmt.Errorf("fetching page %d of book %s: %w", pageNumber, bookId, err)
	}
	page := new(Page)
	if err := sonic.Unmarshal(body, page); err != nil {
		return nil, fmt.Errorf("decoding page response: %w", err)
	}
	return page, nil
}

func (c *HTTPCatalog) get(ctx context.Context, uri string) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(uri)
	req.Header.SetMethod(fasthttp.MethodGet)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	errC := make(chan error, 1)
	go func() {
		errC <- fasthttp.Do(req, resp)
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-errC:
		if err != nil {
			return nil, fmt.Errorf("performing HTTP request: %w", err)
		}
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode())
	}
	out := make([]byte, len(resp.Body()))
	copy(out, resp.Body())
	return out, nil
}
