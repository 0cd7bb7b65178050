// Package refdata is the client for the reference-data service, the
// external collaborator that curates securities and books.
//
// Lookups are:
//   - Security: GET /securities/{id}
//   - Book:     GET /books/{id}
//
// Every request consumes a slot from the category's windowed request quota
// (see ratelimit.go) and is retried on 5xx errors. Responses are cached
// with a TTL; a 404 surfaces NOT_FOUND, which the event path turns into
// park-and-retry.
package refdata

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"inventory-core/internal/config"
	"inventory-core/pkg/errs"
	"inventory-core/pkg/types"
)

type cacheEntry[T any] struct {
	value   T
	fetched time.Time
}

// Client is the reference-data REST client with rate limiting, retry, and
// a read-through TTL cache.
type Client struct {
	http      *resty.Client
	secQuota  *quota
	bookQuota *quota
	ttl       time.Duration
	logger    *slog.Logger

	mu         sync.RWMutex
	securities map[string]cacheEntry[types.Security]
	books      map[string]cacheEntry[types.Book]
}

// NewClient creates a reference-data client.
func NewClient(cfg config.RefDataConfig, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Accept", "application/json")

	return &Client{
		http:       httpClient,
		secQuota:   securityQuota(),
		bookQuota:  bookQuota(),
		ttl:        cfg.CacheTTL,
		logger:     logger.With("component", "refdata"),
		securities: make(map[string]cacheEntry[types.Security]),
		books:      make(map[string]cacheEntry[types.Book]),
	}
}

// Security resolves one security, serving from cache inside the TTL.
func (c *Client) Security(ctx context.Context, id string) (types.Security, error) {
	const op = "refdata.Security"

	c.mu.RLock()
	if e, ok := c.securities[id]; ok && time.Since(e.fetched) < c.ttl {
		c.mu.RUnlock()
		return e.value, nil
	}
	c.mu.RUnlock()

	if err := c.secQuota.Acquire(ctx); err != nil {
		return types.Security{}, errs.E(op, errs.Timeout, err)
	}

	var sec types.Security
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&sec).
		ForceContentType("application/json").
		Get("/securities/" + id)
	if err != nil {
		return types.Security{}, errs.E(op, errs.Dependency, fmt.Errorf("get security: %w", err))
	}
	switch resp.StatusCode() {
	case http.StatusOK:
	case http.StatusNotFound:
		return types.Security{}, errs.E(op, errs.NotFound, "security "+id)
	default:
		return types.Security{}, errs.E(op, errs.Dependency,
			fmt.Errorf("get security: status %d: %s", resp.StatusCode(), resp.String()))
	}

	c.mu.Lock()
	c.securities[id] = cacheEntry[types.Security]{value: sec, fetched: time.Now()}
	c.mu.Unlock()
	return sec, nil
}

// Book resolves one book, serving from cache inside the TTL.
func (c *Client) Book(ctx context.Context, id string) (types.Book, error) {
	const op = "refdata.Book"

	c.mu.RLock()
	if e, ok := c.books[id]; ok && time.Since(e.fetched) < c.ttl {
		c.mu.RUnlock()
		return e.value, nil
	}
	c.mu.RUnlock()

	if err := c.bookQuota.Acquire(ctx); err != nil {
		return types.Book{}, errs.E(op, errs.Timeout, err)
	}

	var book types.Book
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&book).
		ForceContentType("application/json").
		Get("/books/" + id)
	if err != nil {
		return types.Book{}, errs.E(op, errs.Dependency, fmt.Errorf("get book: %w", err))
	}
	switch resp.StatusCode() {
	case http.StatusOK:
	case http.StatusNotFound:
		return types.Book{}, errs.E(op, errs.NotFound, "book "+id)
	default:
		return types.Book{}, errs.E(op, errs.Dependency,
			fmt.Errorf("get book: status %d: %s", resp.StatusCode(), resp.String()))
	}

	c.mu.Lock()
	c.books[id] = cacheEntry[types.Book]{value: book, fetched: time.Now()}
	c.mu.Unlock()
	return book, nil
}

// InvalidateCache drops every cached entry. Exposed for the operator API.
func (c *Client) InvalidateCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.securities = make(map[string]cacheEntry[types.Security])
	c.books = make(map[string]cacheEntry[types.Book])
}
