package lookup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"restosync/internal/config"
	"restosync/pkg/cel"
	pkgerrors "restosync/pkg/errors"
	"restosync/pkg/retry"
)

const apiKeyHeader = "X-API-Key"

// HTTPProvider queries a places-style search endpoint and maps its JSON
// response onto Result with CEL expressions.
type HTTPProvider struct {
	client  *http.Client
	baseURL string
	apiKey  string
	mapper  *cel.Mapper
}

func NewHTTPProvider(cfg config.LookupConfig, client *http.Client) (*HTTPProvider, error) {
	mapping := cel.DefaultLookupMapping
	if len(cfg.Mapping) > 0 {
		mapping = make(map[string]string, len(cel.DefaultLookupMapping))
		for k, v := range cel.DefaultLookupMapping {
			mapping[k] = v
		}
		for k, v := range cfg.Mapping {
			mapping[k] = v
		}
	}
	mapper, err := cel.NewMapper(mapping)
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPProvider{
		client:  client,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		mapper:  mapper,
	}, nil
}

func (p *HTTPProvider) Search(ctx context.Context, name string, qc Context) (*Result, error) {
	q := url.Values{}
	q.Set("query", name)
	if qc.MallSlug != "" {
		q.Set("location", qc.MallSlug)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/search?"+q.Encode(), nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set(apiKeyHeader, p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lookup request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return nil, fmt.Errorf("lookup returned status: %d", resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, retry.Permanent(fmt.Errorf("lookup returned status: %d", resp.StatusCode))
	}

	var body map[string]interface{}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&body); err != nil {
		return nil, retry.Permanent(pkgerrors.ErrInvalidRequest.WithCause(err).WithDetail("message", "malformed lookup response"))
	}

	// Search endpoints wrap matches in a results list; the best match is first.
	if results, ok := body["results"].([]interface{}); ok {
		if len(results) == 0 {
			return nil, ErrNotFound
		}
		first, ok := results[0].(map[string]interface{})
		if !ok {
			return nil, retry.Permanent(pkgerrors.ErrInvalidRequest.WithDetail("message", "malformed lookup result"))
		}
		body = first
	}

	fields, _, err := p.mapper.Map(ctx, body, map[string]interface{}{
		"name":      name,
		"mall_slug": qc.MallSlug,
		"slug":      qc.Slug,
	})
	if err != nil {
		return nil, err
	}
	r := resultFromFields(fields)
	if r.Name == "" {
		return nil, ErrNotFound
	}
	return r, nil
}
