package news

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Fetcher pulls recent articles mentioning any of the query terms.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context, query []string, since time.Time) ([]Item, error)
}

// newsAPIFetcher wraps the NewsAPI.org everything endpoint.
type newsAPIFetcher struct {
	client *resty.Client
	apiKey string
}

// NewNewsAPIFetcher creates a NewsAPI.org fetcher.
func NewNewsAPIFetcher(baseURL, apiKey string, timeout time.Duration) Fetcher {
	return &newsAPIFetcher{
		client: resty.New().SetBaseURL(baseURL).SetTimeout(timeout),
		apiKey: apiKey,
	}
}

func (f *newsAPIFetcher) Name() string { return "newsapi" }

type newsAPIResponse struct {
	Status   string `json:"status"`
	Articles []struct {
		Source struct {
			Name string `json:"name"`
		} `json:"source"`
		Title       string    `json:"title"`
		Description string    `json:"description"`
		URL         string    `json:"url"`
		PublishedAt time.Time `json:"publishedAt"`
	} `json:"articles"`
}

func (f *newsAPIFetcher) Fetch(ctx context.Context, query []string, since time.Time) ([]Item, error) {
	var out newsAPIResponse
	resp, err := f.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"q":        strings.Join(query, " OR "),
			"from":     since.UTC().Format(time.RFC3339),
			"language": "en",
			"sortBy":   "publishedAt",
			"apiKey":   f.apiKey,
		}).
		SetResult(&out).
		Get("/v2/everything")
	if err != nil {
		return nil, fmt.Errorf("newsapi fetch failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("newsapi: status %d", resp.StatusCode())
	}

	items := make([]Item, 0, len(out.Articles))
	for _, a := range out.Articles {
		items = append(items, Item{
			Source:      a.Source.Name,
			Headline:    a.Title,
			Summary:     a.Description,
			URL:         a.URL,
			PublishedAt: a.PublishedAt,
		})
	}
	return items, nil
}

// finnhubFetcher wraps the Finnhub general-news endpoint.
type finnhubFetcher struct {
	client *resty.Client
	apiKey string
}

// NewFinnhubFetcher creates a Finnhub market-news fetcher.
func NewFinnhubFetcher(baseURL, apiKey string, timeout time.Duration) Fetcher {
	return &finnhubFetcher{
		client: resty.New().SetBaseURL(baseURL).SetTimeout(timeout),
		apiKey: apiKey,
	}
}

func (f *finnhubFetcher) Name() string { return "finnhub" }

type finnhubArticle struct {
	Datetime int64  `json:"datetime"` // unix seconds
	Headline string `json:"headline"`
	Source   string `json:"source"`
	Summary  string `json:"summary"`
	URL      string `json:"url"`
}

func (f *finnhubFetcher) Fetch(ctx context.Context, query []string, since time.Time) ([]Item, error) {
	var out []finnhubArticle
	resp, err := f.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"category": "general",
			"token":    f.apiKey,
		}).
		SetResult(&out).
		Get("/api/v1/news")
	if err != nil {
		return nil, fmt.Errorf("finnhub fetch failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("finnhub: status %d", resp.StatusCode())
	}

	// Finnhub's general feed has no query parameter; filter locally.
	items := make([]Item, 0, len(out))
	for _, a := range out {
		published := time.Unix(a.Datetime, 0)
		if published.Before(since) {
			continue
		}
		if !mentionsAny(a.Headline+" "+a.Summary, query) {
			continue
		}
		items = append(items, Item{
			Source:      a.Source,
			Headline:    a.Headline,
			Summary:     a.Summary,
			URL:         a.URL,
			PublishedAt: published,
		})
	}
	return items, nil
}

func mentionsAny(text string, terms []string) bool {
	lower := strings.ToLower(text)
	for _, t := range terms {
		if strings.Contains(lower, strings.ToLower(t)) {
			return true
		}
	}
	return false
}
