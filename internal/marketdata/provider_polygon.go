package marketdata

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// polygonProvider serves quotes and aggregates from the Polygon.io REST
// API. Batch quotes degrade to per-symbol calls: the free tier has no
// multi-ticker snapshot.
type polygonProvider struct {
	client *resty.Client
	apiKey string
}

// NewPolygonProvider creates a Polygon.io provider.
func NewPolygonProvider(baseURL, apiKey string, timeout time.Duration) Provider {
	return &polygonProvider{
		client: resty.New().SetBaseURL(baseURL).SetTimeout(timeout),
		apiKey: apiKey,
	}
}

func (p *polygonProvider) Name() string { return "polygon" }

func (p *polygonProvider) BatchLimit() int { return 1 }

type polygonSnapshotResponse struct {
	Status string `json:"status"`
	Ticker struct {
		Ticker string `json:"ticker"`
		Day    struct {
			Open   float64 `json:"o"`
			High   float64 `json:"h"`
			Low    float64 `json:"l"`
			Close  float64 `json:"c"`
			Volume float64 `json:"v"`
		} `json:"day"`
		LastQuote struct {
			Bid float64 `json:"p"`
			Ask float64 `json:"P"`
		} `json:"lastQuote"`
		LastTrade struct {
			Price     float64 `json:"p"`
			Timestamp int64   `json:"t"` // unix nanos
		} `json:"lastTrade"`
	} `json:"ticker"`
}

func (p *polygonProvider) Quote(ctx context.Context, symbol string) (Quote, error) {
	var out polygonSnapshotResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParam("apiKey", p.apiKey).
		SetResult(&out).
		Get(fmt.Sprintf("/v2/snapshot/locale/us/markets/stocks/tickers/%s", symbol))
	if err != nil {
		return Quote{}, fmt.Errorf("polygon snapshot request failed: %w", err)
	}
	if resp.StatusCode() == 404 {
		return Quote{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	if resp.IsError() {
		return Quote{}, fmt.Errorf("polygon snapshot: status %d", resp.StatusCode())
	}
	if out.Ticker.LastTrade.Price == 0 {
		return Quote{}, fmt.Errorf("polygon snapshot for %s has no last trade", symbol)
	}

	ts := time.Unix(0, out.Ticker.LastTrade.Timestamp)
	if out.Ticker.LastTrade.Timestamp == 0 {
		ts = time.Now()
	}

	return Quote{
		Symbol:    symbol,
		Last:      decimal.NewFromFloat(out.Ticker.LastTrade.Price).Round(4),
		Bid:       decimal.NewFromFloat(out.Ticker.LastQuote.Bid).Round(4),
		Ask:       decimal.NewFromFloat(out.Ticker.LastQuote.Ask).Round(4),
		Open:      decimal.NewFromFloat(out.Ticker.Day.Open).Round(4),
		High:      decimal.NewFromFloat(out.Ticker.Day.High).Round(4),
		Low:       decimal.NewFromFloat(out.Ticker.Day.Low).Round(4),
		Volume:    int64(out.Ticker.Day.Volume),
		Timestamp: ts,
	}, nil
}

func (p *polygonProvider) BatchQuotes(ctx context.Context, symbols []string) (map[string]Quote, error) {
	out := make(map[string]Quote, len(symbols))
	for _, s := range symbols {
		q, err := p.Quote(ctx, s)
		if err != nil {
			continue // partial results are allowed
		}
		out[s] = q
	}
	if len(out) == 0 && len(symbols) > 0 {
		return nil, fmt.Errorf("polygon returned no quotes for %d symbols", len(symbols))
	}
	return out, nil
}

type polygonAggsResponse struct {
	Status  string `json:"status"`
	Results []struct {
		Open      float64 `json:"o"`
		High      float64 `json:"h"`
		Low       float64 `json:"l"`
		Close     float64 `json:"c"`
		Volume    float64 `json:"v"`
		Timestamp int64   `json:"t"` // unix millis
	} `json:"results"`
}

func polygonRange(tf Timeframe) (multiplier int, timespan string) {
	switch tf {
	case Timeframe1m:
		return 1, "minute"
	case Timeframe5m:
		return 5, "minute"
	case Timeframe15m:
		return 15, "minute"
	case Timeframe1h:
		return 1, "hour"
	default:
		return 1, "day"
	}
}

func (p *polygonProvider) Bars(ctx context.Context, symbol string, tf Timeframe, count int) ([]Bar, error) {
	mult, span := polygonRange(tf)

	// Over-fetch the calendar window: weekends and halts thin it out.
	to := time.Now()
	var from time.Time
	if tf == Timeframe1d {
		from = to.AddDate(0, 0, -count*2)
	} else {
		from = to.AddDate(0, 0, -14)
	}

	var out polygonAggsResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"apiKey": p.apiKey,
			"sort":   "asc",
			"limit":  "5000",
		}).
		SetResult(&out).
		Get(fmt.Sprintf("/v2/aggs/ticker/%s/range/%d/%s/%s/%s",
			symbol, mult, span, from.Format("2006-01-02"), to.Format("2006-01-02")))
	if err != nil {
		return nil, fmt.Errorf("polygon aggregates request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("polygon aggregates: status %d", resp.StatusCode())
	}

	bars := make([]Bar, 0, len(out.Results))
	for _, r := range out.Results {
		bars = append(bars, Bar{
			Time:   time.UnixMilli(r.Timestamp),
			Open:   r.Open,
			High:   r.High,
			Low:    r.Low,
			Close:  r.Close,
			Volume: r.Volume,
		})
	}
	if len(bars) > count {
		bars = bars[len(bars)-count:]
	}
	return bars, nil
}
