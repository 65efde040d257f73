package marketdata

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

const yahooBatchLimit = 20

// yahooProvider is the keyless fallback. It serves delayed quotes from
// the v7 quote endpoint and bars from the v8 chart endpoint.
type yahooProvider struct {
	client *resty.Client
}

// NewYahooProvider creates a Yahoo Finance provider.
func NewYahooProvider(baseURL string, timeout time.Duration) Provider {
	return &yahooProvider{
		client: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("User-Agent", "Mozilla/5.0 (compatible; ees/1.0)"),
	}
}

func (p *yahooProvider) Name() string { return "yahoo" }

func (p *yahooProvider) BatchLimit() int { return yahooBatchLimit }

type yahooQuoteResponse struct {
	QuoteResponse struct {
		Result []struct {
			Symbol             string  `json:"symbol"`
			RegularMarketPrice float64 `json:"regularMarketPrice"`
			Bid                float64 `json:"bid"`
			Ask                float64 `json:"ask"`
			RegularMarketOpen  float64 `json:"regularMarketOpen"`
			RegularMarketHigh  float64 `json:"regularMarketDayHigh"`
			RegularMarketLow   float64 `json:"regularMarketDayLow"`
			RegularMarketVol   int64   `json:"regularMarketVolume"`
			RegularMarketTime  int64   `json:"regularMarketTime"` // unix seconds
		} `json:"result"`
	} `json:"quoteResponse"`
}

func (p *yahooProvider) Quote(ctx context.Context, symbol string) (Quote, error) {
	quotes, err := p.BatchQuotes(ctx, []string{symbol})
	if err != nil {
		return Quote{}, err
	}
	q, ok := quotes[symbol]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return q, nil
}

func (p *yahooProvider) BatchQuotes(ctx context.Context, symbols []string) (map[string]Quote, error) {
	var out yahooQuoteResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParam("symbols", strings.Join(symbols, ",")).
		SetResult(&out).
		Get("/v7/finance/quote")
	if err != nil {
		return nil, fmt.Errorf("yahoo quote request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("yahoo quote: status %d", resp.StatusCode())
	}

	quotes := make(map[string]Quote, len(out.QuoteResponse.Result))
	for _, r := range out.QuoteResponse.Result {
		if r.RegularMarketPrice == 0 {
			continue
		}
		ts := time.Unix(r.RegularMarketTime, 0)
		if r.RegularMarketTime == 0 {
			ts = time.Now()
		}
		bid := r.Bid
		ask := r.Ask
		if bid == 0 {
			bid = r.RegularMarketPrice
		}
		if ask == 0 {
			ask = r.RegularMarketPrice
		}
		quotes[r.Symbol] = Quote{
			Symbol:    r.Symbol,
			Last:      decimal.NewFromFloat(r.RegularMarketPrice).Round(4),
			Bid:       decimal.NewFromFloat(bid).Round(4),
			Ask:       decimal.NewFromFloat(ask).Round(4),
			Open:      decimal.NewFromFloat(r.RegularMarketOpen).Round(4),
			High:      decimal.NewFromFloat(r.RegularMarketHigh).Round(4),
			Low:       decimal.NewFromFloat(r.RegularMarketLow).Round(4),
			Volume:    r.RegularMarketVol,
			Timestamp: ts,
		}
	}
	if len(quotes) == 0 && len(symbols) > 0 {
		return nil, fmt.Errorf("yahoo returned no quotes for %d symbols", len(symbols))
	}
	return quotes, nil
}

type yahooChartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []float64 `json:"open"`
					High   []float64 `json:"high"`
					Low    []float64 `json:"low"`
					Close  []float64 `json:"close"`
					Volume []float64 `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

func yahooRange(tf Timeframe, count int) (interval, rng string) {
	switch tf {
	case Timeframe1m:
		return "1m", "1d"
	case Timeframe5m:
		return "5m", "5d"
	case Timeframe15m:
		return "15m", "5d"
	case Timeframe1h:
		return "60m", "1mo"
	default:
		// Over-fetch calendar days so weekends do not thin the window
		// below count.
		days := count * 2
		switch {
		case days <= 30:
			return "1d", "1mo"
		case days <= 90:
			return "1d", "3mo"
		case days <= 365:
			return "1d", "1y"
		default:
			return "1d", "2y"
		}
	}
}

func (p *yahooProvider) Bars(ctx context.Context, symbol string, tf Timeframe, count int) ([]Bar, error) {
	interval, rng := yahooRange(tf, count)

	var out yahooChartResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"interval": interval,
			"range":    rng,
		}).
		SetResult(&out).
		Get(fmt.Sprintf("/v8/finance/chart/%s", symbol))
	if err != nil {
		return nil, fmt.Errorf("yahoo chart request failed: %w", err)
	}
	if resp.StatusCode() == 404 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("yahoo chart: status %d", resp.StatusCode())
	}
	if out.Chart.Error != nil {
		return nil, fmt.Errorf("yahoo chart: %s", out.Chart.Error.Description)
	}
	if len(out.Chart.Result) == 0 || len(out.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, fmt.Errorf("yahoo chart for %s is empty: %w", symbol, ErrInsufficientHistory)
	}

	res := out.Chart.Result[0]
	q := res.Indicators.Quote[0]

	bars := make([]Bar, 0, len(res.Timestamp))
	for i, ts := range res.Timestamp {
		if i >= len(q.Close) || q.Close[i] == 0 {
			continue // nulled slots for halted sessions
		}
		bars = append(bars, Bar{
			Time:   time.Unix(ts, 0),
			Open:   q.Open[i],
			High:   q.High[i],
			Low:    q.Low[i],
			Close:  q.Close[i],
			Volume: q.Volume[i],
		})
	}
	if len(bars) > count {
		bars = bars[len(bars)-count:]
	}
	return bars, nil
}
