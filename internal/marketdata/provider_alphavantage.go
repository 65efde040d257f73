package marketdata

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// alphaVantageProvider serves quotes and time series from Alpha Vantage.
// The API keys its JSON with numbered labels ("05. price"), so responses
// are decoded into maps rather than typed structs.
type alphaVantageProvider struct {
	client *resty.Client
	apiKey string
}

// NewAlphaVantageProvider creates an Alpha Vantage provider.
func NewAlphaVantageProvider(baseURL, apiKey string, timeout time.Duration) Provider {
	return &alphaVantageProvider{
		client: resty.New().SetBaseURL(baseURL).SetTimeout(timeout),
		apiKey: apiKey,
	}
}

func (p *alphaVantageProvider) Name() string { return "alphavantage" }

func (p *alphaVantageProvider) BatchLimit() int { return 1 }

func (p *alphaVantageProvider) Quote(ctx context.Context, symbol string) (Quote, error) {
	var out map[string]map[string]string
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"function": "GLOBAL_QUOTE",
			"symbol":   symbol,
			"apikey":   p.apiKey,
		}).
		SetResult(&out).
		Get("/query")
	if err != nil {
		return Quote{}, fmt.Errorf("alphavantage quote request failed: %w", err)
	}
	if resp.IsError() {
		return Quote{}, fmt.Errorf("alphavantage quote: status %d", resp.StatusCode())
	}

	g, ok := out["Global Quote"]
	if !ok || len(g) == 0 {
		return Quote{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}

	price, err := avDecimal(g, "05. price")
	if err != nil {
		return Quote{}, err
	}
	open, _ := avDecimal(g, "02. open")
	high, _ := avDecimal(g, "03. high")
	low, _ := avDecimal(g, "04. low")
	volume, _ := strconv.ParseInt(g["06. volume"], 10, 64)

	// Alpha Vantage has no NBBO; approximate bid/ask with last.
	return Quote{
		Symbol:    symbol,
		Last:      price,
		Bid:       price,
		Ask:       price,
		Open:      open,
		High:      high,
		Low:       low,
		Volume:    volume,
		Timestamp: time.Now(),
	}, nil
}

func avDecimal(m map[string]string, key string) (decimal.Decimal, error) {
	raw, ok := m[key]
	if !ok {
		return decimal.Zero, fmt.Errorf("alphavantage response missing %q", key)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("alphavantage field %q: %w", key, err)
	}
	return d.Round(4), nil
}

func (p *alphaVantageProvider) BatchQuotes(ctx context.Context, symbols []string) (map[string]Quote, error) {
	out := make(map[string]Quote, len(symbols))
	for _, s := range symbols {
		q, err := p.Quote(ctx, s)
		if err != nil {
			continue
		}
		out[s] = q
	}
	if len(out) == 0 && len(symbols) > 0 {
		return nil, fmt.Errorf("alphavantage returned no quotes for %d symbols", len(symbols))
	}
	return out, nil
}

func avSeries(tf Timeframe) (function, interval, seriesKey string) {
	switch tf {
	case Timeframe1m:
		return "TIME_SERIES_INTRADAY", "1min", "Time Series (1min)"
	case Timeframe5m:
		return "TIME_SERIES_INTRADAY", "5min", "Time Series (5min)"
	case Timeframe15m:
		return "TIME_SERIES_INTRADAY", "15min", "Time Series (15min)"
	case Timeframe1h:
		return "TIME_SERIES_INTRADAY", "60min", "Time Series (60min)"
	default:
		return "TIME_SERIES_DAILY", "", "Time Series (Daily)"
	}
}

func (p *alphaVantageProvider) Bars(ctx context.Context, symbol string, tf Timeframe, count int) ([]Bar, error) {
	function, interval, seriesKey := avSeries(tf)

	params := map[string]string{
		"function":   function,
		"symbol":     symbol,
		"apikey":     p.apiKey,
		"outputsize": "full",
	}
	if interval != "" {
		params["interval"] = interval
	}

	var out map[string]interface{}
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&out).
		Get("/query")
	if err != nil {
		return nil, fmt.Errorf("alphavantage series request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("alphavantage series: status %d", resp.StatusCode())
	}

	seriesRaw, ok := out[seriesKey].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("alphavantage response missing %q for %s", seriesKey, symbol)
	}

	layout := "2006-01-02 15:04:05"
	if tf == Timeframe1d {
		layout = "2006-01-02"
	}

	bars := make([]Bar, 0, len(seriesRaw))
	for stamp, v := range seriesRaw {
		fields, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		ts, err := time.Parse(layout, stamp)
		if err != nil {
			continue
		}
		bars = append(bars, Bar{
			Time:   ts,
			Open:   avFloat(fields, "1. open"),
			High:   avFloat(fields, "2. high"),
			Low:    avFloat(fields, "3. low"),
			Close:  avFloat(fields, "4. close"),
			Volume: avFloat(fields, "5. volume"),
		})
	}

	sort.Slice(bars, func(i, j int) bool { return bars[i].Time.Before(bars[j].Time) })
	if len(bars) > count {
		bars = bars[len(bars)-count:]
	}
	return bars, nil
}

func avFloat(m map[string]interface{}, key string) float64 {
	s, ok := m[key].(string)
	if !ok {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
