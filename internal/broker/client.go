package broker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ees-trading/ees/internal/config"
	"github.com/ees-trading/ees/internal/marketdata"
)

// maxQuoteBatch is the broker's hard ceiling on symbols per quote call.
const maxQuoteBatch = 50

// authSession is the slice of the OAuth session the client needs.
type authSession interface {
	SignRequest(method, rawURL string, queryParams, bodyParams url.Values) (string, error)
	Renew(ctx context.Context) error
	ObserveServerTime(serverTime time.Time)
}

// Client is the signed broker HTTP client. Every call carries an OAuth
// header; a 401 triggers exactly one renew followed by one retry.
type Client struct {
	http      *resty.Client
	session   authSession
	accountID string
	logger    zerolog.Logger
}

// NewClient creates a broker client bound to one account.
func NewClient(host, accountID string, session authSession, timeout time.Duration) *Client {
	return &Client{
		http:      resty.New().SetBaseURL(host).SetTimeout(timeout),
		session:   session,
		accountID: accountID,
		logger:    config.NewLogger("broker"),
	}
}

// do issues one signed request with renew-on-401 semantics.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body url.Values, result interface{}) error {
	resp, err := c.issue(ctx, method, path, query, body, result)
	if err != nil {
		return err
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		c.logger.Warn().Str("path", path).Msg("broker returned 401, renewing token")
		if err := c.session.Renew(ctx); err != nil {
			return fmt.Errorf("renew after 401 failed: %w", err)
		}
		resp, err = c.issue(ctx, method, path, query, body, result)
		if err != nil {
			return err
		}
	}
	if resp.IsError() {
		return fmt.Errorf("broker %s %s: status %d: %s", method, path, resp.StatusCode(), resp.String())
	}
	return nil
}

func (c *Client) issue(ctx context.Context, method, path string, query url.Values, body url.Values, result interface{}) (*resty.Response, error) {
	full := strings.TrimRight(c.http.BaseURL, "/") + path
	header, err := c.session.SignRequest(method, full, query, body)
	if err != nil {
		return nil, fmt.Errorf("signing %s %s: %w", method, path, err)
	}

	req := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", header)
	if query != nil {
		req.SetQueryParamsFromValues(query)
	}
	if body != nil {
		req.SetFormDataFromValues(body)
	}
	if result != nil {
		req.SetResult(result)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, fmt.Errorf("broker %s %s failed: %w", method, path, err)
	}
	// The broker's Date header is the reference clock for skew checks.
	if date := resp.Header().Get("Date"); date != "" {
		if serverTime, perr := http.ParseTime(date); perr == nil {
			c.session.ObserveServerTime(serverTime)
		}
	}
	return resp, nil
}

type balanceResponse struct {
	AccountID string `json:"accountId"`
	Computed  struct {
		CashAvailableForInvestment string `json:"cashAvailableForInvestment"`
		TotalAccountValue          string `json:"totalAccountValue"`
	} `json:"computed"`
}

// Balance fetches the account snapshot.
func (c *Client) Balance(ctx context.Context) (AccountSnapshot, error) {
	var out balanceResponse
	path := fmt.Sprintf("/accounts/%s/balance", c.accountID)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return AccountSnapshot{}, err
	}

	cash, err := decimal.NewFromString(out.Computed.CashAvailableForInvestment)
	if err != nil {
		return AccountSnapshot{}, fmt.Errorf("parsing cash available: %w", err)
	}
	total, err := decimal.NewFromString(out.Computed.TotalAccountValue)
	if err != nil {
		return AccountSnapshot{}, fmt.Errorf("parsing total value: %w", err)
	}

	return AccountSnapshot{
		AccountID:                  out.AccountID,
		CashAvailableForInvestment: cash,
		TotalValue:                 total,
		FetchedAt:                  time.Now(),
	}, nil
}

type positionsResponse struct {
	Positions []struct {
		Symbol    string `json:"symbol"`
		Quantity  int64  `json:"quantity"`
		PricePaid string `json:"pricePaid"`
		OwnerTag  string `json:"ownerTag"`
	} `json:"positions"`
}

// Positions fetches every holding on the account, owned or not.
func (c *Client) Positions(ctx context.Context) ([]BrokerPosition, error) {
	var out positionsResponse
	path := fmt.Sprintf("/accounts/%s/positions", c.accountID)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}

	positions := make([]BrokerPosition, 0, len(out.Positions))
	for _, p := range out.Positions {
		entry, err := decimal.NewFromString(p.PricePaid)
		if err != nil {
			c.logger.Warn().Str("symbol", p.Symbol).Str("price_paid", p.PricePaid).Msg("unparseable entry price, skipping")
			continue
		}
		positions = append(positions, BrokerPosition{
			Symbol:     p.Symbol,
			Quantity:   p.Quantity,
			EntryPrice: entry,
			OwnerTag:   p.OwnerTag,
		})
	}
	return positions, nil
}

type quoteResponse struct {
	Quotes []struct {
		Symbol    string  `json:"symbol"`
		Last      float64 `json:"lastTrade"`
		Bid       float64 `json:"bid"`
		Ask       float64 `json:"ask"`
		Open      float64 `json:"open"`
		High      float64 `json:"high"`
		Low       float64 `json:"low"`
		Volume    int64   `json:"totalVolume"`
		Timestamp int64   `json:"quoteTime"` // unix seconds
	} `json:"quotes"`
}

// GetQuote fetches one symbol. Part of marketdata.BrokerQuoteService.
func (c *Client) GetQuote(ctx context.Context, symbol string) (marketdata.Quote, error) {
	quotes, err := c.BatchQuotes(ctx, []string{symbol})
	if err != nil {
		return marketdata.Quote{}, err
	}
	q, ok := quotes[symbol]
	if !ok {
		return marketdata.Quote{}, fmt.Errorf("%w: %s", marketdata.ErrUnknownSymbol, symbol)
	}
	return q, nil
}

// BatchQuotes fetches up to 50 symbols in one call. Part of
// marketdata.BrokerQuoteService.
func (c *Client) BatchQuotes(ctx context.Context, symbols []string) (map[string]marketdata.Quote, error) {
	if len(symbols) == 0 {
		return map[string]marketdata.Quote{}, nil
	}
	if len(symbols) > maxQuoteBatch {
		return nil, fmt.Errorf("%d symbols exceeds broker batch limit %d", len(symbols), maxQuoteBatch)
	}

	var out quoteResponse
	path := fmt.Sprintf("/market/quote/%s", strings.Join(symbols, ","))
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}

	quotes := make(map[string]marketdata.Quote, len(out.Quotes))
	for _, q := range out.Quotes {
		ts := time.Unix(q.Timestamp, 0)
		if q.Timestamp == 0 {
			ts = time.Now()
		}
		quotes[q.Symbol] = marketdata.Quote{
			Symbol:    q.Symbol,
			Last:      decimal.NewFromFloat(q.Last).Round(4),
			Bid:       decimal.NewFromFloat(q.Bid).Round(4),
			Ask:       decimal.NewFromFloat(q.Ask).Round(4),
			Open:      decimal.NewFromFloat(q.Open).Round(4),
			High:      decimal.NewFromFloat(q.High).Round(4),
			Low:       decimal.NewFromFloat(q.Low).Round(4),
			Volume:    q.Volume,
			Timestamp: ts,
		}
	}
	return quotes, nil
}

func orderForm(req OrderRequest) url.Values {
	form := url.Values{}
	form.Set("clientOrderId", req.ClientOrderID)
	form.Set("symbol", req.Symbol)
	form.Set("orderAction", string(req.Side))
	form.Set("quantity", fmt.Sprintf("%d", req.Quantity))
	form.Set("priceType", string(req.PriceType))
	if req.PriceType == PriceTypeLimit {
		form.Set("limitPrice", req.LimitPrice.String())
	}
	form.Set("ownerTag", req.OwnerTag)
	return form
}

type previewResponse struct {
	PreviewID     string   `json:"previewId"`
	EstimatedCost string   `json:"estimatedTotalAmount"`
	Messages      []string `json:"messages"`
	Errors        []string `json:"errors"`
}

// PreviewOrder dry-runs an order. A broker-side validation failure
// surfaces as ErrPreviewRejected.
func (c *Client) PreviewOrder(ctx context.Context, req OrderRequest) (PreviewResult, error) {
	var out previewResponse
	path := fmt.Sprintf("/accounts/%s/orders/preview", c.accountID)
	if err := c.do(ctx, http.MethodPost, path, nil, orderForm(req), &out); err != nil {
		return PreviewResult{}, err
	}
	if len(out.Errors) > 0 {
		return PreviewResult{}, fmt.Errorf("%w: %s", ErrPreviewRejected, strings.Join(out.Errors, "; "))
	}

	cost := decimal.Zero
	if out.EstimatedCost != "" {
		var err error
		cost, err = decimal.NewFromString(out.EstimatedCost)
		if err != nil {
			return PreviewResult{}, fmt.Errorf("parsing estimated cost: %w", err)
		}
	}
	return PreviewResult{PreviewID: out.PreviewID, EstimatedCost: cost, Messages: out.Messages}, nil
}

type placeResponse struct {
	OrderID string `json:"orderId"`
}

// PlaceOrder submits a previously previewed order.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest, previewID string) (string, error) {
	form := orderForm(req)
	form.Set("previewId", previewID)

	var out placeResponse
	path := fmt.Sprintf("/accounts/%s/orders/place", c.accountID)
	if err := c.do(ctx, http.MethodPost, path, nil, form, &out); err != nil {
		return "", err
	}
	if out.OrderID == "" {
		return "", fmt.Errorf("broker accepted order but returned no order id")
	}
	return out.OrderID, nil
}

type orderStatusResponse struct {
	OrderID        string `json:"orderId"`
	Status         string `json:"status"`
	FilledQuantity int64  `json:"filledQuantity"`
	AvgFillPrice   string `json:"averageExecutionPrice"`
	Reason         string `json:"reason"`
}

// OrderStatusByID polls one order.
func (c *Client) OrderStatusByID(ctx context.Context, orderID string) (OrderStatus, error) {
	var out orderStatusResponse
	path := fmt.Sprintf("/accounts/%s/orders/%s", c.accountID, orderID)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return OrderStatus{}, err
	}

	fill := decimal.Zero
	if out.AvgFillPrice != "" {
		var err error
		fill, err = decimal.NewFromString(out.AvgFillPrice)
		if err != nil {
			return OrderStatus{}, fmt.Errorf("parsing fill price: %w", err)
		}
	}
	return OrderStatus{
		OrderID:        out.OrderID,
		State:          OrderState(out.Status),
		FilledQuantity: out.FilledQuantity,
		AvgFillPrice:   fill.Round(4),
		Reason:         out.Reason,
	}, nil
}
