package marketdata

import (
	"context"
	"fmt"
)

// BrokerQuoteService is the slice of the broker client the fabric
// consumes. The broker is the primary, realtime quote source; it does
// not serve historical bars.
type BrokerQuoteService interface {
	GetQuote(ctx context.Context, symbol string) (Quote, error)
	BatchQuotes(ctx context.Context, symbols []string) (map[string]Quote, error)
}

type brokerProvider struct {
	svc        BrokerQuoteService
	batchLimit int
}

// NewBrokerProvider adapts the broker client into the provider roster.
func NewBrokerProvider(svc BrokerQuoteService, batchLimit int) Provider {
	if batchLimit <= 0 || batchLimit > 50 {
		batchLimit = 50
	}
	return &brokerProvider{svc: svc, batchLimit: batchLimit}
}

func (p *brokerProvider) Name() string { return "broker" }

func (p *brokerProvider) BatchLimit() int { return p.batchLimit }

func (p *brokerProvider) Quote(ctx context.Context, symbol string) (Quote, error) {
	return p.svc.GetQuote(ctx, symbol)
}

func (p *brokerProvider) BatchQuotes(ctx context.Context, symbols []string) (map[string]Quote, error) {
	return p.svc.BatchQuotes(ctx, symbols)
}

func (p *brokerProvider) Bars(ctx context.Context, symbol string, tf Timeframe, count int) ([]Bar, error) {
	return nil, fmt.Errorf("broker provider does not serve bars: %w", ErrInsufficientHistory)
}
