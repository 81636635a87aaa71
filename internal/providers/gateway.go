package providers

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"dispatch-backend/internal/apperrors"
	"dispatch-backend/internal/models"
)

// QuoteFailure records a provider left out of a quote comparison
type QuoteFailure struct {
	Provider models.ProviderID `json:"provider"`
	Error    string            `json:"error"`
}

// QuoteResult is the outcome of a quote fan-out
type QuoteResult struct {
	Quotes   []models.DeliveryQuote `json:"quotes"`
	Failures []QuoteFailure         `json:"failures,omitempty"`
}

// Gateway routes delivery calls to the configured providers and bounds each
// call with its timeout
type Gateway struct {
	providers map[models.ProviderID]Provider
	order     []models.ProviderID
	timeouts  Timeouts
}

// NewGateway registers providers in preference order. Nil providers are
// skipped so callers can pass adapters that failed to configure.
func NewGateway(timeouts Timeouts, providers ...Provider) *Gateway {
	g := &Gateway{
		providers: make(map[models.ProviderID]Provider),
		timeouts:  timeouts.withDefaults(),
	}
	for _, p := range providers {
		if p == nil {
			continue
		}
		if _, dup := g.providers[p.ID()]; !dup {
			g.order = append(g.order, p.ID())
		}
		g.providers[p.ID()] = p
	}
	return g
}

// Configured lists the registered providers in preference order
func (g *Gateway) Configured() []models.ProviderID {
	return append([]models.ProviderID(nil), g.order...)
}

// Provider looks up one adapter
func (g *Gateway) Provider(id models.ProviderID) (Provider, error) {
	p, ok := g.providers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrProviderNotConfigured, id)
	}
	return p, nil
}

// GetDeliveryQuotes asks every requested provider concurrently. Failed and
// unconfigured providers are reported but never fail the call. Quotes come
// back cheapest first, ties kept in request order.
func (g *Gateway) GetDeliveryQuotes(ctx context.Context, req DeliveryRequest, ids []models.ProviderID) QuoteResult {
	if len(ids) == 0 {
		ids = g.order
	}

	type outcome struct {
		quote models.DeliveryQuote
		err   error
	}
	outcomes := make([]outcome, len(ids))

	var wg sync.WaitGroup
	for i, id := range ids {
		p, err := g.Provider(id)
		if err != nil {
			outcomes[i].err = err
			continue
		}
		wg.Add(1)
		go func(i int, p Provider) {
			defer wg.Done()
			qctx, cancel := context.WithTimeout(ctx, g.timeouts.Quote)
			defer cancel()
			q, err := p.Quote(qctx, req)
			outcomes[i] = outcome{quote: q, err: err}
		}(i, p)
	}
	wg.Wait()

	var res QuoteResult
	for i, o := range outcomes {
		if o.err != nil {
			logrus.WithError(o.err).WithField("provider", ids[i]).Warn("⚠️ Provider quote failed")
			res.Failures = append(res.Failures, QuoteFailure{Provider: ids[i], Error: o.err.Error()})
			continue
		}
		res.Quotes = append(res.Quotes, o.quote)
	}
	sort.SliceStable(res.Quotes, func(i, j int) bool { return res.Quotes[i].FeeCents < res.Quotes[j].FeeCents })
	return res
}

// CreateDelivery books with one provider. Never retried: a timeout may still
// have created the delivery on the provider's side.
func (g *Gateway) CreateDelivery(ctx context.Context, id models.ProviderID, req DeliveryRequest) (ProviderDelivery, error) {
	p, err := g.Provider(id)
	if err != nil {
		return ProviderDelivery{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeouts.Create)
	defer cancel()
	return p.CreateDelivery(ctx, req)
}

func (g *Gateway) GetStatus(ctx context.Context, id models.ProviderID, providerDeliveryID string) (ProviderDelivery, error) {
	p, err := g.Provider(id)
	if err != nil {
		return ProviderDelivery{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeouts.Status)
	defer cancel()
	return p.GetStatus(ctx, providerDeliveryID)
}

func (g *Gateway) Cancel(ctx context.Context, id models.ProviderID, providerDeliveryID string) error {
	p, err := g.Provider(id)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeouts.Status)
	defer cancel()
	return p.Cancel(ctx, providerDeliveryID)
}

// ParseWebhook authenticates and normalizes an inbound notification
func (g *Gateway) ParseWebhook(id models.ProviderID, headers http.Header, body []byte) (WebhookEvent, error) {
	p, err := g.Provider(id)
	if err != nil {
		return WebhookEvent{}, err
	}
	if err := p.VerifyWebhook(headers, body); err != nil {
		return WebhookEvent{}, err
	}
	return p.ParseWebhook(body)
}
