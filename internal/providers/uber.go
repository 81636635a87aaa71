package providers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"dispatch-backend/internal/apperrors"
	"dispatch-backend/internal/models"
)

const (
	UberBaseURL  = "https://api.uber.com"
	UberTokenURL = "https://auth.uber.com/oauth/v2/token"
	uberScope    = "eats.deliveries"

	// Refresh the cached token this long before it expires
	uberTokenEarlyExpiry = 5 * time.Minute
)

// UberConfig holds Uber Direct credentials
type UberConfig struct {
	CustomerID    string
	ClientID      string
	ClientSecret  string
	WebhookSecret string // HMAC key for X-Uber-Signature; empty disables the check
	BaseURL       string
	TokenURL      string
	HTTPClient    *http.Client
	Now           func() time.Time
}

// Uber is the Uber Direct adapter
type Uber struct {
	cfg    UberConfig
	tokens oauth2.TokenSource
	api    *apiClient
	now    func() time.Time
}

// NewUber validates credentials and builds the adapter. Tokens are fetched
// lazily and shared by every request made through this instance.
func NewUber(cfg UberConfig) (*Uber, error) {
	if cfg.CustomerID == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("%w: uber credentials missing", apperrors.ErrProviderNotConfigured)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = UberBaseURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = UberTokenURL
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       []string{uberScope},
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	tokenCtx := context.Background()
	if cfg.HTTPClient != nil {
		tokenCtx = context.WithValue(tokenCtx, oauth2.HTTPClient, cfg.HTTPClient)
	}

	u := &Uber{
		cfg:    cfg,
		tokens: oauth2.ReuseTokenSourceWithExpiry(nil, cc.TokenSource(tokenCtx), uberTokenEarlyExpiry),
		now:    cfg.Now,
	}
	if u.now == nil {
		u.now = time.Now
	}
	base := strings.TrimRight(cfg.BaseURL, "/") + "/v1/customers/" + url.PathEscape(cfg.CustomerID)
	u.api = newAPIClient(base, cfg.HTTPClient, u.authorize)
	return u, nil
}

func (u *Uber) ID() models.ProviderID { return models.ProviderUber }

func (u *Uber) authorize(ctx context.Context, req *http.Request) error {
	tok, err := u.tokens.Token()
	if err != nil {
		return fmt.Errorf("%w: uber token: %v", apperrors.ErrProviderAuth, err)
	}
	tok.SetAuthHeader(req)
	return nil
}

type uberAddress struct {
	StreetAddress []string `json:"street_address"`
	City          string   `json:"city"`
	State         string   `json:"state"`
	ZipCode       string   `json:"zip_code"`
	Country       string   `json:"country"`
}

// encodeUberAddress renders the JSON-in-a-string address format Uber expects
func encodeUberAddress(a models.Address) string {
	b, _ := json.Marshal(uberAddress{
		StreetAddress: []string{a.Street},
		City:          a.City,
		State:         a.State,
		ZipCode:       a.Zip,
		Country:       a.Country,
	})
	return string(b)
}

type uberQuoteRequest struct {
	PickupAddress      string   `json:"pickup_address"`
	DropoffAddress     string   `json:"dropoff_address"`
	PickupLatitude     *float64 `json:"pickup_latitude,omitempty"`
	PickupLongitude    *float64 `json:"pickup_longitude,omitempty"`
	DropoffLatitude    *float64 `json:"dropoff_latitude,omitempty"`
	DropoffLongitude   *float64 `json:"dropoff_longitude,omitempty"`
	PickupPhoneNumber  string   `json:"pickup_phone_number,omitempty"`
	DropoffPhoneNumber string   `json:"dropoff_phone_number,omitempty"`
	ManifestTotalValue int64    `json:"manifest_total_value,omitempty"`
	ExternalStoreID    string   `json:"external_store_id,omitempty"`
}

type uberQuote struct {
	ID           string     `json:"id"`
	Fee          int64      `json:"fee"`
	CurrencyType string     `json:"currency_type"`
	Duration     int        `json:"duration"` // minutes until dropoff
	DropoffETA   *time.Time `json:"dropoff_eta"`
	Expires      *time.Time `json:"expires"`
}

type uberManifestItem struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

type uberDeliveryRequest struct {
	QuoteID            string             `json:"quote_id,omitempty"`
	ExternalID         string             `json:"external_id,omitempty"`
	PickupName         string             `json:"pickup_name"`
	PickupAddress      string             `json:"pickup_address"`
	PickupPhoneNumber  string             `json:"pickup_phone_number"`
	PickupNotes        string             `json:"pickup_notes,omitempty"`
	DropoffName        string             `json:"dropoff_name"`
	DropoffAddress     string             `json:"dropoff_address"`
	DropoffPhoneNumber string             `json:"dropoff_phone_number"`
	DropoffNotes       string             `json:"dropoff_notes,omitempty"`
	ManifestItems      []uberManifestItem `json:"manifest_items"`
	ManifestTotalValue int64              `json:"manifest_total_value,omitempty"`
	Tip                int64              `json:"tip,omitempty"`
	DropoffLatitude    *float64           `json:"dropoff_latitude,omitempty"`
	DropoffLongitude   *float64           `json:"dropoff_longitude,omitempty"`
}

type uberLocation struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type uberCourier struct {
	Name        string        `json:"name"`
	PhoneNumber string        `json:"phone_number"`
	Location    *uberLocation `json:"location"`
}

type uberDelivery struct {
	ID          string       `json:"id"`
	Status      string       `json:"status"`
	Fee         int64        `json:"fee"`
	Currency    string       `json:"currency"`
	TrackingURL string       `json:"tracking_url"`
	ExternalID  string       `json:"external_id"`
	Courier     *uberCourier `json:"courier"`
	DropoffETA  *time.Time   `json:"dropoff_eta"`
}

type uberWebhook struct {
	Kind       string        `json:"kind"`
	DeliveryID string        `json:"delivery_id"`
	Status     string        `json:"status"`
	Created    *time.Time    `json:"created"`
	Data       *uberDelivery `json:"data"`
}

func coordPtrs(c *models.Coordinates) (*float64, *float64) {
	if c == nil {
		return nil, nil
	}
	lat, lng := c.Lat, c.Lng
	return &lat, &lng
}

func (u *Uber) Quote(ctx context.Context, req DeliveryRequest) (models.DeliveryQuote, error) {
	in := uberQuoteRequest{
		PickupAddress:      encodeUberAddress(req.Pickup.Address),
		DropoffAddress:     encodeUberAddress(req.Dropoff.Address),
		PickupPhoneNumber:  req.Pickup.Contact.Phone,
		DropoffPhoneNumber: req.Dropoff.Contact.Phone,
		ManifestTotalValue: req.OrderValueCents,
		ExternalStoreID:    req.TenantID,
	}
	in.PickupLatitude, in.PickupLongitude = coordPtrs(req.Pickup.Address.Coordinates)
	in.DropoffLatitude, in.DropoffLongitude = coordPtrs(req.Dropoff.Address.Coordinates)

	var out uberQuote
	if err := u.api.call(ctx, http.MethodPost, "/delivery_quotes", in, &out, false); err != nil {
		return models.DeliveryQuote{}, fmt.Errorf("uber quote: %w", err)
	}

	q := models.DeliveryQuote{
		Provider:   models.ProviderUber,
		QuoteID:    out.ID,
		FeeCents:   out.Fee,
		Currency:   strings.ToUpper(out.CurrencyType),
		ETAMinutes: out.Duration,
	}
	if q.ETAMinutes == 0 && out.DropoffETA != nil {
		q.ETAMinutes = minutesUntil(u.now(), *out.DropoffETA)
	}
	if out.Expires != nil {
		q.ExpiresAt = *out.Expires
	}
	return q, nil
}

func (u *Uber) CreateDelivery(ctx context.Context, req DeliveryRequest) (ProviderDelivery, error) {
	pickupName := req.Pickup.Contact.BusinessName
	if pickupName == "" {
		pickupName = req.Pickup.Contact.Name
	}
	in := uberDeliveryRequest{
		QuoteID:            req.QuoteID,
		ExternalID:         req.ExternalID,
		PickupName:         pickupName,
		PickupAddress:      encodeUberAddress(req.Pickup.Address),
		PickupPhoneNumber:  req.Pickup.Contact.Phone,
		PickupNotes:        req.Pickup.Contact.Instructions,
		DropoffName:        req.Dropoff.Contact.Name,
		DropoffAddress:     encodeUberAddress(req.Dropoff.Address),
		DropoffPhoneNumber: req.Dropoff.Contact.Phone,
		DropoffNotes:       req.Dropoff.Contact.Instructions,
		ManifestItems:      []uberManifestItem{{Name: "Order " + req.OrderID, Quantity: 1}},
		ManifestTotalValue: req.OrderValueCents,
		Tip:                req.TipCents,
	}
	in.DropoffLatitude, in.DropoffLongitude = coordPtrs(req.Dropoff.Address.Coordinates)

	var out uberDelivery
	if err := u.api.call(ctx, http.MethodPost, "/deliveries", in, &out, false); err != nil {
		return ProviderDelivery{}, fmt.Errorf("uber create delivery: %w", err)
	}
	return out.toDelivery(), nil
}

func (u *Uber) GetStatus(ctx context.Context, providerDeliveryID string) (ProviderDelivery, error) {
	var out uberDelivery
	if err := u.api.call(ctx, http.MethodGet, "/deliveries/"+url.PathEscape(providerDeliveryID), nil, &out, true); err != nil {
		return ProviderDelivery{}, fmt.Errorf("uber delivery status: %w", err)
	}
	return out.toDelivery(), nil
}

func (u *Uber) Cancel(ctx context.Context, providerDeliveryID string) error {
	if err := u.api.call(ctx, http.MethodPost, "/deliveries/"+url.PathEscape(providerDeliveryID)+"/cancel", nil, nil, true); err != nil {
		return fmt.Errorf("uber cancel: %w", err)
	}
	return nil
}

// VerifyWebhook checks the hex HMAC-SHA256 of the raw body
func (u *Uber) VerifyWebhook(headers http.Header, body []byte) error {
	if u.cfg.WebhookSecret == "" {
		return nil
	}
	sig := headers.Get("X-Uber-Signature")
	if sig == "" {
		sig = headers.Get("X-Postmates-Signature")
	}
	got, err := hex.DecodeString(strings.TrimSpace(sig))
	if err != nil || len(got) == 0 {
		return fmt.Errorf("%w: missing or malformed uber signature", apperrors.ErrInvalidWebhook)
	}

	mac := hmac.New(sha256.New, []byte(u.cfg.WebhookSecret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return fmt.Errorf("%w: uber signature mismatch", apperrors.ErrInvalidWebhook)
	}
	return nil
}

func (u *Uber) ParseWebhook(body []byte) (WebhookEvent, error) {
	var in uberWebhook
	if err := json.Unmarshal(body, &in); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", apperrors.ErrInvalidWebhook, err)
	}

	ev := WebhookEvent{Provider: models.ProviderUber, ProviderDeliveryID: in.DeliveryID, RawStatus: in.Status}
	if in.Data != nil {
		if ev.ProviderDeliveryID == "" {
			ev.ProviderDeliveryID = in.Data.ID
		}
		if ev.RawStatus == "" {
			ev.RawStatus = in.Data.Status
		}
		ev.ExternalID = in.Data.ExternalID
		ev.TrackingURL = in.Data.TrackingURL
		ev.Courier = in.Data.courier()
	}
	if ev.ProviderDeliveryID == "" {
		return WebhookEvent{}, fmt.Errorf("%w: missing delivery id", apperrors.ErrInvalidWebhook)
	}
	if ev.RawStatus == "" {
		return WebhookEvent{}, fmt.Errorf("%w: missing status", apperrors.ErrInvalidWebhook)
	}
	ev.Status = NormalizeUber(ev.RawStatus)
	if in.Created != nil {
		ev.OccurredAt = *in.Created
	}
	return ev, nil
}

func (r uberDelivery) courier() *models.Courier {
	if r.Courier == nil {
		return nil
	}
	c := &models.Courier{Name: r.Courier.Name, Phone: r.Courier.PhoneNumber}
	if r.Courier.Location != nil {
		c.Location = &models.Coordinates{Lat: r.Courier.Location.Lat, Lng: r.Courier.Location.Lng}
	}
	return c
}

func (r uberDelivery) toDelivery() ProviderDelivery {
	pd := ProviderDelivery{
		ProviderDeliveryID: r.ID,
		Status:             NormalizeUber(r.Status),
		RawStatus:          r.Status,
		FeeCents:           r.Fee,
		Currency:           strings.ToUpper(r.Currency),
		TrackingURL:        r.TrackingURL,
		Courier:            r.courier(),
	}
	if r.DropoffETA != nil {
		pd.DropoffETA = *r.DropoffETA
	}
	return pd
}
