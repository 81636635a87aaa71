package providers

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"dispatch-backend/internal/apperrors"
	"dispatch-backend/internal/models"
)

// DoorDashBaseURL is the Drive v2 API root
const DoorDashBaseURL = "https://openapi.doordash.com/drive/v2"

const (
	doorDashTokenTTL  = 5 * time.Minute
	doorDashTokenSkew = 30 * time.Second
	doorDashQuoteTTL  = 5 * time.Minute
)

// DoorDashConfig holds Drive API credentials
type DoorDashConfig struct {
	DeveloperID   string
	KeyID         string
	SigningSecret string // base64url, as issued in the developer portal
	WebhookSecret string // expected Authorization header value; empty disables the check
	BaseURL       string
	HTTPClient    *http.Client
	Now           func() time.Time
}

// DoorDash is the DoorDash Drive adapter
type DoorDash struct {
	cfg    DoorDashConfig
	secret []byte
	api    *apiClient
	now    func() time.Time

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

// NewDoorDash validates credentials and builds the adapter
func NewDoorDash(cfg DoorDashConfig) (*DoorDash, error) {
	if cfg.DeveloperID == "" || cfg.KeyID == "" || cfg.SigningSecret == "" {
		return nil, fmt.Errorf("%w: doordash credentials missing", apperrors.ErrProviderNotConfigured)
	}
	secret, err := decodeSigningSecret(cfg.SigningSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: doordash signing secret: %v", apperrors.ErrProviderNotConfigured, err)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DoorDashBaseURL
	}

	d := &DoorDash{cfg: cfg, secret: secret, now: cfg.Now}
	if d.now == nil {
		d.now = time.Now
	}
	d.api = newAPIClient(cfg.BaseURL, cfg.HTTPClient, d.authorize)
	return d, nil
}

func decodeSigningSecret(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "=")); err == nil {
		return b, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

func (d *DoorDash) ID() models.ProviderID { return models.ProviderDoorDash }

// bearerToken returns the cached JWT, minting a new one shortly before the
// current one expires
func (d *DoorDash) bearerToken() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if d.token != "" && now.Before(d.tokenExp.Add(-doorDashTokenSkew)) {
		return d.token, nil
	}

	exp := now.Add(doorDashTokenTTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"aud": "doordash",
		"iss": d.cfg.DeveloperID,
		"kid": d.cfg.KeyID,
		"iat": now.Unix(),
		"exp": exp.Unix(),
	})
	token.Header["dd-ver"] = "DD-JWT-V1"

	signed, err := token.SignedString(d.secret)
	if err != nil {
		return "", fmt.Errorf("%w: sign doordash token: %v", apperrors.ErrProviderAuth, err)
	}
	d.token = signed
	d.tokenExp = exp
	return signed, nil
}

func (d *DoorDash) authorize(ctx context.Context, req *http.Request) error {
	token, err := d.bearerToken()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

type doorDashDeliveryRequest struct {
	ExternalDeliveryID      string `json:"external_delivery_id"`
	PickupAddress           string `json:"pickup_address"`
	PickupBusinessName      string `json:"pickup_business_name,omitempty"`
	PickupPhoneNumber       string `json:"pickup_phone_number"`
	PickupInstructions      string `json:"pickup_instructions,omitempty"`
	DropoffAddress          string `json:"dropoff_address"`
	DropoffBusinessName     string `json:"dropoff_business_name,omitempty"`
	DropoffPhoneNumber      string `json:"dropoff_phone_number"`
	DropoffContactGivenName string `json:"dropoff_contact_given_name,omitempty"`
	DropoffInstructions     string `json:"dropoff_instructions,omitempty"`
	OrderValue              int64  `json:"order_value"`
	Tip                     int64  `json:"tip,omitempty"`
	Currency                string `json:"currency,omitempty"`
}

type doorDashLocation struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type doorDashDelivery struct {
	ExternalDeliveryID       string            `json:"external_delivery_id"`
	DeliveryStatus           string            `json:"delivery_status"`
	Fee                      int64             `json:"fee"`
	Currency                 string            `json:"currency"`
	TrackingURL              string            `json:"tracking_url"`
	DasherName               string            `json:"dasher_name"`
	DasherDropoffPhoneNumber string            `json:"dasher_dropoff_phone_number"`
	DasherLocation           *doorDashLocation `json:"dasher_location"`
	DropoffTimeEstimated     *time.Time        `json:"dropoff_time_estimated"`
}

type doorDashWebhook struct {
	doorDashDelivery
	EventName string     `json:"event_name"`
	CreatedAt *time.Time `json:"created_at"`
}

func (d *DoorDash) buildRequest(req DeliveryRequest, externalID string) doorDashDeliveryRequest {
	return doorDashDeliveryRequest{
		ExternalDeliveryID:      externalID,
		PickupAddress:           formatAddress(req.Pickup.Address),
		PickupBusinessName:      req.Pickup.Contact.BusinessName,
		PickupPhoneNumber:       req.Pickup.Contact.Phone,
		PickupInstructions:      req.Pickup.Contact.Instructions,
		DropoffAddress:          formatAddress(req.Dropoff.Address),
		DropoffBusinessName:     req.Dropoff.Contact.BusinessName,
		DropoffPhoneNumber:      req.Dropoff.Contact.Phone,
		DropoffContactGivenName: req.Dropoff.Contact.Name,
		DropoffInstructions:     req.Dropoff.Contact.Instructions,
		OrderValue:              req.OrderValueCents,
		Tip:                     req.TipCents,
		Currency:                req.Currency,
	}
}

// Quote asks for a fee estimate. DoorDash keys quotes by the external
// delivery id, which becomes the quote id.
func (d *DoorDash) Quote(ctx context.Context, req DeliveryRequest) (models.DeliveryQuote, error) {
	externalID := req.ExternalID
	if externalID == "" {
		externalID = uuid.NewString()
	}

	var out doorDashDelivery
	if err := d.api.call(ctx, http.MethodPost, "/quotes", d.buildRequest(req, externalID), &out, false); err != nil {
		return models.DeliveryQuote{}, fmt.Errorf("doordash quote: %w", err)
	}

	now := d.now()
	q := models.DeliveryQuote{
		Provider:  models.ProviderDoorDash,
		QuoteID:   out.ExternalDeliveryID,
		FeeCents:  out.Fee,
		Currency:  strings.ToUpper(out.Currency),
		ExpiresAt: now.Add(doorDashQuoteTTL),
	}
	if q.QuoteID == "" {
		q.QuoteID = externalID
	}
	if out.DropoffTimeEstimated != nil {
		q.ETAMinutes = minutesUntil(now, *out.DropoffTimeEstimated)
	}
	return q, nil
}

// CreateDelivery books a courier, accepting a prior quote when one is given
func (d *DoorDash) CreateDelivery(ctx context.Context, req DeliveryRequest) (ProviderDelivery, error) {
	var out doorDashDelivery
	var err error
	if req.QuoteID != "" {
		body := map[string]int64{"tip": req.TipCents}
		err = d.api.call(ctx, http.MethodPost, "/quotes/"+url.PathEscape(req.QuoteID)+"/accept", body, &out, false)
	} else {
		if req.ExternalID == "" {
			return ProviderDelivery{}, fmt.Errorf("%w: external id is required", apperrors.ErrInvalidRequest)
		}
		err = d.api.call(ctx, http.MethodPost, "/deliveries", d.buildRequest(req, req.ExternalID), &out, false)
	}
	if err != nil {
		return ProviderDelivery{}, fmt.Errorf("doordash create delivery: %w", err)
	}
	return out.toDelivery(), nil
}

func (d *DoorDash) GetStatus(ctx context.Context, providerDeliveryID string) (ProviderDelivery, error) {
	var out doorDashDelivery
	if err := d.api.call(ctx, http.MethodGet, "/deliveries/"+url.PathEscape(providerDeliveryID), nil, &out, true); err != nil {
		return ProviderDelivery{}, fmt.Errorf("doordash delivery status: %w", err)
	}
	return out.toDelivery(), nil
}

func (d *DoorDash) Cancel(ctx context.Context, providerDeliveryID string) error {
	if err := d.api.call(ctx, http.MethodPut, "/deliveries/"+url.PathEscape(providerDeliveryID)+"/cancel", nil, nil, true); err != nil {
		return fmt.Errorf("doordash cancel: %w", err)
	}
	return nil
}

// VerifyWebhook compares the Authorization header with the secret configured
// on the DoorDash webhook endpoint
func (d *DoorDash) VerifyWebhook(headers http.Header, body []byte) error {
	if d.cfg.WebhookSecret == "" {
		return nil
	}
	got := strings.TrimSpace(headers.Get("Authorization"))
	got = strings.TrimPrefix(got, "Bearer ")
	if subtle.ConstantTimeCompare([]byte(got), []byte(d.cfg.WebhookSecret)) != 1 {
		return fmt.Errorf("%w: doordash authorization mismatch", apperrors.ErrInvalidWebhook)
	}
	return nil
}

func (d *DoorDash) ParseWebhook(body []byte) (WebhookEvent, error) {
	var in doorDashWebhook
	if err := json.Unmarshal(body, &in); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", apperrors.ErrInvalidWebhook, err)
	}
	if in.ExternalDeliveryID == "" {
		return WebhookEvent{}, fmt.Errorf("%w: missing external_delivery_id", apperrors.ErrInvalidWebhook)
	}

	ev := WebhookEvent{
		Provider:           models.ProviderDoorDash,
		ProviderDeliveryID: in.ExternalDeliveryID,
		ExternalID:         in.ExternalDeliveryID,
		TrackingURL:        in.TrackingURL,
		Courier:            in.courier(),
	}
	switch {
	case in.DeliveryStatus != "":
		ev.RawStatus = in.DeliveryStatus
		ev.Status = NormalizeDoorDash(in.DeliveryStatus)
	case in.EventName != "":
		ev.RawStatus = in.EventName
		ev.Status = normalize(models.ProviderDoorDash, doorDashEvents, in.EventName)
	default:
		return WebhookEvent{}, fmt.Errorf("%w: no status or event name", apperrors.ErrInvalidWebhook)
	}
	if in.CreatedAt != nil {
		ev.OccurredAt = *in.CreatedAt
	}
	return ev, nil
}

func (r doorDashDelivery) courier() *models.Courier {
	if r.DasherName == "" && r.DasherDropoffPhoneNumber == "" && r.DasherLocation == nil {
		return nil
	}
	c := &models.Courier{Name: r.DasherName, Phone: r.DasherDropoffPhoneNumber}
	if r.DasherLocation != nil {
		c.Location = &models.Coordinates{Lat: r.DasherLocation.Lat, Lng: r.DasherLocation.Lng}
	}
	return c
}

func (r doorDashDelivery) toDelivery() ProviderDelivery {
	pd := ProviderDelivery{
		ProviderDeliveryID: r.ExternalDeliveryID,
		Status:             NormalizeDoorDash(r.DeliveryStatus),
		RawStatus:          r.DeliveryStatus,
		FeeCents:           r.Fee,
		Currency:           strings.ToUpper(r.Currency),
		TrackingURL:        r.TrackingURL,
		Courier:            r.courier(),
	}
	if r.DropoffTimeEstimated != nil {
		pd.DropoffETA = *r.DropoffTimeEstimated
	}
	return pd
}

// formatAddress renders a single-line postal address
func formatAddress(a models.Address) string {
	parts := make([]string, 0, 4)
	for _, p := range []string{a.Street, a.City, strings.TrimSpace(a.State + " " + a.Zip), a.Country} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

func minutesUntil(now, t time.Time) int {
	d := t.Sub(now)
	if d <= 0 {
		return 0
	}
	m := int(d / time.Minute)
	if d%time.Minute != 0 {
		m++
	}
	return m
}
