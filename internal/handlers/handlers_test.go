package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"dispatch-backend/internal/apperrors"
	"dispatch-backend/internal/channel"
	"dispatch-backend/internal/dispatch"
	"dispatch-backend/internal/middleware"
	"dispatch-backend/internal/models"
	"dispatch-backend/internal/presence"
	"dispatch-backend/internal/providers"
	"dispatch-backend/internal/tracking"
	"dispatch-backend/internal/websocket"
)

const testSecret = "handler-secret"

// webhookProvider accepts webhooks signed with the "ok" header value
type webhookProvider struct{}

func (webhookProvider) ID() models.ProviderID { return models.ProviderUber }

func (webhookProvider) Quote(ctx context.Context, req providers.DeliveryRequest) (models.DeliveryQuote, error) {
	return models.DeliveryQuote{Provider: models.ProviderUber, QuoteID: "q1", FeeCents: 899, Currency: "usd"}, nil
}

func (webhookProvider) CreateDelivery(ctx context.Context, req providers.DeliveryRequest) (providers.ProviderDelivery, error) {
	return providers.ProviderDelivery{ProviderDeliveryID: "ub-" + req.OrderID, Status: models.DeliveryStatusCreated, FeeCents: 899}, nil
}

func (webhookProvider) GetStatus(ctx context.Context, id string) (providers.ProviderDelivery, error) {
	return providers.ProviderDelivery{ProviderDeliveryID: id, Status: models.DeliveryStatusCreated}, nil
}

func (webhookProvider) Cancel(ctx context.Context, id string) error { return nil }

func (webhookProvider) VerifyWebhook(h http.Header, body []byte) error {
	if h.Get("X-Test-Signature") != "ok" {
		return apperrors.ErrInvalidWebhook
	}
	return nil
}

func (webhookProvider) ParseWebhook(body []byte) (providers.WebhookEvent, error) {
	var in struct {
		ID     string `json:"delivery_id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &in); err != nil {
		return providers.WebhookEvent{}, apperrors.ErrInvalidWebhook
	}
	return providers.WebhookEvent{
		Provider:           models.ProviderUber,
		ProviderDeliveryID: in.ID,
		Status:             providers.NormalizeUber(in.Status),
	}, nil
}

type api struct {
	t     *testing.T
	srv   *httptest.Server
	store *presence.Store
}

func newAPI(t *testing.T) *api {
	t.Helper()
	ch := channel.NewMemory()
	store := presence.NewStore(presence.Options{Channel: ch})
	t.Cleanup(store.Close)

	repo := dispatch.NewMemoryRepository()
	gateway := providers.NewGateway(providers.Timeouts{}, webhookProvider{})
	coord := dispatch.NewCoordinator(dispatch.Options{Presence: store, Gateway: gateway, Tasks: repo})
	facade := tracking.NewFacade(tracking.Options{Presence: store, Channel: ch, Gateway: gateway, Tasks: repo})

	hub := websocket.NewHub(websocket.DriverDisconnected(store))
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	srv := httptest.NewServer(NewRouter(Deps{
		Presence:    store,
		Coordinator: coord,
		Tracking:    facade,
		Sockets: &websocket.Server{
			Hub: hub, Presence: store, Coordinator: coord, Tracking: facade, JWTSecret: testSecret,
		},
		JWTSecret:       testSecret,
		AssumedSpeedMps: 7,
	}))
	t.Cleanup(srv.Close)
	return &api{t: t, srv: srv, store: store}
}

func token(t *testing.T, tenant, user, role string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, middleware.UserClaims{
		TenantID: tenant, UserID: user, Role: role,
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (a *api) do(method, path, bearer string, body interface{}, header http.Header) (int, envelope) {
	a.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			a.t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, rd)
	if err != nil {
		a.t.Fatalf("request: %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		a.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	raw, _ := io.ReadAll(resp.Body)
	json.Unmarshal(raw, &env)
	return resp.StatusCode, env
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return v
}

func dispatchBody(orderID string) map[string]interface{} {
	return map[string]interface{}{
		"order_id":         orderID,
		"fulfillment_mode": "in_house",
		"driver_id":        "drv-1",
		"pickup": map[string]interface{}{
			"address": map[string]interface{}{"street": "1 Main St", "coordinates": map[string]float64{"lat": 30.26, "lng": -97.74}},
			"contact": map[string]interface{}{"name": "Shop", "phone": "+15550001"},
		},
		"dropoff": map[string]interface{}{
			"address": map[string]interface{}{"street": "9 Elm St", "coordinates": map[string]float64{"lat": 30.30, "lng": -97.70}},
			"contact": map[string]interface{}{"name": "Ana", "phone": "+15550002"},
		},
	}
}

func TestInHouseDispatchFlow(t *testing.T) {
	a := newAPI(t)
	driver := token(t, "acme", "drv-1", middleware.RoleDriver)
	dispatcher := token(t, "acme", "disp-1", middleware.RoleDispatcher)

	if code, env := a.do("POST", "/api/driver/online", driver, map[string]string{"push_token": "tok"}, nil); code != http.StatusOK {
		t.Fatalf("online = %d %s", code, env.Error)
	}

	code, env := a.do("POST", "/api/dispatch/orders", dispatcher, dispatchBody("O1"), nil)
	if code != http.StatusCreated {
		t.Fatalf("dispatch = %d %s", code, env.Error)
	}
	task := decode[models.DeliveryTask](t, env.Data)
	if task.Status != models.DeliveryStatusAssigned || task.DriverID != "drv-1" || task.TenantID != "acme" {
		t.Fatalf("task = %+v", task)
	}

	// Same order again is a conflict
	if code, _ := a.do("POST", "/api/dispatch/orders", dispatcher, dispatchBody("O1"), nil); code != http.StatusConflict {
		t.Errorf("second dispatch = %d, want 409", code)
	}

	// Driver reports progress; the task follows
	for _, status := range []string{"at_pickup", "delivering"} {
		if code, env := a.do("POST", "/api/driver/status", driver, map[string]string{"status": status}, nil); code != http.StatusOK {
			t.Fatalf("status %s = %d %s", status, code, env.Error)
		}
	}
	_, env = a.do("GET", "/api/dispatch/tasks/"+task.ID, dispatcher, nil, nil)
	if got := decode[models.DeliveryTask](t, env.Data); got.Status != models.DeliveryStatusDelivering {
		t.Errorf("task status = %s, want delivering", got.Status)
	}

	// Too late to cancel once the order is on board
	if code, _ := a.do("POST", "/api/dispatch/tasks/"+task.ID+"/cancel", dispatcher, nil, nil); code != http.StatusConflict {
		t.Errorf("cancel = %d, want 409", code)
	}

	code, env = a.do("POST", "/api/dispatch/tasks/"+task.ID+"/advance", dispatcher, map[string]string{"status": "delivered"}, nil)
	if code != http.StatusOK {
		t.Fatalf("advance = %d %s", code, env.Error)
	}
	session, _ := a.store.Get(models.DriverKey{TenantID: "acme", DriverID: "drv-1"})
	if session.Status != models.DriverStatusIdle || session.CurrentOrderID != nil {
		t.Errorf("driver not released: %+v", session)
	}

	_, env = a.do("GET", "/api/dispatch/orders/O1/tasks", dispatcher, nil, nil)
	if tasks := decode[[]models.DeliveryTask](t, env.Data); len(tasks) != 1 {
		t.Errorf("tasks = %d, want 1", len(tasks))
	}
}

func TestDispatchRequiresIdleDriver(t *testing.T) {
	a := newAPI(t)
	dispatcher := token(t, "acme", "disp-1", middleware.RoleDispatcher)

	code, _ := a.do("POST", "/api/dispatch/orders", dispatcher, dispatchBody("O1"), nil)
	if code != http.StatusNotFound {
		t.Errorf("dispatch to offline driver = %d, want 404", code)
	}

	bad := dispatchBody("O2")
	bad["fulfillment_mode"] = "teleport"
	if code, _ := a.do("POST", "/api/dispatch/orders", dispatcher, bad, nil); code != http.StatusBadRequest {
		t.Errorf("bad mode = %d, want 400", code)
	}
}

func TestRolesAndTenantIsolation(t *testing.T) {
	a := newAPI(t)
	driver := token(t, "acme", "drv-1", middleware.RoleDriver)
	dispatcher := token(t, "acme", "disp-1", middleware.RoleDispatcher)
	otherTenant := token(t, "globex", "disp-9", middleware.RoleDispatcher)

	if code, _ := a.do("GET", "/api/dispatch/drivers", driver, nil, nil); code != http.StatusForbidden {
		t.Errorf("driver listing drivers = %d, want 403", code)
	}
	if code, _ := a.do("POST", "/api/driver/online", dispatcher, nil, nil); code != http.StatusForbidden {
		t.Errorf("dispatcher going online = %d, want 403", code)
	}
	if code, _ := a.do("GET", "/api/dispatch/drivers", "", nil, nil); code != http.StatusUnauthorized {
		t.Errorf("anonymous = %d, want 401", code)
	}

	a.do("POST", "/api/driver/online", driver, nil, nil)
	_, env := a.do("POST", "/api/dispatch/orders", dispatcher, dispatchBody("O1"), nil)
	task := decode[models.DeliveryTask](t, env.Data)

	if code, _ := a.do("GET", "/api/dispatch/tasks/"+task.ID, otherTenant, nil, nil); code != http.StatusNotFound {
		t.Errorf("other tenant reading task = %d, want 404", code)
	}
	_, env = a.do("GET", "/api/dispatch/drivers", otherTenant, nil, nil)
	if drivers := decode[[]models.DriverSession](t, env.Data); len(drivers) != 0 {
		t.Errorf("other tenant sees %d drivers", len(drivers))
	}
	_, env = a.do("GET", "/api/dispatch/drivers?status=in_transit", dispatcher, nil, nil)
	if drivers := decode[[]models.DriverSession](t, env.Data); len(drivers) != 1 {
		t.Errorf("in_transit drivers = %d, want 1", len(drivers))
	}
}

func TestProviderWebhook(t *testing.T) {
	a := newAPI(t)
	dispatcher := token(t, "acme", "disp-1", middleware.RoleDispatcher)

	body := dispatchBody("O7")
	body["fulfillment_mode"] = "provider"
	body["provider_id"] = "uber"
	delete(body, "driver_id")
	code, env := a.do("POST", "/api/dispatch/orders", dispatcher, body, nil)
	if code != http.StatusCreated {
		t.Fatalf("dispatch = %d %s", code, env.Error)
	}
	task := decode[models.DeliveryTask](t, env.Data)

	signed := http.Header{"X-Test-Signature": {"ok"}}
	if code, _ := a.do("POST", "/webhooks/uber", "", map[string]string{"delivery_id": task.ProviderDeliveryID, "status": "pickup_complete"}, nil); code != http.StatusUnauthorized {
		t.Errorf("unsigned webhook = %d, want 401", code)
	}

	code, env = a.do("POST", "/webhooks/uber", "", map[string]string{"delivery_id": task.ProviderDeliveryID, "status": "pickup_complete"}, signed)
	if code != http.StatusOK {
		t.Fatalf("webhook = %d %s", code, env.Error)
	}
	_, env = a.do("GET", "/track/acme/orders/O7", "", nil, nil)
	view := decode[tracking.View](t, env.Data)
	if view.Status != models.DeliveryStatusPickedUp || view.Provider != models.ProviderUber {
		t.Errorf("view = %+v", view)
	}

	code, env = a.do("POST", "/webhooks/uber", "", map[string]string{"delivery_id": "unknown", "status": "dropoff"}, signed)
	if code != http.StatusOK || !bytes.Contains(env.Data, []byte("ignored")) {
		t.Errorf("unknown delivery webhook = %d %s", code, env.Data)
	}

	if code, _ := a.do("POST", "/webhooks/doordash", "", map[string]string{}, signed); code != http.StatusBadRequest {
		t.Errorf("unconfigured provider = %d, want 400", code)
	}
}

func TestQuotesAndETA(t *testing.T) {
	a := newAPI(t)
	dispatcher := token(t, "acme", "disp-1", middleware.RoleDispatcher)

	body := dispatchBody("O3")
	body["providers"] = []string{"uber", "doordash"}
	code, env := a.do("POST", "/api/dispatch/quotes", dispatcher, body, nil)
	if code != http.StatusOK {
		t.Fatalf("quotes = %d %s", code, env.Error)
	}
	result := decode[providers.QuoteResult](t, env.Data)
	if len(result.Quotes) != 1 || result.Quotes[0].FeeCents != 899 {
		t.Errorf("quotes = %+v", result.Quotes)
	}
	if len(result.Failures) != 1 {
		t.Errorf("failures = %+v, want doordash listed", result.Failures)
	}

	code, env = a.do("GET", "/api/dispatch/eta?from_lat=30.26&from_lng=-97.74&to_lat=30.30&to_lng=-97.70", dispatcher, nil, nil)
	if code != http.StatusOK {
		t.Fatalf("eta = %d %s", code, env.Error)
	}
	out := decode[map[string]float64](t, env.Data)
	if out["eta_minutes"] < 1 || out["distance_meters"] <= 0 {
		t.Errorf("eta = %+v", out)
	}

	if code, _ := a.do("GET", "/api/dispatch/eta?from_lat=91&from_lng=0&to_lat=0&to_lng=0", dispatcher, nil, nil); code != http.StatusBadRequest {
		t.Errorf("invalid coordinates = %d, want 400", code)
	}
	if code, _ := a.do("GET", "/api/dispatch/eta?driver_id=ghost&to_lat=0&to_lng=0", dispatcher, nil, nil); code != http.StatusNotFound {
		t.Errorf("unknown driver = %d, want 404", code)
	}
}

func TestTrackUnknownOrder(t *testing.T) {
	a := newAPI(t)
	if code, _ := a.do("GET", "/track/acme/orders/nope", "", nil, nil); code != http.StatusNotFound {
		t.Errorf("unknown order = %d, want 404", code)
	}
}

func TestDriverLocationRejectsStaleFix(t *testing.T) {
	a := newAPI(t)
	driver := token(t, "acme", "drv-1", middleware.RoleDriver)

	fix := map[string]interface{}{"latitude": 30.27, "longitude": -97.74, "timestamp_ms": 2000}
	if code, env := a.do("POST", "/api/driver/location", driver, fix, nil); code != http.StatusOK {
		t.Fatalf("location = %d %s", code, env.Error)
	}
	fix["timestamp_ms"] = 1000
	if code, _ := a.do("POST", "/api/driver/location", driver, fix, nil); code != http.StatusConflict {
		t.Errorf("stale fix = %d, want 409", code)
	}
}
