package tracking

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"dispatch-backend/internal/apperrors"
	"dispatch-backend/internal/channel"
	"dispatch-backend/internal/dispatch"
	"dispatch-backend/internal/models"
	"dispatch-backend/internal/presence"
	"dispatch-backend/internal/providers"
)

type pollResult struct {
	status models.DeliveryStatus
	err    error
}

type scriptedProvider struct {
	mu     sync.Mutex
	script []pollResult
}

func (p *scriptedProvider) ID() models.ProviderID { return models.ProviderUber }

func (p *scriptedProvider) Quote(ctx context.Context, req providers.DeliveryRequest) (models.DeliveryQuote, error) {
	return models.DeliveryQuote{}, nil
}

func (p *scriptedProvider) CreateDelivery(ctx context.Context, req providers.DeliveryRequest) (providers.ProviderDelivery, error) {
	return providers.ProviderDelivery{ProviderDeliveryID: "del-1", Status: models.DeliveryStatusCreated}, nil
}

func (p *scriptedProvider) GetStatus(ctx context.Context, id string) (providers.ProviderDelivery, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.script) == 0 {
		return providers.ProviderDelivery{}, errors.New("script exhausted")
	}
	next := p.script[0]
	p.script = p.script[1:]
	return providers.ProviderDelivery{ProviderDeliveryID: id, Status: next.status}, next.err
}

func (p *scriptedProvider) Cancel(ctx context.Context, id string) error { return nil }

func (p *scriptedProvider) VerifyWebhook(h http.Header, body []byte) error { return nil }

func (p *scriptedProvider) ParseWebhook(body []byte) (providers.WebhookEvent, error) {
	return providers.WebhookEvent{}, nil
}

type fixture struct {
	facade *Facade
	coord  *dispatch.Coordinator
	store  *presence.Store
}

func newFixture(t *testing.T, prov providers.Provider) fixture {
	t.Helper()
	mem := channel.NewMemory()
	store := presence.NewStore(presence.Options{Channel: mem, Throttle: channel.NewThrottle(mem, time.Millisecond)})
	t.Cleanup(store.Close)

	repo := dispatch.NewMemoryRepository()
	gw := providers.NewGateway(providers.Timeouts{}, prov)
	facade := NewFacade(Options{
		Presence:     store,
		Channel:      mem,
		Gateway:      gw,
		Tasks:        repo,
		PollInterval: 10 * time.Millisecond,
		SpeedMps:     10,
	})
	coord := dispatch.NewCoordinator(dispatch.Options{Presence: store, Gateway: gw, Tasks: repo})
	coord.AddListener(facade.HandleTaskEvent)
	return fixture{store: store, coord: coord, facade: facade}
}

// nextView waits for a view matching cond, failing if the stream closes first
func nextView(t *testing.T, s *Stream, cond func(View) bool) View {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case v, ok := <-s.C:
			if !ok {
				t.Fatal("stream closed before the expected view")
			}
			if cond(v) {
				return v
			}
		case <-timeout:
			t.Fatal("timed out waiting for view")
		}
	}
}

func waitClosed(t *testing.T, s *Stream) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-s.C:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func TestTrackInHouseFollowsDriver(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &scriptedProvider{})
	key := models.DriverKey{TenantID: "acme", DriverID: "drv-1"}

	f.store.GoOnline(ctx, key, "")
	task, err := f.coord.DispatchOrder(ctx, dispatch.DispatchRequest{
		TenantID: "acme",
		OrderID:  "O1",
		Mode:     models.FulfillmentInHouse,
		DriverID: key.DriverID,
		Pickup:   models.Stop{Address: models.Address{Coordinates: &models.Coordinates{Lat: 40.00, Lng: -74.0}}},
		Dropoff:  models.Stop{Address: models.Address{Coordinates: &models.Coordinates{Lat: 40.05, Lng: -74.0}}},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	stream, err := f.facade.Track(ctx, "acme", "O1")
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	defer stream.Close()

	first := nextView(t, stream, func(v View) bool { return true })
	if first.Status != models.DeliveryStatusAssigned || first.Driver == nil || first.Driver.Status != models.DriverStatusInTransit {
		t.Fatalf("unexpected first view: %+v", first)
	}

	// 0.01 degrees of latitude (~1.1 km) from the pickup at 10 m/s.
	f.store.UpdateLocation(ctx, key, models.Location{Latitude: 39.99, Longitude: -74.0, TimestampMs: time.Now().UnixMilli()})
	v := nextView(t, stream, func(v View) bool { return v.Driver != nil && v.Driver.Location != nil })
	if v.ETAMinutes == nil || *v.ETAMinutes != 2 {
		t.Fatalf("eta = %v, want 2 minutes", v.ETAMinutes)
	}

	if _, err := f.coord.Advance(ctx, task.ID, dispatch.Event{Status: models.DeliveryStatusDelivered}); err != nil {
		t.Fatalf("advance: %v", err)
	}
	last := nextView(t, stream, func(v View) bool { return v.Status == models.DeliveryStatusDelivered })
	if last.Driver != nil || last.ETAMinutes != nil {
		t.Fatalf("terminal view still shows the driver: %+v", last)
	}
	waitClosed(t, stream)
}

func trackProvider(t *testing.T, prov *scriptedProvider, orderID string) *Stream {
	t.Helper()
	ctx := context.Background()
	f := newFixture(t, prov)

	if _, err := f.coord.DispatchOrder(ctx, dispatch.DispatchRequest{
		TenantID:   "acme",
		OrderID:    orderID,
		Mode:       models.FulfillmentProvider,
		ProviderID: models.ProviderUber,
	}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	stream, err := f.facade.Track(ctx, "acme", orderID)
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	t.Cleanup(stream.Close)
	return stream
}

func TestTrackProviderPollsUntilTerminal(t *testing.T) {
	stream := trackProvider(t, &scriptedProvider{script: []pollResult{
		{status: models.DeliveryStatusPickedUp},
		{status: models.DeliveryStatusPickingUp},
		{status: models.DeliveryStatusDelivered},
	}}, "O2")

	var seen []models.DeliveryStatus
	for v := range stream.C {
		seen = append(seen, v.Status)
	}

	if len(seen) == 0 || seen[len(seen)-1] != models.DeliveryStatusDelivered {
		t.Fatalf("stream ended with %v, want delivered last", seen)
	}
	for i := 1; i < len(seen); i++ {
		if seen[i-1].AdvancesTo(seen[i]) || seen[i-1] == seen[i] {
			continue
		}
		t.Fatalf("view moved backwards: %v", seen)
	}
}

func TestTrackProviderKeepsLastKnownStatusOnPollFailure(t *testing.T) {
	stream := trackProvider(t, &scriptedProvider{script: []pollResult{{err: errors.New("timeout")}}}, "O2")

	v := nextView(t, stream, func(v View) bool { return v.Stale })
	if v.Status != models.DeliveryStatusCreated {
		t.Fatalf("stale view status = %s, want last known created", v.Status)
	}
}

func TestSnapshotUnknownOrder(t *testing.T) {
	f := newFixture(t, &scriptedProvider{})
	if _, err := f.facade.Snapshot(context.Background(), "acme", "missing"); !errors.Is(err, apperrors.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestStreamCloseStopsPolling(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &scriptedProvider{})
	f.coord.DispatchOrder(ctx, dispatch.DispatchRequest{TenantID: "acme", OrderID: "O3", Mode: models.FulfillmentProvider, ProviderID: models.ProviderUber})

	stream, err := f.facade.Track(ctx, "acme", "O3")
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	stream.Close()
	stream.Close()
	waitClosed(t, stream)
}

func dispatchInHouse(t *testing.T, f fixture, orderID string, key models.DriverKey) models.DeliveryTask {
	t.Helper()
	task, err := f.coord.DispatchOrder(context.Background(), dispatch.DispatchRequest{
		TenantID: key.TenantID,
		OrderID:  orderID,
		Mode:     models.FulfillmentInHouse,
		DriverID: key.DriverID,
		Dropoff:  models.Stop{Address: models.Address{Coordinates: &models.Coordinates{Lat: 40.05, Lng: -74.0}}},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	return task
}

func TestTrackEndsWhenTaskCancelledAfterDriverLeft(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &scriptedProvider{})
	f.facade.pollInterval = time.Hour // only coordinator events can wake the stream
	key := models.DriverKey{TenantID: "acme", DriverID: "drv-1"}

	f.store.GoOnline(ctx, key, "")
	task := dispatchInHouse(t, f, "O1", key)

	stream, err := f.facade.Track(ctx, "acme", "O1")
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	defer stream.Close()
	nextView(t, stream, func(v View) bool { return v.Status == models.DeliveryStatusAssigned })

	f.store.GoOffline(ctx, key)
	if _, err := f.coord.Cancel(ctx, task.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	v := nextView(t, stream, func(v View) bool { return v.Status == models.DeliveryStatusCancelled })
	if v.Driver != nil {
		t.Errorf("cancelled view still shows the driver: %+v", v.Driver)
	}
	waitClosed(t, stream)
}

func TestTrackFollowsRedispatchedOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &scriptedProvider{})
	f.facade.pollInterval = time.Hour
	first := models.DriverKey{TenantID: "acme", DriverID: "drv-1"}
	second := models.DriverKey{TenantID: "acme", DriverID: "drv-2"}

	f.store.GoOnline(ctx, first, "")
	f.store.GoOnline(ctx, second, "")
	task := dispatchInHouse(t, f, "O1", first)

	stream, err := f.facade.Track(ctx, "acme", "O1")
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	defer stream.Close()
	nextView(t, stream, func(v View) bool { return v.TaskID == task.ID })

	f.store.GoOffline(ctx, first)
	replacement, err := f.coord.Redispatch(ctx, task.ID, dispatch.RedispatchRequest{
		Mode:     models.FulfillmentInHouse,
		DriverID: second.DriverID,
	})
	if err != nil {
		t.Fatalf("redispatch: %v", err)
	}

	v := nextView(t, stream, func(v View) bool { return v.TaskID == replacement.ID })
	if v.Status != models.DeliveryStatusAssigned || v.Driver == nil || v.Driver.ID != second.DriverID {
		t.Fatalf("replacement view = %+v", v)
	}

	f.store.UpdateLocation(ctx, second, models.Location{Latitude: 40.0, Longitude: -74.0, TimestampMs: time.Now().UnixMilli()})
	nextView(t, stream, func(v View) bool {
		return v.Driver != nil && v.Driver.ID == second.DriverID && v.Driver.Location != nil
	})

	if _, err := f.coord.Advance(ctx, replacement.ID, dispatch.Event{Status: models.DeliveryStatusDelivered}); err != nil {
		t.Fatalf("advance: %v", err)
	}
	nextView(t, stream, func(v View) bool { return v.Status == models.DeliveryStatusDelivered })
	waitClosed(t, stream)
}

func TestTrackProviderSeesStoredCancellation(t *testing.T) {
	ctx := context.Background()
	prov := &scriptedProvider{}
	f := newFixture(t, prov)
	f.facade.pollInterval = time.Hour

	task, err := f.coord.DispatchOrder(ctx, dispatch.DispatchRequest{
		TenantID:   "acme",
		OrderID:    "O4",
		Mode:       models.FulfillmentProvider,
		ProviderID: models.ProviderUber,
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	stream, err := f.facade.Track(ctx, "acme", "O4")
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	defer stream.Close()
	nextView(t, stream, func(v View) bool { return true })

	if _, err := f.coord.Cancel(ctx, task.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	nextView(t, stream, func(v View) bool { return v.Status == models.DeliveryStatusCancelled })
	waitClosed(t, stream)
}
