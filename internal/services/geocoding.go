package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"dispatch-backend/internal/models"
)

const GoogleGeocodeURL = "https://maps.googleapis.com/maps/api/geocode/json"

// GeocodingService resolves addresses with the Google Maps Geocoding API
type GeocodingService struct {
	apiKey  string
	baseURL string
	client  *http.Client
	cache   *GeocodeCache
}

// googleGeocodeResponse is the subset of the API response we read
type googleGeocodeResponse struct {
	Results []struct {
		FormattedAddress string `json:"formatted_address"`
		Geometry         struct {
			Location models.Coordinates `json:"location"`
		} `json:"geometry"`
	} `json:"results"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
}

// NewGeocodingService fails when no API key is configured
func NewGeocodingService(apiKey string) (*GeocodingService, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GOOGLE_MAPS_API_KEY is required")
	}
	return &GeocodingService{
		apiKey:  apiKey,
		baseURL: GoogleGeocodeURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		cache:   NewGeocodeCache(1000, 24*time.Hour),
	}, nil
}

// FormatAddress renders the address as one line for the geocoder
func FormatAddress(a models.Address) string {
	parts := make([]string, 0, 5)
	for _, p := range []string{a.Street, a.City, a.State, a.Zip, a.Country} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

// Geocode implements dispatch.Geocoder
func (s *GeocodingService) Geocode(ctx context.Context, addr models.Address) (models.Coordinates, error) {
	address := FormatAddress(addr)
	if address == "" {
		return models.Coordinates{}, fmt.Errorf("empty address")
	}
	if c, ok := s.cache.Get(address); ok {
		return c, nil
	}

	params := url.Values{}
	params.Add("address", address)
	params.Add("key", s.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return models.Coordinates{}, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return models.Coordinates{}, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.Coordinates{}, fmt.Errorf("API returned status code %d", resp.StatusCode)
	}

	var result googleGeocodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return models.Coordinates{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if result.Status != "OK" {
		return models.Coordinates{}, fmt.Errorf("geocoding API returned status: %s %s", result.Status, result.ErrorMessage)
	}
	if len(result.Results) == 0 {
		return models.Coordinates{}, fmt.Errorf("no results found for address: %s", address)
	}

	coords := result.Results[0].Geometry.Location
	s.cache.Set(address, coords)
	logrus.WithFields(logrus.Fields{
		"address":   address,
		"formatted": result.Results[0].FormattedAddress,
	}).Debug("📍 Geocoded address")
	return coords, nil
}
