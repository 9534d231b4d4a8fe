// Package search talks to the external listings provider.
package search

import (
	"context"
	"errors"

	"github.com/dannyspk/airbnb-alerts-sub000/internal/domain"
)

// ErrListingUnavailable is returned by Listing when the provider no longer
// lists the room.
var ErrListingUnavailable = errors.New("listing unavailable")

// Searcher runs one provider call per method. Implementations must honour
// ctx cancellation; a zero-length result from Search is valid.
type Searcher interface {
	Search(ctx context.Context, p Params) ([]domain.Listing, error)
	Listing(ctx context.Context, id, currency string) (*domain.Listing, error)
}

// Params is the JSON document handed to the provider. SourceURL, when set,
// is passed through verbatim and the structured filters are left empty.
type Params struct {
	SourceURL        string   `json:"source_url,omitempty"`
	CheckIn          string   `json:"check_in,omitempty"`
	CheckOut         string   `json:"check_out,omitempty"`
	NeLat            *float64 `json:"ne_lat,omitempty"`
	NeLng            *float64 `json:"ne_long,omitempty"`
	SwLat            *float64 `json:"sw_lat,omitempty"`
	SwLng            *float64 `json:"sw_long,omitempty"`
	PriceMin         int      `json:"price_min,omitempty"`
	PriceMax         int      `json:"price_max,omitempty"`
	Guests           int      `json:"guests,omitempty"`
	PlaceType        string   `json:"place_type,omitempty"`
	Amenities        []int    `json:"amenities,omitempty"`
	FreeCancellation bool     `json:"free_cancellation,omitempty"`
	Currency         string   `json:"currency"`
	ProxyURL         string   `json:"proxy_url,omitempty"`
}

// ParamsFor builds provider params from an alert. defaultCurrency fills in
// when the alert's criteria carry none.
func ParamsFor(a domain.Alert, defaultCurrency string) Params {
	c := a.Criteria
	currency := c.Currency
	if currency == "" {
		currency = defaultCurrency
	}
	if a.SourceURL != "" {
		return Params{SourceURL: a.SourceURL, Currency: currency}
	}

	p := Params{
		CheckIn:          c.CheckIn,
		CheckOut:         c.CheckOut,
		PriceMin:         c.PriceMin,
		PriceMax:         c.PriceMax,
		Guests:           c.Guests,
		PlaceType:        c.PlaceType,
		Amenities:        c.Amenities,
		FreeCancellation: c.FreeCancellation,
		Currency:         currency,
	}
	if c.HasBoundingBox() {
		p.NeLat, p.NeLng, p.SwLat, p.SwLng = c.NeLat, c.NeLng, c.SwLat, c.SwLng
	}
	return p
}
