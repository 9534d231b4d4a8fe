package domain

import "time"

// Alert is owned by the CRUD layer. The pipeline only ever writes
// last_checked, last_notified and notification_count.
type Alert struct {
	ID                string
	UserID            string
	UserEmail         string
	Name              string
	SourceURL         string
	Criteria          Criteria
	ListingID         string
	WebhookURL        string
	IsActive          bool
	LastChecked       *time.Time
	LastNotified      *time.Time
	NotificationCount int
}

// Criteria is the structured filter bag used when an alert has no raw
// source URL. Stored as jsonb on the alert row.
type Criteria struct {
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
	Currency         string   `json:"currency,omitempty"`
}

// HasBoundingBox reports whether all four corners are set. A partial box
// is dropped rather than sent, since the provider returns nothing for it.
func (c Criteria) HasBoundingBox() bool {
	return c.NeLat != nil && c.NeLng != nil && c.SwLat != nil && c.SwLng != nil
}
