package domain

import "time"

type ChangeType string

const (
	ChangeNew          ChangeType = "new"
	ChangePriceDrop    ChangeType = "price_drop"
	ChangeAvailability ChangeType = "availability_change"
)

// Listing is one result returned by the external search provider.
type Listing struct {
	ID           string   `json:"id"`
	URL          string   `json:"url,omitempty"`
	Name         string   `json:"name,omitempty"`
	Price        *float64 `json:"price,omitempty"`
	Currency     string   `json:"currency,omitempty"`
	Rating       *float64 `json:"rating,omitempty"`
	ReviewsCount int      `json:"reviewsCount"`
	RoomType     string   `json:"roomType,omitempty"`
	Guests       int      `json:"guests,omitempty"`
	Address      string   `json:"address,omitempty"`
	Lat          *float64 `json:"lat,omitempty"`
	Lng          *float64 `json:"lng,omitempty"`
	HostID       string   `json:"hostId,omitempty"`
	HostName     string   `json:"hostName,omitempty"`
	Photos       []string `json:"photos,omitempty"`
}

type SeenEntry struct {
	AlertID       string
	ListingID     string
	ChangeType    ChangeType
	PriceSnapshot *float64
	DetectedAt    time.Time
}

type PriceHistoryEntry struct {
	ListingID  string
	AlertID    string
	Price      float64
	RecordedAt time.Time
}

// CacheUpsert reports what the listing cache held before an upsert.
type CacheUpsert struct {
	Inserted      bool
	PreviousPrice *float64
	WasAvailable  bool
}

// Change is one detected listing change for an alert.
type Change struct {
	Type          ChangeType
	Listing       Listing
	PreviousPrice *float64
	DetectedAt    time.Time
}

// ChangeBatch is everything one processor run hands to the dispatcher.
type ChangeBatch struct {
	Alert   Alert
	Changes []Change
}

type NotificationRecord struct {
	UserID       string
	AlertID      string
	ListingID    string
	Type         ChangeType
	EmailSent    bool
	WebhookSent  bool
	WebhookError string
	CreatedAt    time.Time
}
