package search

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dannyspk/airbnb-alerts-sub000/internal/domain"
)

// script writes an sh provider that receives <in> <out> like the real ones.
func script(t *testing.T, body string) []string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "provider.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o700))
	return []string{"/bin/sh", path}
}

func newCommand(search, listing []string, timeout time.Duration) *Command {
	return NewCommand(search, listing, timeout, "", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSearchDecodesLooseShapes(t *testing.T) {
	argv := script(t, `cat > "$2" <<'EOF'
[
  {"id": 101, "name": "Loft", "price": {"amount": 120}, "rating": "4.9", "location": {"latitude": 52.1, "longitude": 4.3}},
  {"id": "102", "price": "$95", "photos": [{"url": "https://img/1.jpg"}]},
  {"room_id": 103.0, "price": 80, "reviewsCount": 12},
  {"name": "no id at all"}
]
EOF`)
	c := newCommand(argv, nil, 5*time.Second)

	got, err := c.Search(context.Background(), Params{Currency: "EUR"})
	require.NoError(t, err)
	require.Len(t, got, 4)

	assert.Equal(t, "101", got[0].ID)
	require.NotNil(t, got[0].Price)
	assert.Equal(t, 120.0, *got[0].Price)
	require.NotNil(t, got[0].Rating)
	assert.Equal(t, 4.9, *got[0].Rating)
	require.NotNil(t, got[0].Lat)
	assert.Equal(t, 52.1, *got[0].Lat)
	assert.Equal(t, "EUR", got[0].Currency)
	assert.Equal(t, "https://www.airbnb.com/rooms/101", got[0].URL)

	assert.Equal(t, "102", got[1].ID)
	assert.Equal(t, 95.0, *got[1].Price)
	assert.Equal(t, []string{"https://img/1.jpg"}, got[1].Photos)

	assert.Equal(t, "103", got[2].ID)
	assert.Equal(t, 12, got[2].ReviewsCount)

	assert.Empty(t, got[3].ID, "items without an id are returned for the caller to skip")
}

func TestSearchEmptyResultIsValid(t *testing.T) {
	c := newCommand(script(t, `echo '[]' > "$2"`), nil, 5*time.Second)

	got, err := c.Search(context.Background(), Params{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSearchWritesParams(t *testing.T) {
	captured := filepath.Join(t.TempDir(), "params.json")
	c := newCommand(script(t, `cp "$1" "`+captured+`"; echo '[]' > "$2"`), nil, 5*time.Second)

	ne, sw := 52.4, 52.3
	_, err := c.Search(context.Background(), Params{
		CheckIn:  "2026-11-01",
		NeLat:    &ne,
		SwLat:    &sw,
		Guests:   2,
		Currency: "USD",
	})
	require.NoError(t, err)

	raw, err := os.ReadFile(captured)
	require.NoError(t, err)
	var sent map[string]any
	require.NoError(t, json.Unmarshal(raw, &sent))
	assert.Equal(t, "2026-11-01", sent["check_in"])
	assert.Equal(t, 52.4, sent["ne_lat"])
	assert.Equal(t, float64(2), sent["guests"])
}

func TestSearchProviderError(t *testing.T) {
	c := newCommand(script(t, `echo '{"error": "Search error: rate limited", "results": []}' > "$2"; exit 1`), nil, 5*time.Second)

	_, err := c.Search(context.Background(), Params{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestSearchCrashWithoutOutput(t *testing.T) {
	c := newCommand(script(t, `echo boom >&2; exit 3`), nil, 5*time.Second)

	_, err := c.Search(context.Background(), Params{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestSearchTimeout(t *testing.T) {
	c := newCommand(script(t, `exec sleep 5`), nil, 100*time.Millisecond)

	start := time.Now()
	_, err := c.Search(context.Background(), Params{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestListingDetails(t *testing.T) {
	c := newCommand(nil, script(t, `echo '{"id": "555", "name": "Cabin", "price": 210.5, "hostId": 9}' > "$2"`), 5*time.Second)

	l, err := c.Listing(context.Background(), "555", "USD")
	require.NoError(t, err)
	assert.Equal(t, "555", l.ID)
	assert.Equal(t, "Cabin", l.Name)
	assert.Equal(t, 210.5, *l.Price)
	assert.Equal(t, "9", l.HostID)
	assert.Equal(t, "USD", l.Currency)
}

func TestListingUnavailable(t *testing.T) {
	cases := map[string]string{
		"error mentions not found": `echo '{"error": "Get listing error: listing not found", "listing": null}' > "$2"; exit 1`,
		"explicit flag":            `echo '{"id": "555", "available": false}' > "$2"`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			c := newCommand(nil, script(t, body), 5*time.Second)
			_, err := c.Listing(context.Background(), "555", "USD")
			assert.ErrorIs(t, err, ErrListingUnavailable)
		})
	}
}

func TestListingTransientError(t *testing.T) {
	c := newCommand(nil, script(t, `echo '{"error": "Get listing error: connection reset", "listing": null}' > "$2"; exit 1`), 5*time.Second)

	_, err := c.Listing(context.Background(), "555", "USD")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrListingUnavailable)
}

func TestParamsFor(t *testing.T) {
	ne := 1.0

	t.Run("source url passes through verbatim", func(t *testing.T) {
		a := domain.Alert{
			SourceURL: "https://www.airbnb.com/s/Lisbon/homes?adults=2",
			Criteria:  domain.Criteria{Guests: 4, Currency: "EUR"},
		}
		p := ParamsFor(a, "USD")
		assert.Equal(t, a.SourceURL, p.SourceURL)
		assert.Zero(t, p.Guests)
		assert.Equal(t, "EUR", p.Currency)
	})

	t.Run("partial bounding box is dropped", func(t *testing.T) {
		a := domain.Alert{Criteria: domain.Criteria{NeLat: &ne, Guests: 2}}
		p := ParamsFor(a, "USD")
		assert.Nil(t, p.NeLat)
		assert.Equal(t, 2, p.Guests)
		assert.Equal(t, "USD", p.Currency)
	})
}
