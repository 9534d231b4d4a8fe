package search

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/dannyspk/airbnb-alerts-sub000/internal/domain"
)

// wireListing accepts the loose shapes the provider scripts emit: ids as
// numbers or strings, prices as numbers or nested objects, and coordinates
// either flat or under location.
type wireListing struct {
	ID           json.RawMessage `json:"id"`
	RoomID       json.RawMessage `json:"room_id"`
	URL          string          `json:"url"`
	Name         string          `json:"name"`
	Price        json.RawMessage `json:"price"`
	Currency     string          `json:"currency"`
	Rating       json.RawMessage `json:"rating"`
	ReviewsCount json.RawMessage `json:"reviewsCount"`
	RoomType     string          `json:"roomType"`
	Guests       json.RawMessage `json:"guests"`
	Address      string          `json:"address"`
	Lat          json.RawMessage `json:"lat"`
	Lng          json.RawMessage `json:"lng"`
	Location     *struct {
		Lat       json.RawMessage `json:"lat"`
		Lng       json.RawMessage `json:"lng"`
		Latitude  json.RawMessage `json:"latitude"`
		Longitude json.RawMessage `json:"longitude"`
	} `json:"location"`
	HostID   json.RawMessage `json:"hostId"`
	HostName string          `json:"hostName"`
	Photos   json.RawMessage `json:"photos"`
}

// toListing keeps items without a usable id; callers decide whether to
// skip them.
func (w wireListing) toListing(currency string) domain.Listing {
	id := idString(w.ID)
	if id == "" {
		id = idString(w.RoomID)
	}

	l := domain.Listing{
		ID:           id,
		URL:          w.URL,
		Name:         w.Name,
		Price:        amount(w.Price),
		Currency:     w.Currency,
		Rating:       number(w.Rating),
		ReviewsCount: intOf(w.ReviewsCount),
		RoomType:     w.RoomType,
		Guests:       intOf(w.Guests),
		Address:      w.Address,
		Lat:          number(w.Lat),
		Lng:          number(w.Lng),
		HostID:       idString(w.HostID),
		HostName:     w.HostName,
		Photos:       photos(w.Photos),
	}
	if l.Currency == "" {
		l.Currency = currency
	}
	if l.URL == "" && id != "" {
		l.URL = "https://www.airbnb.com/rooms/" + id
	}
	if w.Location != nil {
		if l.Lat == nil {
			l.Lat = firstNumber(w.Location.Lat, w.Location.Latitude)
		}
		if l.Lng == nil {
			l.Lng = firstNumber(w.Location.Lng, w.Location.Longitude)
		}
	}
	return l
}

func isNull(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}

// idString normalises 123, 123.0 and "123" to "123".
func idString(raw json.RawMessage) string {
	if isNull(raw) {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if json.Unmarshal(raw, &n) == nil {
		if i, err := n.Int64(); err == nil {
			return strconv.FormatInt(i, 10)
		}
		if f, err := n.Float64(); err == nil && f == float64(int64(f)) {
			return strconv.FormatInt(int64(f), 10)
		}
		return n.String()
	}
	return ""
}

// number decodes a JSON number or numeric string.
func number(raw json.RawMessage) *float64 {
	if isNull(raw) {
		return nil
	}
	var f float64
	if json.Unmarshal(raw, &f) == nil {
		return &f
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		s = strings.TrimLeft(strings.TrimSpace(s), "$€£")
		s = strings.ReplaceAll(s, ",", "")
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			return &v
		}
	}
	return nil
}

func firstNumber(raws ...json.RawMessage) *float64 {
	for _, raw := range raws {
		if v := number(raw); v != nil {
			return v
		}
	}
	return nil
}

// amount decodes a price that may be a plain number or an object such as
// {"amount": 120}, {"total": {"amount": 480}} or {"unit": {"amount": 120}}.
// Per-night (unit) amounts win over totals.
func amount(raw json.RawMessage) *float64 {
	if v := number(raw); v != nil {
		return v
	}
	var obj map[string]json.RawMessage
	if isNull(raw) || json.Unmarshal(raw, &obj) != nil {
		return nil
	}
	for _, k := range []string{"amount", "value", "price", "unit", "discounted", "total"} {
		if v, ok := obj[k]; ok {
			if f := amount(v); f != nil {
				return f
			}
		}
	}
	return nil
}

func intOf(raw json.RawMessage) int {
	if v := number(raw); v != nil {
		return int(*v)
	}
	return 0
}

// photos accepts a list of URLs or a list of {"url": ...} objects.
func photos(raw json.RawMessage) []string {
	if isNull(raw) {
		return nil
	}
	var urls []string
	if json.Unmarshal(raw, &urls) == nil {
		return urls
	}
	urls = nil
	var objs []struct {
		URL     string `json:"url"`
		Picture string `json:"picture"`
	}
	if json.Unmarshal(raw, &objs) != nil {
		return nil
	}
	for _, o := range objs {
		switch {
		case o.URL != "":
			urls = append(urls, o.URL)
		case o.Picture != "":
			urls = append(urls, o.Picture)
		}
	}
	return urls
}
