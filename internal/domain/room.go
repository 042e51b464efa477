package domain

import "strings"

type Category string

const (
	CategoryVilla    Category = "villa"
	CategoryPrestige Category = "prestige"
)

// Categories is the closed set maintained by inventory management.
var Categories = []Category{CategoryVilla, CategoryPrestige}

// ParseCategory maps a client string to a known Category.
// The bool is false for anything outside the closed set.
func ParseCategory(s string) (Category, bool) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, k := range Categories {
		if c == k {
			return c, true
		}
	}
	return c, false
}

type RoomStatus string

const (
	RoomAvailable    RoomStatus = "available"
	RoomOutOfService RoomStatus = "out_of_service"
)

func (s RoomStatus) Valid() bool {
	return s == RoomAvailable || s == RoomOutOfService
}

type Room struct {
	ID          int64      `json:"id" yaml:"id"`
	Category    Category   `json:"category" yaml:"category"`
	Status      RoomStatus `json:"status" yaml:"status"`
	Description *string    `json:"description,omitempty" yaml:"description,omitempty"`
	PhotoURLs   []string   `json:"photo_urls,omitempty" yaml:"photo_urls,omitempty"`
}

// InService is false for rooms that exist but must never be allocated.
func (r Room) InService() bool { return r.Status == RoomAvailable }
