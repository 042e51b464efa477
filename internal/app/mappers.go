package app

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"resort_booking/internal/domain"
)

/********** inventory file (YAML) -> domain.Room **********/

type inventoryFile struct {
	Rooms []roomRecord `yaml:"rooms" validate:"required,min=1,dive"`
}

type roomRecord struct {
	ID          int64    `yaml:"id" validate:"required,gt=0"`
	Category    string   `yaml:"category" validate:"required,oneof=villa prestige"`
	Status      string   `yaml:"status" validate:"omitempty,oneof=available out_of_service"`
	Description string   `yaml:"description"`
	Photos      []string `yaml:"photos" validate:"omitempty,dive,url"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func LoadInventoryFile(path string) ([]domain.Room, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	rooms, err := LoadInventory(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rooms, nil
}

// LoadInventory decodes and validates an inventory document. Unknown keys and
// duplicate room ids are rejected.
func LoadInventory(r io.Reader) ([]domain.Room, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc inventoryFile
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("inventory is empty")
		}
		return nil, fmt.Errorf("decode inventory: %w", err)
	}
	for i := range doc.Rooms {
		doc.Rooms[i].Category = strings.ToLower(strings.TrimSpace(doc.Rooms[i].Category))
	}
	if err := validate.Struct(doc); err != nil {
		return nil, fmt.Errorf("invalid inventory: %w", err)
	}

	seen := make(map[int64]struct{}, len(doc.Rooms))
	out := make([]domain.Room, 0, len(doc.Rooms))
	for _, rec := range doc.Rooms {
		if _, dup := seen[rec.ID]; dup {
			return nil, fmt.Errorf("invalid inventory: room %d listed twice", rec.ID)
		}
		seen[rec.ID] = struct{}{}
		out = append(out, mapRoom(rec))
	}
	return out, nil
}

func mapRoom(rec roomRecord) domain.Room {
	c, _ := domain.ParseCategory(rec.Category)
	r := domain.Room{
		ID:        rec.ID,
		Category:  c,
		Status:    domain.RoomStatus(rec.Status),
		PhotoURLs: rec.Photos,
	}
	if r.Status == "" {
		r.Status = domain.RoomAvailable
	}
	if d := strings.TrimSpace(rec.Description); d != "" {
		r.Description = &d
	}
	return r
}
