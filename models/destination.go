package models

// Destination is a named search target from the static catalog.
type Destination struct {
	Key        string   `json:"key"`
	Group      string   `json:"group"`
	Name       string   `json:"name"`
	LocationID string   `json:"location_id,omitempty"`
	Latitude   *float64 `json:"latitude,omitempty"`
	Longitude  *float64 `json:"longitude,omitempty"`
}

// MissingFields reports which metadata a destination still needs before
// it can be scheduled for search.
func (d *Destination) MissingFields() []string {
	var missing []string
	if d.LocationID == "" {
		missing = append(missing, "location_id")
	}
	if d.Latitude == nil {
		missing = append(missing, "latitude")
	}
	if d.Longitude == nil {
		missing = append(missing, "longitude")
	}
	return missing
}

func (d *Destination) IsReady() bool {
	return len(d.MissingFields()) == 0
}
