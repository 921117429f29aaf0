package models

import "time"

// DateSweep is one check-in iteration of a configured date range.
// Nights of zero means "use the configured default stay length".
type DateSweep struct {
	CheckIn time.Time
	Nights  int
	Label   string
}

// LabelText returns the label used in logs, falling back to the ISO
// check-in date when no explicit label was configured.
func (s DateSweep) LabelText() string {
	if s.Label != "" {
		return s.Label
	}
	return s.CheckIn.Format("2006-01-02")
}

type RoomRequest struct {
	Adults   int
	Children []int
}

// SearchParams describes one property search. Instances are built once
// per SearchUnit and never mutated afterwards.
type SearchParams struct {
	LocationID    string
	LocationLabel string
	Latitude      float64
	Longitude     float64
	CheckIn       time.Time
	CheckOut      time.Time
	Rooms         []RoomRequest
	Page          int
	PageSize      int
	SortOption    string
	SortDirection string
	ProgramFilter []string
}

func (p SearchParams) Nights() int {
	return int(p.CheckOut.Sub(p.CheckIn).Hours() / 24)
}

func (p SearchParams) TotalAdults() int {
	total := 0
	for _, room := range p.Rooms {
		total += room.Adults
	}
	return total
}

func (p SearchParams) TotalChildren() int {
	total := 0
	for _, room := range p.Rooms {
		total += len(room.Children)
	}
	return total
}

// Payload builds the request body for the properties endpoint.
func (p SearchParams) Payload() map[string]any {
	page := p.Page
	if page == 0 {
		page = 1
	}
	pageSize := p.PageSize
	if pageSize == 0 {
		pageSize = 50
	}
	sortOption := p.SortOption
	if sortOption == "" {
		sortOption = "RECOMMENDED"
	}
	sortDirection := p.SortDirection
	if sortDirection == "" {
		sortDirection = "DESC"
	}

	rooms := make([]map[string]any, 0, len(p.Rooms))
	for _, room := range p.Rooms {
		entry := map[string]any{"adults": room.Adults}
		if len(room.Children) > 0 {
			entry["children"] = room.Children
		}
		rooms = append(rooms, entry)
	}

	payload := map[string]any{
		"pagination":   map[string]any{"page": page, "pageSize": pageSize},
		"sortOptions":  []map[string]any{{"direction": sortDirection, "option": sortOption}},
		"checkIn":      p.CheckIn.Format("2006-01-02"),
		"checkOut":     p.CheckOut.Format("2006-01-02"),
		"location":     p.LocationID,
		"locationType": "LOCATION_ID",
		"rooms":        rooms,
	}
	if len(p.ProgramFilter) > 0 {
		payload["filters"] = map[string]any{"clientProgramFilter": p.ProgramFilter}
	}
	return payload
}

// WithPage returns a copy of the params pointed at a different result page.
func (p SearchParams) WithPage(page int) SearchParams {
	p.Page = page
	return p
}

// SearchResults is the aggregated (possibly multi-page) payload returned
// by the properties endpoint.
type SearchResults struct {
	Context map[string]any
	Hotels  []map[string]any
}

func (r *SearchResults) RequestID() string {
	if r == nil || r.Context == nil {
		return ""
	}
	if id, ok := r.Context["requestId"].(string); ok {
		return id
	}
	return ""
}
