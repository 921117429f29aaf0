package identity

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"hotel_sweeper/models"
)

// SearchSignature identifies "the same logical search" across repeated
// attempts. Two attempts with the same destination, label, stay window,
// occupancy and program filters share one signature regardless of when
// they ran.
func SearchSignature(destinationKey, label string, params models.SearchParams) string {
	programs := append([]string(nil), params.ProgramFilter...)
	sort.Strings(programs)
	payload := strings.Join([]string{
		destinationKey,
		label,
		params.CheckIn.Format("2006-01-02"),
		params.CheckOut.Format("2006-01-02"),
		fmt.Sprintf("%d", len(params.Rooms)),
		fmt.Sprintf("%d", params.TotalAdults()),
		strings.Join(programs, ","),
	}, "|")
	sum := sha1.Sum([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// RoomTypeID returns the backend room type id, or synthesizes a stable
// one from the record content when the backend omits it.
func RoomTypeID(record *models.RateRecord) string {
	if record.RoomTypeID != "" {
		return record.RoomTypeID
	}
	payload := fmt.Sprintf("%s|%s|%s", record.PropertyID, record.RoomTypeName, hashableSummary(record))
	return "anon_" + shortHash(payload)
}

// RateID returns the backend rate id, or synthesizes a stable one.
func RateID(record *models.RateRecord, roomTypeID string) string {
	if record.RateID != "" {
		return record.RateID
	}
	payload := fmt.Sprintf("%s|%s|%s", record.PropertyID, roomTypeID, hashableSummary(record))
	return "rate_" + shortHash(payload)
}

func hashableSummary(record *models.RateRecord) string {
	summary := map[string]any{
		"hotel_collection": record.HotelCollection,
		"amenities":        record.Amenities,
		"pricing":          record.Pricing,
		"occupancy_adults": record.OccupancyAdults,
		"room_count":       record.RoomCount,
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return ""
	}
	return string(data)
}

func shortHash(payload string) string {
	sum := sha1.Sum([]byte(payload))
	return hex.EncodeToString(sum[:])[:12]
}
