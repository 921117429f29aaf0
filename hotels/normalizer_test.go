package hotels

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"hotel_sweeper/models"
)

func loadFixture(t *testing.T) *models.SearchResults {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join("testdata", "properties_response.json"))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	var payload struct {
		Context map[string]any   `json:"context"`
		Hotels  []map[string]any `json:"hotels"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("parse fixture: %v", err)
	}
	return &models.SearchResults{Context: payload.Context, Hotels: payload.Hotels}
}

func fixtureParams() (models.Destination, models.SearchParams) {
	dest := models.Destination{Key: "tokyo", Group: "asia", Name: "Tokyo, Japan"}
	params := models.SearchParams{
		LocationID:    "179900",
		LocationLabel: "Tokyo, Japan",
		CheckIn:       time.Date(2026, 11, 2, 0, 0, 0, 0, time.UTC),
		CheckOut:      time.Date(2026, 11, 5, 0, 0, 0, 0, time.UTC),
		Rooms:         []models.RoomRequest{{Adults: 2}},
	}
	return dest, params
}

func TestBuildRecordsCounts(t *testing.T) {
	dest, params := fixtureParams()
	hotels, rates := BuildRecords(loadFixture(t), dest, params)

	if len(hotels) != 2 {
		t.Fatalf("expected 2 hotel records, got %d", len(hotels))
	}
	if len(rates) != 2 {
		t.Fatalf("expected 2 rate records, got %d", len(rates))
	}
}

func TestHotelRecordFields(t *testing.T) {
	dest, params := fixtureParams()
	hotels, _ := BuildRecords(loadFixture(t), dest, params)
	hotel := hotels[0]

	if hotel.PropertyID != "prop-100" || hotel.Name != "Park Hyatt Tokyo" {
		t.Fatalf("identity fields wrong: %s / %s", hotel.PropertyID, hotel.Name)
	}
	if hotel.SupplierID != "884512" {
		t.Fatalf("numeric supplier id should stringify cleanly, got %q", hotel.SupplierID)
	}
	if hotel.StarRating == nil || *hotel.StarRating != 5 {
		t.Fatalf("star rating = %v", hotel.StarRating)
	}
	if hotel.AddressState != "13" {
		t.Fatalf("province code fallback not applied: %q", hotel.AddressState)
	}
	if hotel.ChainName != "Hyatt" || hotel.BrandName != "Park Hyatt" {
		t.Fatalf("chain/brand = %s / %s", hotel.ChainName, hotel.BrandName)
	}
	if hotel.LoyaltyValid == nil || !*hotel.LoyaltyValid {
		t.Fatal("loyalty flag lost")
	}
	if len(hotel.Amenities) != 2 {
		t.Fatalf("amenity entries without descriptions should drop, got %v", hotel.Amenities)
	}
	if hotel.UserRating == nil || *hotel.UserRating != 9.2 || hotel.UserRatingCount == nil || *hotel.UserRatingCount != 1843 {
		t.Fatalf("review fields = %v / %v", hotel.UserRating, hotel.UserRatingCount)
	}
	if hotel.DescriptionShort != "Serene tower-top luxury" {
		t.Fatalf("marketing short description not preferred: %q", hotel.DescriptionShort)
	}
	if hotel.MarketingInsiderTip == "" || len(hotel.MarketingTags) != 2 {
		t.Fatal("marketing info not carried through")
	}
}

func TestHeroImageSelection(t *testing.T) {
	dest, params := fixtureParams()
	hotels, _ := BuildRecords(loadFixture(t), dest, params)

	// Flagged hero wins even when it is not first.
	if hotels[0].HeroImage != "https://img.example/100/suite.jpg" {
		t.Fatalf("flagged hero not selected: %q", hotels[0].HeroImage)
	}
	if len(hotels[0].ImageGallery) != 2 {
		t.Fatalf("gallery should keep only large images, got %v", hotels[0].ImageGallery)
	}

	// Without a flag the first large image stands in.
	if hotels[1].HeroImage != "https://img.example/200/entry.jpg" {
		t.Fatalf("first-image fallback not applied: %q", hotels[1].HeroImage)
	}
}

func TestRenovationNoticeNormalization(t *testing.T) {
	dest, params := fixtureParams()
	hotels, _ := BuildRecords(loadFixture(t), dest, params)

	want := "The pool is closed through March 2027.\nClub lounge under renovation."
	if hotels[0].RenovationClosureNotice != want {
		t.Fatalf("list notice not collapsed: %q", hotels[0].RenovationClosureNotice)
	}
	if hotels[1].RenovationClosureNotice != "Closed for the New Year holidays." {
		t.Fatalf("string notice mangled: %q", hotels[1].RenovationClosureNotice)
	}
}

func TestDescriptionFallbacks(t *testing.T) {
	dest, params := fixtureParams()
	hotels, _ := BuildRecords(loadFixture(t), dest, params)

	// The second hotel has no marketing block; its plain-string
	// description is the long description.
	if hotels[1].DescriptionLong != "A six-room family inn near Sensoji." {
		t.Fatalf("string description fallback failed: %q", hotels[1].DescriptionLong)
	}
}

func TestProgramBenefitFlattening(t *testing.T) {
	dest, params := fixtureParams()
	hotels, _ := BuildRecords(loadFixture(t), dest, params)
	benefits := hotels[0].ProgramBenefits

	if len(benefits) != 2 {
		t.Fatalf("expected 2 flattened benefits, got %d", len(benefits))
	}
	breakfast := benefits[0]
	if breakfast.ProgramCode != "FHR" || breakfast.BenefitType != "BREAKFAST" {
		t.Fatalf("benefit identity wrong: %+v", breakfast)
	}
	if breakfast.Description != "Daily breakfast for two" {
		t.Fatalf("english description not preferred: %q", breakfast.Description)
	}
	if breakfast.Note != "Served in the Girandole" {
		t.Fatalf("note lost: %q", breakfast.Note)
	}
	if breakfast.ExceptionalValue == nil || !*breakfast.ExceptionalValue {
		t.Fatal("program-level exceptional value flag lost")
	}
	if benefits[1].EndDate != "2027-01-31" {
		t.Fatalf("capitalized EndDate variant not read: %q", benefits[1].EndDate)
	}
}

func TestRateRecordPricing(t *testing.T) {
	dest, params := fixtureParams()
	_, rates := BuildRecords(loadFixture(t), dest, params)
	rate := rates[0]

	if rate.PropertyID != "prop-100" || rate.RoomTypeID != "rt-900" || rate.RateID != "rate-1" {
		t.Fatalf("rate identity wrong: %+v", rate)
	}
	if rate.HotelCollection != "FHR" {
		t.Fatalf("collection = %q", rate.HotelCollection)
	}
	pricing := rate.Pricing
	if pricing == nil {
		t.Fatal("pricing missing")
	}
	if pricing.Total == nil || *pricing.Total != 1650 {
		t.Fatalf("total = %v", pricing.Total)
	}
	if len(pricing.NightlyActualRates) != 3 || pricing.NightlyActualRates[1] != 520 {
		t.Fatalf("nightly actuals = %v", pricing.NightlyActualRates)
	}
	if len(pricing.Fees) != 1 || pricing.Fees[0].Label != "Destination fee" {
		t.Fatalf("fee components = %+v", pricing.Fees)
	}
	if pricing.Fees[0].Amount == nil || *pricing.Fees[0].Amount != 35 {
		t.Fatalf("fee amount = %v", pricing.Fees[0].Amount)
	}
	if pricing.Fees[0].PayLocally == nil || !*pricing.Fees[0].PayLocally {
		t.Fatal("pay-locally flag lost")
	}
	if len(pricing.Taxes) != 1 || pricing.Taxes[0].Type != "VAT" {
		t.Fatalf("tax components = %+v", pricing.Taxes)
	}

	if rate.CancellationPolicyText != "Free cancellation until November 1, 2026." {
		t.Fatalf("cancellation text = %q", rate.CancellationPolicyText)
	}
	if rate.OccupancyAdults == nil || *rate.OccupancyAdults != 2 {
		t.Fatalf("occupancy adults = %v", rate.OccupancyAdults)
	}
	if rate.RoomCount == nil || *rate.RoomCount != 1 {
		t.Fatalf("room count = %v", rate.RoomCount)
	}
	if rate.SpecialOffer == nil || rate.SpecialOffer["code"] != "STAY3PAY2" {
		t.Fatalf("special offer lost: %v", rate.SpecialOffer)
	}
}

func TestRateOccupancyFromChildrenList(t *testing.T) {
	dest, params := fixtureParams()
	_, rates := BuildRecords(loadFixture(t), dest, params)
	rate := rates[1]

	if rate.OccupancyAdults == nil || *rate.OccupancyAdults != 1 {
		t.Fatalf("adults = %v", rate.OccupancyAdults)
	}
	if rate.OccupancyChildren == nil || *rate.OccupancyChildren != 2 {
		t.Fatalf("children list should count entries, got %v", rate.OccupancyChildren)
	}
	if rate.Available == nil || *rate.Available {
		t.Fatal("availability flag lost")
	}
}

func TestSearchContextDenormalized(t *testing.T) {
	dest, params := fixtureParams()
	hotels, rates := BuildRecords(loadFixture(t), dest, params)

	for _, record := range hotels {
		if record.Search.DestinationKey != "tokyo" || record.Search.CheckIn != "2026-11-02" {
			t.Fatalf("hotel search context wrong: %+v", record.Search)
		}
		if record.Search.RequestID != "req-abc-123" {
			t.Fatalf("request id not carried: %q", record.Search.RequestID)
		}
	}
	for _, record := range rates {
		if record.Search.CheckOut != "2026-11-05" || record.Search.TotalAdults != 2 {
			t.Fatalf("rate search context wrong: %+v", record.Search)
		}
	}
}
