package storage

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"hotel_sweeper/identity"
	"hotel_sweeper/models"
)

// featureBuckets maps a hotel_features.feature_type to the record slice
// it is populated from.
func featureBuckets(record *models.HotelRecord) map[string][]string {
	return map[string][]string{
		"interest":       record.Interests,
		"amenity":        record.Amenities,
		"program":        record.ProgramCodes,
		"marketing_tag":  record.MarketingTags,
		"host_language":  record.HostLanguages,
		"payment_option": record.PaymentOptions,
		"policy":         record.Policies,
		"supplier_fee":   record.SupplierFees,
	}
}

// SaveHotels upserts property snapshots and rebuilds their feature and
// benefit rows. Hotels outlive runs; the latest observation wins.
func (s *SQLiteStore) SaveHotels(records []models.HotelRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for i := range records {
		record := &records[i]
		if record.PropertyID == "" {
			continue
		}

		if _, err := tx.Exec(`
			INSERT INTO hotels(
				property_id, supplier_id, name, type, brand_name, chain_name, star_rating,
				phone, address_line1, address_city, address_state, address_postal_code,
				address_country_code, address_country_name, latitude, longitude,
				distance_miles, distance_unit, loyalty_valid, user_rating, user_rating_count,
				hero_image, marketing_insider_tip, marketing_video, location_teaser,
				check_in_start, check_in_end, check_out_time,
				description_short, description_long, renovation_closure_notice,
				image_gallery_json, search_context_json, raw_json, created_at, updated_at
			) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(property_id) DO UPDATE SET
				supplier_id=excluded.supplier_id,
				name=excluded.name,
				type=excluded.type,
				brand_name=excluded.brand_name,
				chain_name=excluded.chain_name,
				star_rating=excluded.star_rating,
				phone=excluded.phone,
				address_line1=excluded.address_line1,
				address_city=excluded.address_city,
				address_state=excluded.address_state,
				address_postal_code=excluded.address_postal_code,
				address_country_code=excluded.address_country_code,
				address_country_name=excluded.address_country_name,
				latitude=excluded.latitude,
				longitude=excluded.longitude,
				distance_miles=excluded.distance_miles,
				distance_unit=excluded.distance_unit,
				loyalty_valid=excluded.loyalty_valid,
				user_rating=excluded.user_rating,
				user_rating_count=excluded.user_rating_count,
				hero_image=excluded.hero_image,
				marketing_insider_tip=excluded.marketing_insider_tip,
				marketing_video=excluded.marketing_video,
				location_teaser=excluded.location_teaser,
				check_in_start=excluded.check_in_start,
				check_in_end=excluded.check_in_end,
				check_out_time=excluded.check_out_time,
				description_short=excluded.description_short,
				description_long=excluded.description_long,
				renovation_closure_notice=excluded.renovation_closure_notice,
				image_gallery_json=excluded.image_gallery_json,
				search_context_json=excluded.search_context_json,
				raw_json=excluded.raw_json,
				updated_at=excluded.updated_at`,
			record.PropertyID, nullable(record.SupplierID), record.Name, nullable(record.Type),
			nullable(record.BrandName), nullable(record.ChainName), record.StarRating,
			nullable(record.Phone), nullable(record.AddressLine1), nullable(record.AddressCity),
			nullable(record.AddressState), nullable(record.AddressPostalCode),
			nullable(record.AddressCountryCode), nullable(record.AddressCountryName),
			record.Latitude, record.Longitude, record.DistanceMiles, nullable(record.DistanceUnit),
			boolToInt(record.LoyaltyValid), record.UserRating, record.UserRatingCount,
			nullable(record.HeroImage), nullable(record.MarketingInsiderTip),
			nullable(record.MarketingVideo), nullable(record.LocationTeaser),
			nullable(record.CheckInStart), nullable(record.CheckInEnd), nullable(record.CheckOutTime),
			nullable(record.DescriptionShort), nullable(record.DescriptionLong),
			nullable(record.RenovationClosureNotice),
			marshalJSON(record.ImageGallery), marshalJSON(record.Search), marshalJSON(record.Raw), now, now); err != nil {
			return fmt.Errorf("upsert hotel %s: %w", record.PropertyID, err)
		}

		if _, err := tx.Exec(`DELETE FROM hotel_features WHERE property_id=?`, record.PropertyID); err != nil {
			return err
		}
		for featureType, values := range featureBuckets(record) {
			for _, value := range values {
				if value == "" {
					continue
				}
				if _, err := tx.Exec(`
					INSERT OR IGNORE INTO hotel_features(property_id, feature_type, value)
					VALUES(?, ?, ?)`, record.PropertyID, featureType, value); err != nil {
					return err
				}
			}
		}

		if _, err := tx.Exec(`DELETE FROM hotel_program_benefits WHERE property_id=?`, record.PropertyID); err != nil {
			return err
		}
		for _, benefit := range record.ProgramBenefits {
			if _, err := tx.Exec(`
				INSERT INTO hotel_program_benefits(
					property_id, program_code, program_name, benefit_type,
					description, note, start_date, end_date, exceptional_value
				) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				record.PropertyID, nullable(benefit.ProgramCode), nullable(benefit.ProgramName),
				nullable(benefit.BenefitType), nullable(benefit.Description), nullable(benefit.Note),
				nullable(benefit.StartDate), nullable(benefit.EndDate),
				boolToInt(benefit.ExceptionalValue)); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

// SaveRates replaces the rate snapshots for a run and refreshes the
// room-type and promotion tables observed along the way. Re-running a
// unit therefore never leaves a partial snapshot mix behind. Returns
// the number of snapshots written.
func (s *SQLiteStore) SaveRates(runID int64, records []models.RateRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	// Aggregate room types first so repeated rates for the same room
	// collapse into one upsert.
	type roomKey struct{ propertyID, roomTypeID string }
	roomNames := make(map[roomKey]string)
	roomAmenities := make(map[roomKey][]string)
	roomBedGroups := make(map[roomKey][]any)
	var roomOrder []roomKey

	for i := range records {
		record := &records[i]
		if record.RoomTypeID == "" {
			record.RoomTypeID = identity.RoomTypeID(record)
		}
		if record.RateID == "" {
			record.RateID = identity.RateID(record, record.RoomTypeID)
		}
		key := roomKey{record.PropertyID, record.RoomTypeID}
		if _, seen := roomNames[key]; !seen {
			roomOrder = append(roomOrder, key)
		}
		if record.RoomTypeName != "" {
			roomNames[key] = record.RoomTypeName
		} else if _, seen := roomNames[key]; !seen {
			roomNames[key] = ""
		}
		if len(record.Amenities) > len(roomAmenities[key]) {
			amenities := append([]string(nil), record.Amenities...)
			sort.Strings(amenities)
			roomAmenities[key] = amenities
		}
		if len(record.BedGroups) > len(roomBedGroups[key]) {
			roomBedGroups[key] = record.BedGroups
		}
	}

	for _, key := range roomOrder {
		if key.propertyID == "" {
			continue
		}
		if _, err := tx.Exec(`
			INSERT INTO room_types(property_id, room_type_id, name, amenities_json, bed_groups_json, created_at, updated_at)
			VALUES(?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(property_id, room_type_id) DO UPDATE SET
				name=excluded.name,
				amenities_json=excluded.amenities_json,
				bed_groups_json=excluded.bed_groups_json,
				updated_at=excluded.updated_at`,
			key.propertyID, key.roomTypeID, nullable(roomNames[key]),
			marshalJSON(roomAmenities[key]), marshalJSON(roomBedGroups[key]), now, now); err != nil {
			return 0, fmt.Errorf("upsert room type %s/%s: %w", key.propertyID, key.roomTypeID, err)
		}
	}

	// Cascade clears nightly prices and components for the run too.
	if _, err := tx.Exec(`DELETE FROM rate_snapshots WHERE run_id=?`, runID); err != nil {
		return 0, err
	}

	type rateKey struct{ propertyID, roomTypeID, rateID string }
	seen := make(map[rateKey]bool, len(records))
	inserted := 0

	for i := range records {
		record := &records[i]
		if record.PropertyID == "" {
			continue
		}
		key := rateKey{record.PropertyID, record.RoomTypeID, record.RateID}
		if seen[key] {
			continue
		}
		seen[key] = true

		pricing := record.Pricing
		if pricing == nil {
			pricing = &models.RatePricing{}
		}

		result, err := tx.Exec(`
			INSERT INTO rate_snapshots(
				run_id, property_id, room_type_id, rate_id, hotel_collection,
				available, is_breakfast_included, is_food_beverage_credit,
				is_free_cancellation, is_parking_included, is_shuttle_included,
				occupancy_adults, occupancy_children, room_count,
				pricing_currency, pricing_base, pricing_total, pricing_total_inclusive,
				pricing_total_fees, pricing_total_taxes,
				average_nightly_rate, average_nightly_rate_points_burn,
				payment_model, points_burn, points_burn_calculation_json,
				room_allocations_json, special_offer_json,
				supplier_rate_promotion_json, comparison_amenity_json,
				search_context_json, created_at
			) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, record.PropertyID, record.RoomTypeID, record.RateID,
			nullable(record.HotelCollection),
			boolToInt(record.Available), boolToInt(record.IsBreakfastIncluded),
			boolToInt(record.IsFoodBeverageCredit), boolToInt(record.IsFreeCancellation),
			boolToInt(record.IsParkingIncluded), boolToInt(record.IsShuttleIncluded),
			record.OccupancyAdults, record.OccupancyChildren, record.RoomCount,
			nullable(pricing.Currency), pricing.Base, pricing.Total, pricing.TotalInclusive,
			pricing.TotalFees, pricing.TotalTaxes,
			pricing.AverageNightlyRate, pricing.AverageNightlyRatePointsBurn,
			nullable(pricing.PaymentModel), pricing.PointsBurn,
			marshalJSON(pricing.PointsBurnCalculation),
			marshalJSON(record.RoomAllocations), marshalJSON(record.SpecialOffer),
			marshalJSON(record.SupplierRatePromotion), marshalJSON(record.ComparisonAmenity),
			marshalJSON(record.Search), now)
		if err != nil {
			return 0, fmt.Errorf("insert rate snapshot %s/%s/%s: %w",
				record.PropertyID, record.RoomTypeID, record.RateID, err)
		}
		snapshotID, err := result.LastInsertId()
		if err != nil {
			return 0, err
		}
		inserted++

		if err := insertNightlyPrices(tx, snapshotID, record, pricing); err != nil {
			return 0, err
		}
		if err := insertComponents(tx, snapshotID, "fee", pricing.Fees); err != nil {
			return 0, err
		}
		if err := insertComponents(tx, snapshotID, "tax", pricing.Taxes); err != nil {
			return 0, err
		}
		if err := upsertPromotion(tx, record, now); err != nil {
			return 0, err
		}
	}

	return inserted, tx.Commit()
}

func insertNightlyPrices(tx *sql.Tx, snapshotID int64, record *models.RateRecord, pricing *models.RatePricing) error {
	nights := len(pricing.NightlyActualRates)
	if len(pricing.NightlyInclusiveRates) > nights {
		nights = len(pricing.NightlyInclusiveRates)
	}
	if nights == 0 {
		return nil
	}

	var checkIn time.Time
	var haveCheckIn bool
	if record.Search.CheckIn != "" {
		if parsed, err := time.Parse("2006-01-02", record.Search.CheckIn); err == nil {
			checkIn = parsed
			haveCheckIn = true
		}
	}

	for idx := 0; idx < nights; idx++ {
		var actual, inclusive any
		if idx < len(pricing.NightlyActualRates) {
			actual = pricing.NightlyActualRates[idx]
		}
		if idx < len(pricing.NightlyInclusiveRates) {
			inclusive = pricing.NightlyInclusiveRates[idx]
		}
		var nightDate any
		if haveCheckIn {
			nightDate = checkIn.AddDate(0, 0, idx).Format("2006-01-02")
		}
		if _, err := tx.Exec(`
			INSERT INTO rate_nightly_prices(rate_snapshot_id, night_index, night_date, actual_rate, inclusive_rate)
			VALUES(?, ?, ?, ?, ?)`, snapshotID, idx, nightDate, actual, inclusive); err != nil {
			return err
		}
	}
	return nil
}

func insertComponents(tx *sql.Tx, snapshotID int64, componentType string, components []models.RateComponent) error {
	for _, component := range components {
		if _, err := tx.Exec(`
			INSERT INTO rate_components(rate_snapshot_id, component_type, code, label, amount, currency, is_included, pay_locally)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
			snapshotID, componentType, nullable(component.Type), nullable(component.Label),
			component.Amount, nullable(component.Currency),
			boolToInt(component.IsIncluded), boolToInt(component.PayLocally)); err != nil {
			return err
		}
	}
	return nil
}

// upsertPromotion tracks the lifetime of a special offer: first_seen is
// preserved across re-observations, last_seen always advances.
func upsertPromotion(tx *sql.Tx, record *models.RateRecord, now time.Time) error {
	offer := record.SpecialOffer
	if len(offer) == 0 || record.PropertyID == "" {
		return nil
	}
	code := stringField(offer, "code", "promotionCode", "id")
	if code == "" {
		return nil
	}

	_, err := tx.Exec(`
		INSERT INTO hotel_promotions(
			property_id, promotion_code, promotion_type, title, description,
			min_nights, max_nights, booking_start, booking_end, stay_start, stay_end,
			blackout_dates_json, card_types_json, raw_json, first_seen, last_seen
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(property_id, promotion_code) DO UPDATE SET
			promotion_type=excluded.promotion_type,
			title=COALESCE(excluded.title, hotel_promotions.title),
			description=COALESCE(excluded.description, hotel_promotions.description),
			min_nights=excluded.min_nights,
			max_nights=excluded.max_nights,
			booking_start=excluded.booking_start,
			booking_end=excluded.booking_end,
			stay_start=excluded.stay_start,
			stay_end=excluded.stay_end,
			blackout_dates_json=excluded.blackout_dates_json,
			card_types_json=excluded.card_types_json,
			raw_json=excluded.raw_json,
			last_seen=excluded.last_seen`,
		record.PropertyID, code,
		nullable(stringField(offer, "type", "offerType")),
		nullable(stringField(offer, "title", "name")),
		nullable(stringField(offer, "description")),
		intField(offer, "minNights"), intField(offer, "maxNights"),
		nullable(stringField(offer, "bookingStartDate", "bookingStart")),
		nullable(stringField(offer, "bookingEndDate", "bookingEnd")),
		nullable(stringField(offer, "stayStartDate", "stayStart")),
		nullable(stringField(offer, "stayEndDate", "stayEnd")),
		marshalJSON(offer["blackoutDates"]), marshalJSON(offer["cardTypes"]),
		marshalJSON(offer), now, now)
	return err
}

func stringField(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if value, ok := m[key].(string); ok && value != "" {
			return value
		}
	}
	return ""
}

func intField(m map[string]any, key string) any {
	switch value := m[key].(type) {
	case float64:
		return int(value)
	case int:
		return value
	default:
		return nil
	}
}
