// Package hotels turns raw property payloads into normalized records
// ready for persistence.
package hotels

import (
	"fmt"
	"strings"

	"hotel_sweeper/models"
)

// BuildRecords normalizes a search payload into hotel and rate records.
// Every record carries the search context so rows stay traceable to the
// query that produced them.
func BuildRecords(payload *models.SearchResults, destination models.Destination, params models.SearchParams) ([]models.HotelRecord, []models.RateRecord) {
	searchContext := buildSearchContext(destination, params, payload.Context)

	var hotelRecords []models.HotelRecord
	var rateRecords []models.RateRecord
	for _, hotel := range payload.Hotels {
		hotelRecords = append(hotelRecords, buildHotelRecord(hotel, searchContext))
		rateRecords = append(rateRecords, extractRateRecords(hotel, params, searchContext)...)
	}
	return hotelRecords, rateRecords
}

func buildSearchContext(destination models.Destination, params models.SearchParams, context map[string]any) models.SearchContext {
	requestID, _ := context["requestId"].(string)
	return models.SearchContext{
		DestinationKey:   destination.Key,
		DestinationGroup: destination.Group,
		DestinationName:  destination.Name,
		LocationID:       params.LocationID,
		LocationLabel:    params.LocationLabel,
		CheckIn:          params.CheckIn.Format("2006-01-02"),
		CheckOut:         params.CheckOut.Format("2006-01-02"),
		Rooms:            len(params.Rooms),
		TotalAdults:      params.TotalAdults(),
		TotalChildren:    params.TotalChildren(),
		RequestID:        requestID,
	}
}

func buildHotelRecord(hotel map[string]any, searchContext models.SearchContext) models.HotelRecord {
	address := getMap(hotel, "address")
	checkIn := getMap(hotel, "checkIn")
	checkOut := getMap(hotel, "checkOut")
	geo := getMap(hotel, "geoLocation")
	distance := getMap(hotel, "distanceFromSearchLocation")
	chain := getMap(hotel, "chain")
	brand := getMap(hotel, "brand")
	decoration := getMap(hotel, "clientHotelDecoration")
	marketing := getMap(getMap(decoration, "clientHotelInfo"), "marketingInfo")
	reviews := getMap(hotel, "userReviews")

	heroImage, gallery := extractImages(getSlice(hotel, "propertyImages"))

	state := getString(address, "provinceName")
	if state == "" {
		state = getString(address, "provinceCode")
	}

	descriptionLong := getString(marketing, "description")
	if descriptionLong == "" {
		switch description := hotel["description"].(type) {
		case map[string]any:
			descriptionLong = getString(description, "text")
		case string:
			descriptionLong = description
		}
	}
	descriptionShort := getString(marketing, "shortDescription")
	if descriptionShort == "" {
		descriptionShort = getString(hotel, "caption")
	}

	return models.HotelRecord{
		PropertyID:              getString(hotel, "id"),
		SupplierID:              stringify(hotel["supplierId"]),
		Name:                    getString(hotel, "name"),
		Type:                    getString(hotel, "type"),
		BrandName:               getString(brand, "name"),
		ChainName:               getString(chain, "name"),
		StarRating:              getFloat(hotel, "starRating"),
		Phone:                   getString(hotel, "phone"),
		AddressLine1:            getString(address, "addressLine1"),
		AddressCity:             getString(address, "cityName"),
		AddressState:            state,
		AddressPostalCode:       getString(address, "postalCode"),
		AddressCountryCode:      getString(address, "countryCode"),
		AddressCountryName:      getString(address, "countryName"),
		Latitude:                getFloat(geo, "latitude"),
		Longitude:               getFloat(geo, "longitude"),
		DistanceMiles:           getFloat(distance, "distance"),
		DistanceUnit:            getString(distance, "unit"),
		Interests:               stringSlice(hotel["interests"]),
		Amenities:               descriptionValues(getSlice(hotel, "amenities"), "description"),
		ProgramCodes:            stringSlice(decoration["programs"]),
		ProgramBenefits:         flattenProgramBenefits(getSlice(decoration, "programBenefits")),
		MarketingTags:           stringSlice(marketing["featuresTags"]),
		HostLanguages:           stringSlice(hotel["hostLanguages"]),
		PaymentOptions:          stringSlice(hotel["paymentOptions"]),
		Policies:                descriptionValues(getSlice(hotel, "policies"), "description"),
		SupplierFees:            descriptionValues(getSlice(hotel, "supplierFeesDescriptions"), "text"),
		CheckInStart:            getString(checkIn, "beginTime"),
		CheckInEnd:              getString(checkIn, "endTime"),
		CheckOutTime:            getString(checkOut, "time"),
		DescriptionShort:        descriptionShort,
		DescriptionLong:         descriptionLong,
		HeroImage:               heroImage,
		ImageGallery:            gallery,
		LoyaltyValid:            getBool(chain, "validForLoyaltyProgram"),
		UserRating:              getFloat(reviews, "rating"),
		UserRatingCount:         getInt(reviews, "reviewCount"),
		MarketingInsiderTip:     getString(marketing, "insiderTip"),
		MarketingVideo:          getString(marketing, "marketingVideo"),
		LocationTeaser:          getString(hotel, "locationTeaser"),
		RenovationClosureNotice: normalizeNotice(hotel["renovationAndClosures"]),
		Search:                  searchContext,
		Raw:                     hotel,
	}
}

func extractRateRecords(hotel map[string]any, params models.SearchParams, searchContext models.SearchContext) []models.RateRecord {
	propertyID := getString(hotel, "id")

	var records []models.RateRecord
	for _, roomTypeEntry := range getSlice(hotel, "roomTypes") {
		roomType, ok := roomTypeEntry.(map[string]any)
		if !ok {
			continue
		}
		roomTypeID := getString(roomType, "id")
		roomTypeName := getString(roomType, "name")

		for _, rateEntry := range getSlice(roomType, "rates") {
			rate, ok := rateEntry.(map[string]any)
			if !ok {
				continue
			}

			pricing := parsePricing(getMap(rate, "pricingInfo"))
			allocations, occupancyAdults, occupancyChildren := extractRoomAllocations(getSlice(rate, "rooms"))

			var cancellationPolicyText string
			if len(allocations) > 0 {
				if policies, ok := allocations[0]["cancellation_policies"].([]any); ok && len(policies) > 0 {
					if first, ok := policies[0].(map[string]any); ok {
						cancellationPolicyText = getString(first, "text")
					}
				}
			}

			var roomCount *int
			if count := len(allocations); count > 0 {
				roomCount = &count
			}

			records = append(records, models.RateRecord{
				PropertyID:             propertyID,
				LocationID:             params.LocationID,
				RoomTypeID:             roomTypeID,
				RoomTypeName:           roomTypeName,
				RateID:                 getString(rate, "id"),
				HotelCollection:        getString(rate, "hotelCollection"),
				Available:              getBool(rate, "available"),
				IsBreakfastIncluded:    getBool(rate, "isBreakfastIncluded"),
				IsFoodBeverageCredit:   getBool(rate, "isFoodBeverageCredit"),
				IsFreeCancellation:     getBool(rate, "isFreeCancellation"),
				IsParkingIncluded:      getBool(rate, "isParkingIncluded"),
				IsShuttleIncluded:      getBool(rate, "isShuttleIncluded"),
				Amenities:              descriptionValues(getSlice(rate, "amenities"), "description"),
				BedGroups:              getSlice(rate, "bedGroups"),
				CancellationPolicyText: cancellationPolicyText,
				OccupancyAdults:        occupancyAdults,
				OccupancyChildren:      occupancyChildren,
				RoomCount:              roomCount,
				Pricing:                pricing,
				RoomAllocations:        allocations,
				SpecialOffer:           getMap(rate, "specialOffer"),
				SupplierRatePromotion:  rate["supplierRatePromotion"],
				ComparisonAmenity:      rate["comparisonAmenity"],
				Search:                 searchContext,
			})
		}
	}
	return records
}

func parsePricing(info map[string]any) *models.RatePricing {
	if len(info) == 0 {
		return nil
	}
	return &models.RatePricing{
		Currency:                     getString(info, "currency"),
		Base:                         getFloat(info, "base"),
		Total:                        getFloat(info, "total"),
		TotalInclusive:               getFloat(info, "totalInclusive"),
		TotalFees:                    getFloat(info, "totalFees"),
		TotalTaxes:                   getFloat(info, "totalTaxes"),
		AverageNightlyRate:           getFloat(info, "averageNightlyRate"),
		AverageNightlyRatePointsBurn: getFloat(info, "averageNightlyRatePointsBurn"),
		NightlyActualRates:           floatSlice(info["nightlyActualRates"]),
		NightlyInclusiveRates:        floatSlice(info["nightlyInclusiveRates"]),
		PaymentModel:                 getString(info, "paymentModel"),
		PointsBurn:                   getInt(info, "pointsBurn"),
		PointsBurnCalculation:        info["pointsBurnCalculation"],
		Fees:                         parseComponents(getSlice(info, "fees")),
		Taxes:                        parseComponents(getSlice(info, "taxes")),
	}
}

func parseComponents(entries []any) []models.RateComponent {
	var components []models.RateComponent
	for _, entry := range entries {
		component, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		components = append(components, models.RateComponent{
			Type:       getString(component, "type"),
			Label:      getString(component, "description"),
			Amount:     getFloat(component, "value"),
			Currency:   getString(component, "currency"),
			IsIncluded: getBool(component, "isIncluded"),
			PayLocally: getBool(component, "payLocally"),
		})
	}
	return components
}

// extractRoomAllocations summarizes per-room occupancy and keeps the
// allocation details, including each room's cancellation policies.
func extractRoomAllocations(rooms []any) ([]map[string]any, *int, *int) {
	var allocations []map[string]any
	totalAdults := 0
	totalChildren := 0

	for _, roomEntry := range rooms {
		room, ok := roomEntry.(map[string]any)
		if !ok {
			continue
		}
		if adults := getInt(room, "adults"); adults != nil {
			totalAdults += *adults
		}
		switch children := room["children"].(type) {
		case []any:
			totalChildren += len(children)
		case float64:
			totalChildren += int(children)
		}

		var pricing any
		if parsed := parsePricing(getMap(room, "pricingInfo")); parsed != nil {
			pricing = parsed
		}
		allocations = append(allocations, map[string]any{
			"adults":                room["adults"],
			"children":              room["children"],
			"pricing":               pricing,
			"cancellation_policies": getSlice(room, "cancellationPolicies"),
		})
	}

	var adults, children *int
	if totalAdults > 0 {
		adults = &totalAdults
	}
	if totalChildren > 0 {
		children = &totalChildren
	}
	return allocations, adults, children
}

// flattenProgramBenefits turns the nested program/benefit tree into
// flat rows, preferring English description entries.
func flattenProgramBenefits(programs []any) []models.ProgramBenefit {
	var benefits []models.ProgramBenefit
	for _, programEntry := range programs {
		program, ok := programEntry.(map[string]any)
		if !ok {
			continue
		}
		programCode := getString(program, "programCode")
		programName := getString(program, "programName")
		exceptionalValue := getBool(program, "exceptionalValue")

		for _, benefitEntry := range getSlice(program, "benefits") {
			benefit, ok := benefitEntry.(map[string]any)
			if !ok {
				continue
			}
			description, note := extractDescription(getSlice(benefit, "descriptions"))
			endDate := getString(benefit, "EndDate")
			if endDate == "" {
				endDate = getString(benefit, "endDate")
			}
			benefits = append(benefits, models.ProgramBenefit{
				ProgramCode:      programCode,
				ProgramName:      programName,
				BenefitType:      getString(benefit, "type"),
				Description:      description,
				Note:             note,
				StartDate:        getString(benefit, "startDate"),
				EndDate:          endDate,
				ExceptionalValue: exceptionalValue,
			})
		}
	}
	return benefits
}

func extractDescription(entries []any) (string, string) {
	var preferred map[string]any
	for _, entry := range entries {
		description, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		if preferred == nil {
			preferred = description
		}
		locale := strings.ToLower(getString(description, "locale"))
		if strings.HasPrefix(locale, "en") {
			preferred = description
			break
		}
	}
	if preferred == nil {
		return "", ""
	}
	return getString(preferred, "description"), getString(preferred, "note")
}

// extractImages picks the hero image (explicitly flagged, or the first
// large image) and collects the large-size gallery.
func extractImages(images []any) (string, []string) {
	var hero string
	var gallery []string
	for _, imageEntry := range images {
		image, ok := imageEntry.(map[string]any)
		if !ok {
			continue
		}
		large := getString(image, "large")
		if large == "" {
			continue
		}
		if hero == "" {
			if isHero, _ := image["isHero"].(bool); isHero {
				hero = large
			}
		}
		gallery = append(gallery, large)
	}
	if hero == "" && len(gallery) > 0 {
		hero = gallery[0]
	}
	return hero, gallery
}

// normalizeNotice collapses the renovation/closure field, which arrives
// as a string, a list of strings, or nothing at all.
func normalizeNotice(value any) string {
	switch notice := value.(type) {
	case string:
		return strings.TrimSpace(notice)
	case []any:
		var parts []string
		for _, item := range notice {
			if item == nil {
				continue
			}
			if part := strings.TrimSpace(fmt.Sprint(item)); part != "" {
				parts = append(parts, part)
			}
		}
		return strings.Join(parts, "\n")
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(notice))
	}
}

func getMap(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	value, _ := m[key].(map[string]any)
	return value
}

func getSlice(m map[string]any, key string) []any {
	if m == nil {
		return nil
	}
	value, _ := m[key].([]any)
	return value
}

func getString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	value, _ := m[key].(string)
	return value
}

func getFloat(m map[string]any, key string) *float64 {
	if m == nil {
		return nil
	}
	switch value := m[key].(type) {
	case float64:
		return &value
	case int:
		converted := float64(value)
		return &converted
	default:
		return nil
	}
}

func getInt(m map[string]any, key string) *int {
	if m == nil {
		return nil
	}
	switch value := m[key].(type) {
	case float64:
		converted := int(value)
		return &converted
	case int:
		return &value
	default:
		return nil
	}
}

func getBool(m map[string]any, key string) *bool {
	if m == nil {
		return nil
	}
	if value, ok := m[key].(bool); ok {
		return &value
	}
	return nil
}

func stringify(value any) string {
	if value == nil {
		return ""
	}
	if text, ok := value.(string); ok {
		return text
	}
	if number, ok := value.(float64); ok && number == float64(int64(number)) {
		return fmt.Sprintf("%d", int64(number))
	}
	return fmt.Sprint(value)
}

func stringSlice(value any) []string {
	entries, ok := value.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, entry := range entries {
		if text, ok := entry.(string); ok && text != "" {
			out = append(out, text)
		}
	}
	return out
}

func floatSlice(value any) []float64 {
	entries, ok := value.([]any)
	if !ok {
		return nil
	}
	var out []float64
	for _, entry := range entries {
		switch number := entry.(type) {
		case float64:
			out = append(out, number)
		case int:
			out = append(out, float64(number))
		}
	}
	return out
}

func descriptionValues(entries []any, key string) []string {
	var out []string
	for _, entry := range entries {
		if m, ok := entry.(map[string]any); ok {
			if text := getString(m, key); text != "" {
				out = append(out, text)
			}
		}
	}
	return out
}
