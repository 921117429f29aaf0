package models

// SearchContext is denormalized onto every hotel/rate record so a row
// can be traced back to the search that produced it.
type SearchContext struct {
	DestinationKey   string `json:"destination_key"`
	DestinationGroup string `json:"destination_group"`
	DestinationName  string `json:"destination_name"`
	LocationID       string `json:"search_location_id"`
	LocationLabel    string `json:"search_location_label"`
	CheckIn          string `json:"check_in"`
	CheckOut         string `json:"check_out"`
	Rooms            int    `json:"rooms"`
	TotalAdults      int    `json:"total_adults"`
	TotalChildren    int    `json:"total_children"`
	RequestID        string `json:"request_id,omitempty"`
}

type ProgramBenefit struct {
	ProgramCode      string `json:"program_code"`
	ProgramName      string `json:"program_name"`
	BenefitType      string `json:"benefit_type"`
	Description      string `json:"description,omitempty"`
	Note             string `json:"note,omitempty"`
	StartDate        string `json:"start_date,omitempty"`
	EndDate          string `json:"end_date,omitempty"`
	ExceptionalValue *bool  `json:"exceptional_value,omitempty"`
}

// HotelRecord is a normalized property snapshot, upserted by property id.
type HotelRecord struct {
	PropertyID              string
	SupplierID              string
	Name                    string
	Type                    string
	BrandName               string
	ChainName               string
	StarRating              *float64
	Phone                   string
	AddressLine1            string
	AddressCity             string
	AddressState            string
	AddressPostalCode       string
	AddressCountryCode      string
	AddressCountryName      string
	Latitude                *float64
	Longitude               *float64
	DistanceMiles           *float64
	DistanceUnit            string
	Interests               []string
	Amenities               []string
	ProgramCodes            []string
	ProgramBenefits         []ProgramBenefit
	MarketingTags           []string
	HostLanguages           []string
	PaymentOptions          []string
	Policies                []string
	SupplierFees            []string
	CheckInStart            string
	CheckInEnd              string
	CheckOutTime            string
	DescriptionShort        string
	DescriptionLong         string
	HeroImage               string
	ImageGallery            []string
	LoyaltyValid            *bool
	UserRating              *float64
	UserRatingCount         *int
	MarketingInsiderTip     string
	MarketingVideo          string
	LocationTeaser          string
	RenovationClosureNotice string
	Search                  SearchContext
	Raw                     map[string]any
}

type RateComponent struct {
	Type       string   `json:"type,omitempty"`
	Label      string   `json:"label,omitempty"`
	Amount     *float64 `json:"amount,omitempty"`
	Currency   string   `json:"currency,omitempty"`
	IsIncluded *bool    `json:"is_included,omitempty"`
	PayLocally *bool    `json:"pay_locally,omitempty"`
}

type RatePricing struct {
	Currency                     string          `json:"currency,omitempty"`
	Base                         *float64        `json:"base,omitempty"`
	Total                        *float64        `json:"total,omitempty"`
	TotalInclusive               *float64        `json:"total_inclusive,omitempty"`
	TotalFees                    *float64        `json:"total_fees,omitempty"`
	TotalTaxes                   *float64        `json:"total_taxes,omitempty"`
	AverageNightlyRate           *float64        `json:"average_nightly_rate,omitempty"`
	AverageNightlyRatePointsBurn *float64        `json:"average_nightly_rate_points_burn,omitempty"`
	NightlyActualRates           []float64       `json:"nightly_actual_rates,omitempty"`
	NightlyInclusiveRates        []float64       `json:"nightly_inclusive_rates,omitempty"`
	PaymentModel                 string          `json:"payment_model,omitempty"`
	PointsBurn                   *int            `json:"points_burn,omitempty"`
	PointsBurnCalculation        any             `json:"points_burn_calculation,omitempty"`
	Fees                         []RateComponent `json:"fees,omitempty"`
	Taxes                        []RateComponent `json:"taxes,omitempty"`
}

// RateRecord is one room-type/rate combination observed for a property
// during a run. Persisted as a rate snapshot scoped to the run id.
type RateRecord struct {
	PropertyID             string
	LocationID             string
	RoomTypeID             string
	RoomTypeName           string
	RateID                 string
	HotelCollection        string
	Available              *bool
	IsBreakfastIncluded    *bool
	IsFoodBeverageCredit   *bool
	IsFreeCancellation     *bool
	IsParkingIncluded      *bool
	IsShuttleIncluded      *bool
	Amenities              []string
	BedGroups              []any
	CancellationPolicyText string
	OccupancyAdults        *int
	OccupancyChildren      *int
	RoomCount              *int
	Pricing                *RatePricing
	RoomAllocations        []map[string]any
	SpecialOffer           map[string]any
	SupplierRatePromotion  any
	ComparisonAmenity      any
	Search                 SearchContext
}
