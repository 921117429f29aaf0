package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"hotel_sweeper/models"
)

// Profile is an optional YAML run profile layered over the environment
// configuration. It carries the human-facing knobs for a sweep: which
// destinations, which dates, how the browser should run.
type Profile struct {
	Profile string `yaml:"profile"`
	Title   string `yaml:"title"`
	Notes   string `yaml:"notes"`

	Search struct {
		CheckIn       string   `yaml:"check_in"`
		Nights        int      `yaml:"nights"`
		Adults        int      `yaml:"adults"`
		Destinations  []string `yaml:"destinations"`
		ProgramFilter []string `yaml:"program_filter"`
	} `yaml:"search"`

	Browser struct {
		Headless *bool `yaml:"headless"`
		SlowMoMS *int  `yaml:"slow_mo_ms"`
	} `yaml:"browser"`

	Storage struct {
		DBPath        string `yaml:"db_path"`
		JournalMode   string `yaml:"journal_mode"`
		Synchronous   string `yaml:"synchronous"`
		BusyTimeoutMS *int   `yaml:"busy_timeout_ms"`
	} `yaml:"storage"`

	Sweep struct {
		Priority               string `yaml:"priority"`
		DestinationPauseMS     *int   `yaml:"destination_pause_ms"`
		ResumeCompleted        *bool  `yaml:"resume_completed"`
		MaxConsecutiveFailures *int   `yaml:"max_consecutive_backend_failures"`
	} `yaml:"sweep"`

	DateRange *DateRange `yaml:"date_range"`

	CatalogPath string `yaml:"catalog_path"`
}

// DateRange defines the series of check-in dates a sweep iterates.
// Either End or Occurrences must be set.
type DateRange struct {
	Start       string `yaml:"start"`
	End         string `yaml:"end"`
	Occurrences int    `yaml:"occurrences"`
	StepDays    int    `yaml:"step_days"`
	Nights      int    `yaml:"nights"`
}

func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read run profile %s: %w", path, err)
	}
	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse run profile %s: %w", path, err)
	}
	if profile.Profile == "" {
		profile.Profile = "default"
	}
	if profile.DateRange != nil {
		if profile.DateRange.Start == "" {
			return nil, fmt.Errorf("run profile %s: date_range requires 'start'", path)
		}
		if profile.DateRange.End == "" && profile.DateRange.Occurrences == 0 {
			return nil, fmt.Errorf("run profile %s: date_range requires either 'end' or 'occurrences'", path)
		}
	}
	return &profile, nil
}

// Apply layers profile overrides onto an environment-derived config.
func (p *Profile) Apply(cfg *Config) error {
	if len(p.Search.Destinations) > 0 {
		cfg.Search.DestinationKeys = p.Search.Destinations
	}
	if p.Search.Nights > 0 {
		cfg.Search.Nights = p.Search.Nights
	}
	if p.Search.Adults > 0 {
		cfg.Search.Adults = p.Search.Adults
	}
	if p.Search.CheckIn != "" {
		cfg.Search.CheckIn = p.Search.CheckIn
	}
	if len(p.Search.ProgramFilter) > 0 {
		cfg.Search.ProgramFilter = p.Search.ProgramFilter
	}
	if p.Browser.Headless != nil {
		cfg.Browser.Headless = *p.Browser.Headless
	}
	if p.Browser.SlowMoMS != nil {
		cfg.Browser.SlowMoMS = *p.Browser.SlowMoMS
	}
	if p.Storage.DBPath != "" {
		cfg.Storage.DBPath = p.Storage.DBPath
	}
	if p.Storage.JournalMode != "" {
		cfg.Storage.JournalMode = p.Storage.JournalMode
	}
	if p.Storage.Synchronous != "" {
		cfg.Storage.Synchronous = p.Storage.Synchronous
	}
	if p.Storage.BusyTimeoutMS != nil {
		cfg.Storage.BusyTimeoutMS = *p.Storage.BusyTimeoutMS
	}
	if p.Sweep.Priority != "" {
		cfg.Sweep.Priority = p.Sweep.Priority
	}
	if p.Sweep.DestinationPauseMS != nil {
		cfg.Sweep.DestinationPause = time.Duration(*p.Sweep.DestinationPauseMS) * time.Millisecond
	}
	if p.Sweep.ResumeCompleted != nil {
		cfg.Sweep.ResumeCompleted = *p.Sweep.ResumeCompleted
	}
	if p.Sweep.MaxConsecutiveFailures != nil {
		cfg.Sweep.MaxConsecutiveFailures = *p.Sweep.MaxConsecutiveFailures
	}
	if p.CatalogPath != "" {
		cfg.CatalogPath = p.CatalogPath
	}
	return cfg.validate()
}

// Sweeps generates the date sweeps for this profile. Without a date
// range a single sweep is produced from the configured check-in (or a
// two-week default).
func (p *Profile) Sweeps(cfg *Config) ([]models.DateSweep, error) {
	if p != nil && p.DateRange != nil {
		return p.DateRange.Generate()
	}
	return DefaultSweeps(cfg)
}

// DefaultSweeps builds the single-sweep fallback used when no date
// range is configured.
func DefaultSweeps(cfg *Config) ([]models.DateSweep, error) {
	checkIn := time.Now().AddDate(0, 0, 14)
	if cfg.Search.CheckIn != "" {
		parsed, err := ParseCheckIn(cfg.Search.CheckIn)
		if err != nil {
			return nil, err
		}
		checkIn = parsed
	}
	checkIn = truncateToDay(checkIn)
	return []models.DateSweep{{CheckIn: checkIn, Label: checkIn.Format("2006-01-02")}}, nil
}

func (r *DateRange) Generate() ([]models.DateSweep, error) {
	start, err := ParseCheckIn(r.Start)
	if err != nil {
		return nil, fmt.Errorf("date_range start: %w", err)
	}
	var end time.Time
	if r.End != "" {
		end, err = ParseCheckIn(r.End)
		if err != nil {
			return nil, fmt.Errorf("date_range end: %w", err)
		}
	}
	step := r.StepDays
	if step < 1 {
		step = 1
	}

	var sweeps []models.DateSweep
	current := truncateToDay(start)
	for {
		if !end.IsZero() && current.After(truncateToDay(end)) {
			break
		}
		if r.Occurrences > 0 && len(sweeps) >= r.Occurrences {
			break
		}
		sweeps = append(sweeps, models.DateSweep{
			CheckIn: current,
			Nights:  r.Nights,
			Label:   current.Format("2006-01-02"),
		})
		current = current.AddDate(0, 0, step)
	}
	return sweeps, nil
}

var relativeCheckIn = regexp.MustCompile(`^(\d+)\s*([dDwWmM])$`)

// ParseCheckIn accepts an ISO date or a relative form: "today", "+14d",
// "+2w", "+1m" (months are treated as 30-day blocks).
func ParseCheckIn(value string) (time.Time, error) {
	text := strings.TrimSpace(value)
	lowered := strings.ToLower(text)
	today := truncateToDay(time.Now())

	if lowered == "today" {
		return today, nil
	}
	if strings.HasPrefix(lowered, "today+") {
		text = "+" + text[len("today+"):]
		lowered = strings.ToLower(text)
	}
	if strings.HasPrefix(lowered, "+") {
		match := relativeCheckIn.FindStringSubmatch(lowered[1:])
		if match == nil {
			return time.Time{}, fmt.Errorf("unsupported relative check-in %q; use forms like '+14d', '+2w', '+1m'", value)
		}
		count, _ := strconv.Atoi(match[1])
		switch match[2] {
		case "d":
			return today.AddDate(0, 0, count), nil
		case "w":
			return today.AddDate(0, 0, 7*count), nil
		default:
			return today.AddDate(0, 0, 30*count), nil
		}
	}

	parsed, err := time.Parse("2006-01-02", text)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid check-in date %q; provide YYYY-MM-DD or a relative offset", value)
	}
	return parsed, nil
}

func truncateToDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
