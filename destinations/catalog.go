package destinations

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	"hotel_sweeper/models"
)

// Catalog is the static registry of named search targets, loaded once at
// startup and immutable afterwards.
type Catalog struct {
	Source       string
	destinations map[string]models.Destination
	order        []string
}

type catalogFile struct {
	Destinations []models.Destination `json:"destinations"`
}

func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read destination catalog %s: %w", path, err)
	}

	var parsed catalogFile
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse destination catalog %s: %w", path, err)
	}

	catalog := &Catalog{
		Source:       path,
		destinations: make(map[string]models.Destination, len(parsed.Destinations)),
	}
	for _, dest := range parsed.Destinations {
		if dest.Key == "" {
			return nil, fmt.Errorf("destination catalog %s contains an entry without a key", path)
		}
		if _, exists := catalog.destinations[dest.Key]; exists {
			return nil, fmt.Errorf("destination catalog %s contains duplicate key %q", path, dest.Key)
		}
		catalog.destinations[dest.Key] = dest
		catalog.order = append(catalog.order, dest.Key)
	}
	return catalog, nil
}

func (c *Catalog) Get(key string) (models.Destination, error) {
	if dest, ok := c.destinations[key]; ok {
		return dest, nil
	}
	known := append([]string(nil), c.order...)
	sort.Strings(known)
	return models.Destination{}, fmt.Errorf("unknown destination %q; known keys: %s", key, strings.Join(known, ", "))
}

// Values returns destinations in catalog order.
func (c *Catalog) Values() []models.Destination {
	out := make([]models.Destination, 0, len(c.order))
	for _, key := range c.order {
		out = append(out, c.destinations[key])
	}
	return out
}

// Resolve expands a list of selectors into concrete ready destinations.
// Selectors are explicit keys, "all"/"*", or "group:<name>" filters.
// Destinations missing search metadata are skipped with a warning; an
// empty result is an error since the sweep would have nothing to do.
func (c *Catalog) Resolve(selectors []string) ([]models.Destination, error) {
	all := c.Values()

	var selected []models.Destination
	includeAll := false
	var groupFilters []string

	for _, raw := range selectors {
		key := strings.TrimSpace(raw)
		if key == "" {
			continue
		}
		lowered := strings.ToLower(key)
		switch {
		case lowered == "*" || lowered == "all":
			includeAll = true
		case strings.HasPrefix(lowered, "group:"):
			groupFilters = append(groupFilters, strings.TrimSpace(key[len("group:"):]))
		default:
			if dest, ok := c.destinations[key]; ok {
				selected = append(selected, dest)
				continue
			}
			found := false
			for _, dest := range all {
				if strings.EqualFold(dest.Key, key) {
					selected = append(selected, dest)
					found = true
					break
				}
			}
			if !found {
				log.Printf("Destination key %q not found in catalog %s", key, c.Source)
			}
		}
	}

	for _, group := range groupFilters {
		matched := false
		for _, dest := range all {
			if strings.EqualFold(dest.Group, group) {
				selected = append(selected, dest)
				matched = true
			}
		}
		if !matched {
			log.Printf("No destinations matched group %q", group)
		}
	}

	if includeAll {
		selected = append(selected, all...)
	}

	seen := make(map[string]bool, len(selected))
	var deduped []models.Destination
	for _, dest := range selected {
		if seen[dest.Key] {
			continue
		}
		seen[dest.Key] = true
		deduped = append(deduped, dest)
	}

	var ready []models.Destination
	for _, dest := range deduped {
		if missing := dest.MissingFields(); len(missing) > 0 {
			log.Printf("Skipping destination %s (%s); missing metadata fields: %s",
				dest.Key, dest.Name, strings.Join(missing, ", "))
			continue
		}
		ready = append(ready, dest)
	}

	if len(ready) == 0 {
		return nil, fmt.Errorf("no destinations are ready for search for selectors: %s", strings.Join(selectors, ", "))
	}
	return ready, nil
}
