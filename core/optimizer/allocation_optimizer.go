package optimizer

import (
	"context"
	"sort"
	"strings"

	"lora-orchestrator/core/models"

	"github.com/pkg/errors"
)

// ErrNoOffers is returned when nothing on the marketplace passes the filter
var ErrNoOffers = errors.New("no offer matches the filter")

// SelectionPolicy picks one offer out of a price-sorted candidate list
type SelectionPolicy string

const (
	// PolicyCheapest takes the lowest-priced candidate
	PolicyCheapest SelectionPolicy = "cheapest"
	// PolicyMedian takes the middle of the list, trading price for availability
	PolicyMedian SelectionPolicy = "median"
)

// ParsePolicy validates a configured policy name
func ParsePolicy(name string) (SelectionPolicy, error) {
	switch p := SelectionPolicy(strings.ToLower(strings.TrimSpace(name))); p {
	case PolicyCheapest, PolicyMedian:
		return p, nil
	case "":
		return PolicyCheapest, nil
	default:
		return "", errors.Errorf("unknown selection policy %q", name)
	}
}

// OfferSource lists marketplace offers
type OfferSource interface {
	SearchOffers(ctx context.Context, filter models.OfferFilter) ([]models.Offer, error)
}

// AllocationOptimizer chooses which offer to rent for a run
type AllocationOptimizer struct {
	source OfferSource
	filter models.OfferFilter
	policy SelectionPolicy
}

// NewAllocationOptimizer creates a new allocation optimizer
func NewAllocationOptimizer(source OfferSource, filter models.OfferFilter, policy SelectionPolicy) *AllocationOptimizer {
	if policy == "" {
		policy = PolicyCheapest
	}
	return &AllocationOptimizer{source: source, filter: filter, policy: policy}
}

// Select searches the marketplace and returns the offer the policy picks
func (ao *AllocationOptimizer) Select(ctx context.Context) (*models.Offer, error) {
	offers, err := ao.source.SearchOffers(ctx, ao.filter)
	if err != nil {
		return nil, errors.Wrap(err, "search offers")
	}

	// providers filter server-side only as far as their query language allows
	candidates := FilterOffers(offers, ao.filter)
	if len(candidates) == 0 {
		return nil, errors.Wrapf(ErrNoOffers, "%d offers listed", len(offers))
	}

	SortByPrice(candidates)
	offer := PickOffer(candidates, ao.policy)
	return &offer, nil
}

// FilterOffers returns the offers that satisfy every bound of the filter
func FilterOffers(offers []models.Offer, filter models.OfferFilter) []models.Offer {
	var candidates []models.Offer
	for _, o := range offers {
		if matches(o, filter) {
			candidates = append(candidates, o)
		}
	}
	return candidates
}

func matches(o models.Offer, f models.OfferFilter) bool {
	if len(f.GPUNames) > 0 && !containsFold(f.GPUNames, o.GPUName) {
		return false
	}
	if f.NumGPUs > 0 && o.NumGPUs != f.NumGPUs {
		return false
	}
	if o.GPURAMMB < f.MinGPURAMMB {
		return false
	}
	if f.MaxPricePerHour > 0 && o.PricePerHour > f.MaxPricePerHour {
		return false
	}
	if len(f.Geolocations) > 0 && !matchesGeo(f.Geolocations, o.Geolocation) {
		return false
	}
	return o.Reliability >= f.MinReliability &&
		o.InetDownMbps >= f.MinInetDownMbps &&
		o.DiskSpaceGB >= f.MinDiskSpaceGB
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

// matchesGeo accepts either an exact location or a trailing country code,
// e.g. "US" matches "California, US"
func matchesGeo(allowed []string, geo string) bool {
	country := geo
	if i := strings.LastIndex(geo, ","); i >= 0 {
		country = strings.TrimSpace(geo[i+1:])
	}
	for _, a := range allowed {
		if strings.EqualFold(a, geo) || strings.EqualFold(a, country) {
			return true
		}
	}
	return false
}

// SortByPrice orders offers by price, then by reliability descending
func SortByPrice(offers []models.Offer) {
	sort.SliceStable(offers, func(i, j int) bool {
		if offers[i].PricePerHour != offers[j].PricePerHour {
			return offers[i].PricePerHour < offers[j].PricePerHour
		}
		if offers[i].Reliability != offers[j].Reliability {
			return offers[i].Reliability > offers[j].Reliability
		}
		return offers[i].ID < offers[j].ID
	})
}

// PickOffer applies the policy to a non-empty, price-sorted list
func PickOffer(sorted []models.Offer, policy SelectionPolicy) models.Offer {
	if policy == PolicyMedian {
		return sorted[len(sorted)/2]
	}
	return sorted[0]
}
