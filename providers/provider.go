// Package providers defines the contract every GPU marketplace backend implements.
package providers

import (
	"context"

	"lora-orchestrator/core/models"

	"github.com/pkg/errors"
)

var (
	// ErrInstanceNotFound is returned when the provider no longer knows the instance
	ErrInstanceNotFound = errors.New("instance not found")
	// ErrRateLimited is returned when the provider throttled the call; retry later
	ErrRateLimited = errors.New("rate limited by provider")
)

// Marketplace rents and tears down GPU instances
type Marketplace interface {
	SearchOffers(ctx context.Context, filter models.OfferFilter) ([]models.Offer, error)
	CreateInstance(ctx context.Context, req models.CreateInstanceRequest) (externalID string, err error)
	GetInstance(ctx context.Context, externalID string) (*models.InstanceDetails, error)
	DeleteInstance(ctx context.Context, externalID string) error
	ListInstances(ctx context.Context) ([]models.InstanceDetails, error)
}
