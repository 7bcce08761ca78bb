// Package aws rents GPU instances from EC2 behind the same marketplace
// contract as the community providers.
package aws

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"lora-orchestrator/core/models"
	"lora-orchestrator/providers"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	pricingtypes "github.com/aws/aws-sdk-go-v2/service/pricing/types"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	managedByTag   = "ManagedBy"
	managedByValue = "lora-orchestrator"
	priceCacheTTL  = 15 * time.Minute
)

var _ providers.Marketplace = (*Client)(nil)

// EC2API is the subset of the EC2 client used here
type EC2API interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeImages(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
}

// PricingAPI is the subset of the Price List client used here
type PricingAPI interface {
	GetProducts(ctx context.Context, params *pricing.GetProductsInput, optFns ...func(*pricing.Options)) (*pricing.GetProductsOutput, error)
}

// InstanceType is one GPU instance type offered through EC2
type InstanceType struct {
	Name         string
	GPUName      string
	GPUs         int
	GPURAMMB     int
	PricePerHour float64 // list price used when the Price List API is unavailable
}

// DefaultCatalog lists the single-node GPU types suitable for LoRA training
var DefaultCatalog = []InstanceType{
	{"g5.xlarge", "A10G", 1, 24576, 1.006},
	{"g5.2xlarge", "A10G", 1, 24576, 1.212},
	{"g6.xlarge", "L4", 1, 23034, 0.805},
	{"g6e.xlarge", "L40S", 1, 46068, 1.861},
	{"p3.2xlarge", "V100", 1, 16384, 3.06},
	{"g4dn.xlarge", "T4", 1, 16384, 0.526},
}

// regionLocations maps region codes to Price List location names
var regionLocations = map[string]string{
	"us-east-1":    "US East (N. Virginia)",
	"us-east-2":    "US East (Ohio)",
	"us-west-2":    "US West (Oregon)",
	"eu-west-1":    "EU (Ireland)",
	"eu-central-1": "EU (Frankfurt)",
}

// Options configures how instances are launched
type Options struct {
	Region          string
	Catalog         []InstanceType
	SubnetID        string
	SecurityGroupID string
	RunnerPort      int
	AMIOwner        string
	AMINamePattern  string
}

// Client is the AWS provider client
type Client struct {
	ec2Client     EC2API
	pricingClient PricingAPI
	opts          Options
	logger        *zap.Logger

	mu       sync.RWMutex
	prices   map[string]float64
	pricedAt time.Time
}

// NewClient creates a new AWS client from the default credential chain
func NewClient(ctx context.Context, opts Options, logger *zap.Logger) (*Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(opts.Region))
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}

	// the Price List API is only served from a few regions
	pricingClient := pricing.NewFromConfig(cfg, func(o *pricing.Options) { o.Region = "us-east-1" })

	return NewClientWithAPIs(ec2.NewFromConfig(cfg), pricingClient, opts, logger), nil
}

// NewClientWithAPIs creates a client over already built service clients
func NewClientWithAPIs(ec2Client EC2API, pricingClient PricingAPI, opts Options, logger *zap.Logger) *Client {
	if len(opts.Catalog) == 0 {
		opts.Catalog = DefaultCatalog
	}
	if opts.RunnerPort == 0 {
		opts.RunnerPort = 8000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		ec2Client:     ec2Client,
		pricingClient: pricingClient,
		opts:          opts,
		logger:        logger,
	}
}

// SearchOffers lists every catalog type as an offer in the configured region
func (c *Client) SearchOffers(ctx context.Context, _ models.OfferFilter) ([]models.Offer, error) {
	prices := c.onDemandPrices(ctx)

	offers := make([]models.Offer, 0, len(c.opts.Catalog))
	for _, it := range c.opts.Catalog {
		price := it.PricePerHour
		if p, ok := prices[it.Name]; ok {
			price = p
		}
		offers = append(offers, models.Offer{
			ID:           it.Name,
			GPUName:      it.GPUName,
			NumGPUs:      it.GPUs,
			GPURAMMB:     it.GPURAMMB,
			PricePerHour: price,
			Geolocation:  c.opts.Region,
			Reliability:  1,
			InetDownMbps: 10000,
			DiskSpaceGB:  16384,
		})
	}
	return offers, nil
}

// onDemandPrices returns cached Price List prices, refreshing them when stale.
// Lookup failures fall back to catalog list prices.
func (c *Client) onDemandPrices(ctx context.Context) map[string]float64 {
	c.mu.RLock()
	if c.prices != nil && time.Since(c.pricedAt) < priceCacheTTL {
		prices := c.prices
		c.mu.RUnlock()
		return prices
	}
	c.mu.RUnlock()

	location, ok := regionLocations[c.opts.Region]
	if !ok || c.pricingClient == nil {
		return nil
	}

	prices := make(map[string]float64, len(c.opts.Catalog))
	for _, it := range c.opts.Catalog {
		price, err := c.fetchOnDemandPrice(ctx, location, it.Name)
		if err != nil {
			c.logger.Warn("price lookup failed, using list price",
				zap.String("instance_type", it.Name), zap.Error(err))
			continue
		}
		prices[it.Name] = price
	}

	c.mu.Lock()
	c.prices = prices
	c.pricedAt = time.Now()
	c.mu.Unlock()

	return prices
}

func (c *Client) fetchOnDemandPrice(ctx context.Context, location, instanceType string) (float64, error) {
	term := func(field, value string) pricingtypes.Filter {
		return pricingtypes.Filter{Field: aws.String(field), Type: pricingtypes.FilterTypeTermMatch, Value: aws.String(value)}
	}

	out, err := c.pricingClient.GetProducts(ctx, &pricing.GetProductsInput{
		ServiceCode: aws.String("AmazonEC2"),
		Filters: []pricingtypes.Filter{
			term("instanceType", instanceType),
			term("location", location),
			term("operatingSystem", "Linux"),
			term("tenancy", "Shared"),
			term("preInstalledSw", "NA"),
			term("capacitystatus", "Used"),
		},
		MaxResults: aws.Int32(1),
	})
	if err != nil {
		return 0, errors.Wrap(err, "get products")
	}
	if len(out.PriceList) == 0 {
		return 0, errors.Errorf("no price list entry for %s", instanceType)
	}

	return parseOnDemandPrice(out.PriceList[0])
}

// parseOnDemandPrice extracts the USD hourly rate from a Price List product document
func parseOnDemandPrice(doc string) (float64, error) {
	var product struct {
		Terms struct {
			OnDemand map[string]struct {
				PriceDimensions map[string]struct {
					PricePerUnit map[string]string `json:"pricePerUnit"`
				} `json:"priceDimensions"`
			} `json:"OnDemand"`
		} `json:"terms"`
	}
	if err := json.Unmarshal([]byte(doc), &product); err != nil {
		return 0, errors.Wrap(err, "decode price list entry")
	}

	for _, offer := range product.Terms.OnDemand {
		for _, dim := range offer.PriceDimensions {
			if usd, ok := dim.PricePerUnit["USD"]; ok {
				return strconv.ParseFloat(usd, 64)
			}
		}
	}
	return 0, errors.New("price list entry has no USD on-demand rate")
}
