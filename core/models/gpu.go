package models

import "time"

// GpuInstance is a rented marketplace instance linked to a training run
type GpuInstance struct {
	ID           string
	ExternalID   string // provider-side instance identifier
	RunID        *string
	Status       GpuInstanceStatus
	OfferID      string
	PricePerHour float64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// GpuInstanceStatus represents the lifecycle state of a rented instance record
type GpuInstanceStatus string

const (
	GpuInstanceRunning GpuInstanceStatus = "running"
	// GpuInstanceReleasing marks a record whose teardown has been claimed but not yet confirmed
	GpuInstanceReleasing GpuInstanceStatus = "releasing"
)

// Offer is a rentable machine listed by the marketplace
type Offer struct {
	ID           string
	GPUName      string
	NumGPUs      int
	GPURAMMB     int
	PricePerHour float64
	Geolocation  string
	Reliability  float64
	InetDownMbps float64
	DiskSpaceGB  float64
}

// OfferFilter is the hardware/price/geography filter applied to marketplace searches
type OfferFilter struct {
	GPUNames        []string
	NumGPUs         int
	MinGPURAMMB     int
	MaxPricePerHour float64
	Geolocations    []string
	MinReliability  float64
	MinInetDownMbps float64
	MinDiskSpaceGB  float64
}

// InstanceDetails is the provider's current view of a rented instance
type InstanceDetails struct {
	ExternalID   string
	ActualStatus string
	PublicIP     string
	Ports        map[string][]PortBinding // keyed by container port, e.g. "8000/tcp"
	AuthToken    string
	Label        string
	StartedAt    *time.Time
}

// PortBinding is one host mapping of a container port
type PortBinding struct {
	HostIP   string
	HostPort string
}

// HasPorts reports whether the provider has published any port mapping yet
func (d *InstanceDetails) HasPorts() bool {
	return d != nil && len(d.Ports) > 0
}

// IsErrored reports whether the provider considers the instance dead
func (d *InstanceDetails) IsErrored() bool {
	switch d.ActualStatus {
	case "exited", "offline", "error":
		return true
	}
	return false
}

// CreateInstanceRequest describes how a selected offer is provisioned
type CreateInstanceRequest struct {
	OfferID string
	Image   string
	DiskGB  float64
	Label   string
	Env     map[string]string
	OnStart string
}
