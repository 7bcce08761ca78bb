package vastai

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"lora-orchestrator/core/models"
	"lora-orchestrator/providers"

	"github.com/pkg/errors"
)

var _ providers.Marketplace = (*Client)(nil)

type offerJSON struct {
	ID          int64   `json:"id"`
	GPUName     string  `json:"gpu_name"`
	NumGPUs     int     `json:"num_gpus"`
	GPURAM      float64 `json:"gpu_ram"`
	DPHTotal    float64 `json:"dph_total"`
	Geolocation string  `json:"geolocation"`
	Reliability float64 `json:"reliability2"`
	InetDown    float64 `json:"inet_down"`
	DiskSpace   float64 `json:"disk_space"`
}

type portJSON struct {
	HostIP   string `json:"HostIp"`
	HostPort string `json:"HostPort"`
}

type instanceJSON struct {
	ID           int64                 `json:"id"`
	ActualStatus string                `json:"actual_status"`
	PublicIP     string                `json:"public_ipaddr"`
	Ports        map[string][]portJSON `json:"ports"`
	JupyterToken string                `json:"jupyter_token"`
	Label        string                `json:"label"`
	StartDate    float64               `json:"start_date"`
}

func (i instanceJSON) details() models.InstanceDetails {
	d := models.InstanceDetails{
		ExternalID:   strconv.FormatInt(i.ID, 10),
		ActualStatus: i.ActualStatus,
		PublicIP:     i.PublicIP,
		AuthToken:    i.JupyterToken,
		Label:        i.Label,
	}
	if len(i.Ports) > 0 {
		d.Ports = make(map[string][]models.PortBinding, len(i.Ports))
		for port, bindings := range i.Ports {
			for _, b := range bindings {
				d.Ports[port] = append(d.Ports[port], models.PortBinding{HostIP: b.HostIP, HostPort: b.HostPort})
			}
		}
	}
	if i.StartDate > 0 {
		started := time.Unix(int64(i.StartDate), 0).UTC()
		d.StartedAt = &started
	}
	return d
}

// searchQuery builds the marketplace query language document for a filter
func searchQuery(f models.OfferFilter) map[string]interface{} {
	q := map[string]interface{}{
		"rentable": map[string]interface{}{"eq": true},
		"rented":   map[string]interface{}{"eq": false},
		"order":    [][]string{{"dph_total", "asc"}},
		"type":     "on-demand",
	}
	if len(f.GPUNames) > 0 {
		q["gpu_name"] = map[string]interface{}{"in": f.GPUNames}
	}
	if f.NumGPUs > 0 {
		q["num_gpus"] = map[string]interface{}{"eq": f.NumGPUs}
	}
	if f.MinGPURAMMB > 0 {
		q["gpu_ram"] = map[string]interface{}{"gte": f.MinGPURAMMB}
	}
	if f.MaxPricePerHour > 0 {
		q["dph_total"] = map[string]interface{}{"lte": f.MaxPricePerHour}
	}
	if f.MinReliability > 0 {
		q["reliability2"] = map[string]interface{}{"gte": f.MinReliability}
	}
	if f.MinInetDownMbps > 0 {
		q["inet_down"] = map[string]interface{}{"gte": f.MinInetDownMbps}
	}
	if f.MinDiskSpaceGB > 0 {
		q["disk_space"] = map[string]interface{}{"gte": f.MinDiskSpaceGB}
	}
	return q
}

// SearchOffers lists rentable offers. Geography is left to the caller since
// the query language cannot express country suffix matches.
func (c *Client) SearchOffers(ctx context.Context, filter models.OfferFilter) ([]models.Offer, error) {
	var out struct {
		Offers []offerJSON `json:"offers"`
	}
	if err := c.do(ctx, http.MethodPost, "/bundles/", searchQuery(filter), &out); err != nil {
		return nil, errors.Wrap(err, "search offers")
	}

	offers := make([]models.Offer, 0, len(out.Offers))
	for _, o := range out.Offers {
		offers = append(offers, models.Offer{
			ID:           strconv.FormatInt(o.ID, 10),
			GPUName:      o.GPUName,
			NumGPUs:      o.NumGPUs,
			GPURAMMB:     int(o.GPURAM),
			PricePerHour: o.DPHTotal,
			Geolocation:  o.Geolocation,
			Reliability:  o.Reliability,
			InetDownMbps: o.InetDown,
			DiskSpaceGB:  o.DiskSpace,
		})
	}
	return offers, nil
}

// CreateInstance accepts an offer and returns the new instance id
func (c *Client) CreateInstance(ctx context.Context, req models.CreateInstanceRequest) (string, error) {
	body := map[string]interface{}{
		"client_id": "me",
		"image":     req.Image,
		"disk":      req.DiskGB,
		"label":     req.Label,
		"env":       req.Env,
		"onstart":   req.OnStart,
		"runtype":   "args",
	}

	var out struct {
		Success     bool  `json:"success"`
		NewContract int64 `json:"new_contract"`
	}
	path := "/asks/" + url.PathEscape(req.OfferID) + "/"
	if err := c.do(ctx, http.MethodPut, path, body, &out); err != nil {
		return "", errors.Wrapf(err, "accept offer %s", req.OfferID)
	}
	if !out.Success || out.NewContract == 0 {
		return "", errors.Errorf("offer %s was not accepted", req.OfferID)
	}

	return strconv.FormatInt(out.NewContract, 10), nil
}

// GetInstance returns the provider's view of one instance
func (c *Client) GetInstance(ctx context.Context, externalID string) (*models.InstanceDetails, error) {
	var out struct {
		Instances *instanceJSON `json:"instances"`
	}
	if err := c.do(ctx, http.MethodGet, "/instances/"+url.PathEscape(externalID)+"/", nil, &out); err != nil {
		return nil, errors.Wrapf(err, "get instance %s", externalID)
	}
	// the marketplace answers 200 with a null body for destroyed instances
	if out.Instances == nil {
		return nil, errors.Wrapf(providers.ErrInstanceNotFound, "instance %s", externalID)
	}

	d := out.Instances.details()
	return &d, nil
}

// DeleteInstance destroys the instance
func (c *Client) DeleteInstance(ctx context.Context, externalID string) error {
	err := c.do(ctx, http.MethodDelete, "/instances/"+url.PathEscape(externalID)+"/", nil, nil)
	return errors.Wrapf(err, "delete instance %s", externalID)
}

// ListInstances returns every instance rented under the account
func (c *Client) ListInstances(ctx context.Context) ([]models.InstanceDetails, error) {
	var out struct {
		Instances []instanceJSON `json:"instances"`
	}
	if err := c.do(ctx, http.MethodGet, "/instances/", nil, &out); err != nil {
		return nil, errors.Wrap(err, "list instances")
	}

	details := make([]models.InstanceDetails, 0, len(out.Instances))
	for _, i := range out.Instances {
		details = append(details, i.details())
	}
	return details, nil
}
