package vastai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lora-orchestrator/core/models"
	"lora-orchestrator/providers"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "secret", WithRateLimit(1000, 10))
}

func TestSearchOffers(t *testing.T) {
	var query map[string]interface{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/bundles/", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&query))

		w.Write([]byte(`{"offers":[{"id":42,"gpu_name":"RTX 4090","num_gpus":1,"gpu_ram":24564,"dph_total":0.41,"geolocation":"Texas, US","reliability2":0.99,"inet_down":812.5,"disk_space":250}]}`))
	})

	offers, err := c.SearchOffers(context.Background(), models.OfferFilter{
		GPUNames:        []string{"RTX 4090"},
		NumGPUs:         1,
		MaxPricePerHour: 0.6,
	})
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, models.Offer{
		ID: "42", GPUName: "RTX 4090", NumGPUs: 1, GPURAMMB: 24564, PricePerHour: 0.41,
		Geolocation: "Texas, US", Reliability: 0.99, InetDownMbps: 812.5, DiskSpaceGB: 250,
	}, offers[0])

	assert.Equal(t, map[string]interface{}{"lte": 0.6}, query["dph_total"])
	assert.Equal(t, map[string]interface{}{"eq": float64(1)}, query["num_gpus"])
	assert.NotContains(t, query, "gpu_ram")
}

func TestCreateInstance(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/asks/42/", r.URL.Path)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "runner:latest", body["image"])
		assert.Equal(t, "run-1", body["label"])

		w.Write([]byte(`{"success":true,"new_contract":9001}`))
	})

	id, err := c.CreateInstance(context.Background(), models.CreateInstanceRequest{OfferID: "42", Image: "runner:latest", Label: "run-1", DiskGB: 60})
	require.NoError(t, err)
	assert.Equal(t, "9001", id)
}

func TestCreateInstanceRejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false,"error":"no_such_ask"}`))
	})

	_, err := c.CreateInstance(context.Background(), models.CreateInstanceRequest{OfferID: "42"})
	assert.Error(t, err)
}

func TestGetInstance(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/instances/9001/":
			w.Write([]byte(`{"instances":{"id":9001,"actual_status":"running","public_ipaddr":"203.0.113.7","jupyter_token":"tok","label":"run-1","start_date":1714564800.5,"ports":{"8000/tcp":[{"HostIp":"0.0.0.0","HostPort":"41234"}]}}}`))
		case "/instances/9002/":
			w.Write([]byte(`{"instances":{"id":9002,"actual_status":"loading","ports":null}}`))
		default:
			w.Write([]byte(`{"instances":null}`))
		}
	})

	d, err := c.GetInstance(context.Background(), "9001")
	require.NoError(t, err)
	assert.True(t, d.HasPorts())
	assert.Equal(t, "41234", d.Ports["8000/tcp"][0].HostPort)
	assert.Equal(t, "203.0.113.7", d.PublicIP)
	require.NotNil(t, d.StartedAt)
	assert.Equal(t, int64(1714564800), d.StartedAt.Unix())

	d, err = c.GetInstance(context.Background(), "9002")
	require.NoError(t, err)
	assert.False(t, d.HasPorts())

	_, err = c.GetInstance(context.Background(), "404")
	assert.True(t, errors.Is(err, providers.ErrInstanceNotFound))
}

func TestDeleteInstanceStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusOK, nil},
		{http.StatusNotFound, providers.ErrInstanceNotFound},
		{http.StatusTooManyRequests, providers.ErrRateLimited},
	}

	for _, tt := range tests {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodDelete, r.Method)
			w.WriteHeader(tt.status)
			w.Write([]byte(`{}`))
		})

		err := c.DeleteInstance(context.Background(), "9001")
		if tt.want == nil {
			assert.NoError(t, err)
			continue
		}
		assert.True(t, errors.Is(err, tt.want), "status %d: %v", tt.status, err)
	}
}

func TestServerErrorIsAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream down"))
	})

	_, err := c.ListInstances(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "upstream down", apiErr.Body)
}

func TestListInstances(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/instances/", r.URL.Path)
		w.Write([]byte(`{"instances":[{"id":1,"actual_status":"running","label":"run-a"},{"id":2,"actual_status":"exited","label":"run-b"}]}`))
	})

	list, err := c.ListInstances(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "1", list[0].ExternalID)
	assert.True(t, list[1].IsErrored())
}
