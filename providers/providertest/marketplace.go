// Package providertest provides an in-memory GPU marketplace for tests.
package providertest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"lora-orchestrator/core/models"
	"lora-orchestrator/providers"

	"github.com/pkg/errors"
)

var _ providers.Marketplace = (*Marketplace)(nil)

// Marketplace rents instances from a fixed offer list
type Marketplace struct {
	mu        sync.Mutex
	seq       int
	Offers    []models.Offer
	instances map[string]*models.InstanceDetails
	created   []models.CreateInstanceRequest
	deleted   []string

	SearchErr error
	CreateErr error
	DeleteErr error
}

// New creates a marketplace listing offers
func New(offers ...models.Offer) *Marketplace {
	return &Marketplace{Offers: offers, instances: make(map[string]*models.InstanceDetails)}
}

func (m *Marketplace) SearchOffers(ctx context.Context, filter models.OfferFilter) ([]models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SearchErr != nil {
		return nil, m.SearchErr
	}
	return append([]models.Offer(nil), m.Offers...), nil
}

func (m *Marketplace) CreateInstance(ctx context.Context, req models.CreateInstanceRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		return "", m.CreateErr
	}
	m.seq++
	id := fmt.Sprintf("ext-%d", m.seq)
	m.instances[id] = &models.InstanceDetails{ExternalID: id, ActualStatus: "loading", Label: req.Label}
	m.created = append(m.created, req)
	return id, nil
}

func (m *Marketplace) GetInstance(ctx context.Context, externalID string) (*models.InstanceDetails, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.instances[externalID]
	if !ok {
		return nil, errors.Wrap(providers.ErrInstanceNotFound, externalID)
	}
	cp := *d
	return &cp, nil
}

func (m *Marketplace) DeleteInstance(ctx context.Context, externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	if _, ok := m.instances[externalID]; !ok {
		return errors.Wrap(providers.ErrInstanceNotFound, externalID)
	}
	delete(m.instances, externalID)
	m.deleted = append(m.deleted, externalID)
	return nil
}

func (m *Marketplace) ListInstances(ctx context.Context) ([]models.InstanceDetails, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.InstanceDetails, 0, len(m.instances))
	for _, d := range m.instances {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, nil
}

// Boot publishes the runner port of an instance
func (m *Marketplace) Boot(externalID, ip, hostPort string, containerPort int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.instances[externalID]
	if !ok {
		return
	}
	d.ActualStatus = "running"
	d.PublicIP = ip
	d.Ports = map[string][]models.PortBinding{
		fmt.Sprintf("%d/tcp", containerPort): {{HostIP: "0.0.0.0", HostPort: hostPort}},
	}
}

// SetStatus overrides the provider status of an instance
func (m *Marketplace) SetStatus(externalID, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.instances[externalID]; ok {
		d.ActualStatus = status
	}
}

// Put adds an instance this marketplace did not create through CreateInstance
func (m *Marketplace) Put(d models.InstanceDetails) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := d
	m.instances[d.ExternalID] = &cp
}

// Created returns every CreateInstance request
func (m *Marketplace) Created() []models.CreateInstanceRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.CreateInstanceRequest(nil), m.created...)
}

// Deleted returns the external ids torn down so far
func (m *Marketplace) Deleted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleted...)
}

// Live reports whether the instance still exists
func (m *Marketplace) Live(externalID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.instances[externalID]
	return ok
}
