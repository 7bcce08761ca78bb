package aws

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	"github.com/aws/smithy-go"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lora-orchestrator/core/models"
	"lora-orchestrator/providers"
)

type fakeEC2 struct {
	run          *ec2.RunInstancesInput
	instances    []types.Instance
	terminated   []string
	terminateErr error
}

func (f *fakeEC2) RunInstances(ctx context.Context, in *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	f.run = in
	return &ec2.RunInstancesOutput{Instances: []types.Instance{{InstanceId: aws.String("i-0abc")}}}, nil
}

func (f *fakeEC2) DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	return &ec2.DescribeInstancesOutput{Reservations: []types.Reservation{{Instances: f.instances}}}, nil
}

func (f *fakeEC2) TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	if f.terminateErr != nil {
		return nil, f.terminateErr
	}
	f.terminated = append(f.terminated, in.InstanceIds...)
	return &ec2.TerminateInstancesOutput{}, nil
}

func (f *fakeEC2) DescribeImages(ctx context.Context, in *ec2.DescribeImagesInput, _ ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error) {
	return &ec2.DescribeImagesOutput{Images: []types.Image{
		{ImageId: aws.String("ami-old"), CreationDate: aws.String("2024-01-01T00:00:00.000Z")},
		{ImageId: aws.String("ami-new"), CreationDate: aws.String("2024-06-01T00:00:00.000Z")},
	}}, nil
}

type fakePricing struct {
	calls int
	err   error
}

const g5Price = `{"product":{"sku":"X"},"terms":{"OnDemand":{"X.JRTCKXETXF":{"priceDimensions":{"X.JRTCKXETXF.6YS6EN2CT7":{"unit":"Hrs","pricePerUnit":{"USD":"0.9500000000"}}}}}}}`

func (f *fakePricing) GetProducts(ctx context.Context, in *pricing.GetProductsInput, _ ...func(*pricing.Options)) (*pricing.GetProductsOutput, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &pricing.GetProductsOutput{PriceList: []string{g5Price}}, nil
}

func newTestClient(e *fakeEC2, p *fakePricing) *Client {
	return NewClientWithAPIs(e, p, Options{
		Region:  "us-east-1",
		Catalog: []InstanceType{{"g5.xlarge", "A10G", 1, 24576, 1.006}},
	}, nil)
}

func TestSearchOffersUsesPriceListAndCaches(t *testing.T) {
	p := &fakePricing{}
	c := newTestClient(&fakeEC2{}, p)

	offers, err := c.SearchOffers(context.Background(), models.OfferFilter{})
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, "g5.xlarge", offers[0].ID)
	assert.Equal(t, 0.95, offers[0].PricePerHour)
	assert.Equal(t, "us-east-1", offers[0].Geolocation)

	_, err = c.SearchOffers(context.Background(), models.OfferFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, p.calls)
}

func TestSearchOffersFallsBackToListPrice(t *testing.T) {
	c := newTestClient(&fakeEC2{}, &fakePricing{err: errors.New("access denied")})

	offers, err := c.SearchOffers(context.Background(), models.OfferFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1.006, offers[0].PricePerHour)
}

func TestCreateInstance(t *testing.T) {
	e := &fakeEC2{}
	c := newTestClient(e, &fakePricing{})

	id, err := c.CreateInstance(context.Background(), models.CreateInstanceRequest{
		OfferID: "g5.xlarge",
		Image:   "ghcr.io/acme/lora-runner:1",
		Label:   "run-1",
		DiskGB:  80,
		Env:     map[string]string{"RUNNER_TOKEN": "t0k"},
		OnStart: "docker run -d -p 8000:8000 ghcr.io/acme/lora-runner:1",
	})
	require.NoError(t, err)
	assert.Equal(t, "i-0abc", id)

	require.NotNil(t, e.run)
	assert.Equal(t, "ami-new", aws.ToString(e.run.ImageId))
	assert.Equal(t, types.InstanceType("g5.xlarge"), e.run.InstanceType)
	assert.Equal(t, int32(80), aws.ToInt32(e.run.BlockDeviceMappings[0].Ebs.VolumeSize))

	script, err := base64.StdEncoding.DecodeString(aws.ToString(e.run.UserData))
	require.NoError(t, err)
	assert.Contains(t, string(script), `export RUNNER_TOKEN="t0k"`)
	assert.Contains(t, string(script), "docker run -d")
}

func TestGetInstance(t *testing.T) {
	launched := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	e := &fakeEC2{instances: []types.Instance{{
		InstanceId:      aws.String("i-0abc"),
		PublicIpAddress: aws.String("198.51.100.4"),
		LaunchTime:      &launched,
		State:           &types.InstanceState{Name: types.InstanceStateNameRunning},
		Tags:            []types.Tag{{Key: aws.String("Name"), Value: aws.String("run-1")}},
	}}}
	c := newTestClient(e, &fakePricing{})

	d, err := c.GetInstance(context.Background(), "i-0abc")
	require.NoError(t, err)
	assert.Equal(t, "running", d.ActualStatus)
	assert.Equal(t, "run-1", d.Label)
	assert.Equal(t, []models.PortBinding{{HostIP: "198.51.100.4", HostPort: "8000"}}, d.Ports["8000/tcp"])

	e.instances[0].State.Name = types.InstanceStateNamePending
	d, err = c.GetInstance(context.Background(), "i-0abc")
	require.NoError(t, err)
	assert.False(t, d.HasPorts())

	e.instances[0].State.Name = types.InstanceStateNameTerminated
	_, err = c.GetInstance(context.Background(), "i-0abc")
	assert.True(t, errors.Is(err, providers.ErrInstanceNotFound))
}

func TestDeleteInstanceTranslatesNotFound(t *testing.T) {
	e := &fakeEC2{terminateErr: &smithy.GenericAPIError{Code: "InvalidInstanceID.NotFound", Message: "gone"}}
	c := newTestClient(e, &fakePricing{})

	err := c.DeleteInstance(context.Background(), "i-0abc")
	assert.True(t, errors.Is(err, providers.ErrInstanceNotFound))

	e.terminateErr = nil
	require.NoError(t, c.DeleteInstance(context.Background(), "i-0abc"))
	assert.Equal(t, []string{"i-0abc"}, e.terminated)
}

func TestParseOnDemandPrice(t *testing.T) {
	price, err := parseOnDemandPrice(g5Price)
	require.NoError(t, err)
	assert.Equal(t, 0.95, price)

	_, err = parseOnDemandPrice(`{"terms":{}}`)
	assert.Error(t, err)
}
