package aws

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"lora-orchestrator/core/models"
	"lora-orchestrator/providers"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/pkg/errors"
)

// CreateInstance launches one on-demand instance of the offered type
func (c *Client) CreateInstance(ctx context.Context, req models.CreateInstanceRequest) (string, error) {
	amiID, err := c.GetGPUOptimizedAMI(ctx)
	if err != nil {
		return "", errors.Wrap(err, "failed to get GPU AMI")
	}

	input := &ec2.RunInstancesInput{
		ImageId:                           aws.String(amiID),
		InstanceType:                      types.InstanceType(req.OfferID),
		MinCount:                          aws.Int32(1),
		MaxCount:                          aws.Int32(1),
		UserData:                          aws.String(base64.StdEncoding.EncodeToString([]byte(userDataScript(req)))),
		InstanceInitiatedShutdownBehavior: types.ShutdownBehaviorTerminate,
		TagSpecifications: []types.TagSpecification{
			{
				ResourceType: types.ResourceTypeInstance,
				Tags: []types.Tag{
					{Key: aws.String("Name"), Value: aws.String(req.Label)},
					{Key: aws.String(managedByTag), Value: aws.String(managedByValue)},
				},
			},
		},
	}
	if req.DiskGB > 0 {
		input.BlockDeviceMappings = []types.BlockDeviceMapping{{
			DeviceName: aws.String("/dev/sda1"),
			Ebs: &types.EbsBlockDevice{
				VolumeSize:          aws.Int32(int32(req.DiskGB)),
				VolumeType:          types.VolumeTypeGp3,
				DeleteOnTermination: aws.Bool(true),
			},
		}}
	}
	if c.opts.SubnetID != "" || c.opts.SecurityGroupID != "" {
		nic := types.InstanceNetworkInterfaceSpecification{
			DeviceIndex:              aws.Int32(0),
			AssociatePublicIpAddress: aws.Bool(true),
		}
		if c.opts.SubnetID != "" {
			nic.SubnetId = aws.String(c.opts.SubnetID)
		}
		if c.opts.SecurityGroupID != "" {
			nic.Groups = []string{c.opts.SecurityGroupID}
		}
		input.NetworkInterfaces = []types.InstanceNetworkInterfaceSpecification{nic}
	}

	result, err := c.ec2Client.RunInstances(ctx, input)
	if err != nil {
		return "", errors.Wrapf(translate(err), "run %s", req.OfferID)
	}
	if len(result.Instances) == 0 {
		return "", errors.Errorf("run %s returned no instance", req.OfferID)
	}

	return aws.ToString(result.Instances[0].InstanceId), nil
}

// userDataScript exports the instance environment and runs the start command
func userDataScript(req models.CreateInstanceRequest) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\nset -e\n")

	keys := make([]string, 0, len(req.Env))
	for k := range req.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "export %s=%s\n", k, strconv.Quote(req.Env[k]))
	}

	if req.Image != "" {
		fmt.Fprintf(&b, "docker pull %s\n", req.Image)
	}
	if req.OnStart != "" {
		b.WriteString(req.OnStart)
		b.WriteString("\n")
	}
	return b.String()
}

// GetInstance describes one instance
func (c *Client) GetInstance(ctx context.Context, externalID string) (*models.InstanceDetails, error) {
	out, err := c.ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{externalID}})
	if err != nil {
		return nil, errors.Wrapf(translate(err), "describe %s", externalID)
	}

	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			if inst.State != nil && inst.State.Name == types.InstanceStateNameTerminated {
				return nil, errors.Wrapf(providers.ErrInstanceNotFound, "instance %s terminated", externalID)
			}
			d := c.details(inst)
			return &d, nil
		}
	}

	return nil, errors.Wrapf(providers.ErrInstanceNotFound, "instance %s", externalID)
}

// DeleteInstance terminates the instance
func (c *Client) DeleteInstance(ctx context.Context, externalID string) error {
	_, err := c.ec2Client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{externalID}})
	if err != nil {
		return errors.Wrapf(translate(err), "terminate %s", externalID)
	}
	return nil
}

// ListInstances returns every live instance tagged as managed by this service
func (c *Client) ListInstances(ctx context.Context) ([]models.InstanceDetails, error) {
	paginator := ec2.NewDescribeInstancesPaginator(c.ec2Client, &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: aws.String("tag:" + managedByTag), Values: []string{managedByValue}},
			{Name: aws.String("instance-state-name"), Values: []string{"pending", "running", "stopping", "stopped"}},
		},
	})

	var details []models.InstanceDetails
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrap(translate(err), "describe instances")
		}
		for _, r := range page.Reservations {
			for _, inst := range r.Instances {
				details = append(details, c.details(inst))
			}
		}
	}
	return details, nil
}

func (c *Client) details(inst types.Instance) models.InstanceDetails {
	d := models.InstanceDetails{
		ExternalID: aws.ToString(inst.InstanceId),
		PublicIP:   aws.ToString(inst.PublicIpAddress),
		StartedAt:  inst.LaunchTime,
	}
	if inst.State != nil {
		d.ActualStatus = actualStatus(inst.State.Name)
	}
	for _, tag := range inst.Tags {
		if aws.ToString(tag.Key) == "Name" {
			d.Label = aws.ToString(tag.Value)
		}
	}
	// security groups open the runner port directly, so it is published as soon as there is an address
	if d.ActualStatus == "running" && d.PublicIP != "" {
		port := strconv.Itoa(c.opts.RunnerPort)
		d.Ports = map[string][]models.PortBinding{
			port + "/tcp": {{HostIP: d.PublicIP, HostPort: port}},
		}
	}
	return d
}

// actualStatus maps EC2 states onto the marketplace vocabulary
func actualStatus(state types.InstanceStateName) string {
	switch state {
	case types.InstanceStateNamePending:
		return "loading"
	case types.InstanceStateNameRunning:
		return "running"
	case types.InstanceStateNameStopping, types.InstanceStateNameStopped:
		return "exited"
	case types.InstanceStateNameShuttingDown, types.InstanceStateNameTerminated:
		return "offline"
	default:
		return string(state)
	}
}

// translate maps EC2 API error codes onto provider sentinels
func translate(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.ErrorCode() {
	case "InvalidInstanceID.NotFound", "InvalidInstanceID.Malformed":
		return errors.Wrap(providers.ErrInstanceNotFound, apiErr.ErrorMessage())
	case "RequestLimitExceeded", "InsufficientInstanceCapacity":
		return errors.Wrap(providers.ErrRateLimited, apiErr.ErrorMessage())
	}
	return err
}
