package aws

import (
	"context"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/pkg/errors"
)

const (
	defaultAMIOwner       = "amazon"
	defaultAMINamePattern = "Deep Learning OSS Nvidia Driver AMI GPU PyTorch * (Ubuntu 22.04) *"
)

// GetGPUOptimizedAMI finds the newest available deep learning AMI
func (c *Client) GetGPUOptimizedAMI(ctx context.Context) (string, error) {
	owner, pattern := c.opts.AMIOwner, c.opts.AMINamePattern
	if owner == "" {
		owner = defaultAMIOwner
	}
	if pattern == "" {
		pattern = defaultAMINamePattern
	}

	out, err := c.ec2Client.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Owners: []string{owner},
		Filters: []types.Filter{
			{Name: aws.String("name"), Values: []string{pattern}},
			{Name: aws.String("state"), Values: []string{"available"}},
			{Name: aws.String("architecture"), Values: []string{"x86_64"}},
		},
	})
	if err != nil {
		return "", errors.Wrap(err, "describe images")
	}
	if len(out.Images) == 0 {
		return "", errors.Errorf("no AMI matches %q in %s", pattern, c.opts.Region)
	}

	images := out.Images
	// CreationDate is ISO 8601 so lexical order is chronological
	sort.Slice(images, func(i, j int) bool {
		return aws.ToString(images[i].CreationDate) > aws.ToString(images[j].CreationDate)
	})

	return aws.ToString(images[0].ImageId), nil
}
