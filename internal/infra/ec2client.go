package infra

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
)

// AWSEC2Client adapts an aws-sdk-go-v2 EC2 client to EC2Client.
type AWSEC2Client struct {
	client *ec2.Client
}

// NewAWSEC2Client wraps an aws-sdk-go-v2 EC2 client.
func NewAWSEC2Client(client *ec2.Client) *AWSEC2Client {
	return &AWSEC2Client{client: client}
}

// DescribeInstanceStates implements EC2Client against the live EC2 API.
func (c *AWSEC2Client) DescribeInstanceStates(ctx context.Context, instanceIDs []string) (map[string]string, error) {
	out, err := c.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: instanceIDs,
	})
	if err != nil {
		return nil, err
	}

	states := make(map[string]string, len(instanceIDs))
	for _, reservation := range out.Reservations {
		for _, instance := range reservation.Instances {
			if instance.InstanceId == nil || instance.State == nil {
				continue
			}
			states[aws.ToString(instance.InstanceId)] = string(instance.State.Name)
		}
	}
	return states, nil
}
