package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// SNSPublisher is the subset of the SNS client used here.
type SNSPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSPush publishes notifications to an SNS topic; subscribers filter on the
// audience and recipient message attributes.
type SNSPush struct {
	client   SNSPublisher
	topicARN string
}

func NewSNSPush(ctx context.Context, region, topicARN string) (*SNSPush, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return &SNSPush{client: sns.NewFromConfig(cfg), topicARN: topicARN}, nil
}

func NewSNSPushWithClient(client SNSPublisher, topicARN string) *SNSPush {
	return &SNSPush{client: client, topicARN: topicARN}
}

func (s *SNSPush) Send(ctx context.Context, msg PushMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = s.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(s.topicARN),
		Subject:  aws.String(msg.Title),
		Message:  aws.String(string(b)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"audience":  {DataType: aws.String("String"), StringValue: aws.String(string(msg.Audience))},
			"recipient": {DataType: aws.String("String"), StringValue: aws.String(msg.RecipientID)},
		},
	})
	if err != nil {
		return fmt.Errorf("sns publish: %w", err)
	}
	return nil
}
