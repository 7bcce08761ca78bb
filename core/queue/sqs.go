package queue

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/pkg/errors"
)

const (
	sqsMaxDelay    = 15 * time.Minute
	sqsMaxWait     = 20 * time.Second
	sqsMaxMessages = 10

	attrReceiveCount = "ApproximateReceiveCount"
)

// SQSAPI is the subset of the SQS client the queue uses
type SQSAPI interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSQueue is a Queue backed by Amazon SQS
type SQSQueue struct {
	client SQSAPI
	url    string
}

// NewSQSQueue resolves nameOrURL and returns a queue bound to it
func NewSQSQueue(ctx context.Context, client SQSAPI, nameOrURL string) (*SQSQueue, error) {
	if strings.HasPrefix(nameOrURL, "https://") || strings.HasPrefix(nameOrURL, "http://") {
		return &SQSQueue{client: client, url: nameOrURL}, nil
	}

	out, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(nameOrURL)})
	if err != nil {
		return nil, errors.Wrapf(err, "resolve queue %s", nameOrURL)
	}

	return &SQSQueue{client: client, url: aws.ToString(out.QueueUrl)}, nil
}

// URL returns the resolved queue URL
func (q *SQSQueue) URL() string {
	return q.url
}

// Send enqueues body. SQS caps delivery delay at 15 minutes.
func (q *SQSQueue) Send(ctx context.Context, body []byte, delay time.Duration) error {
	if delay > sqsMaxDelay {
		delay = sqsMaxDelay
	}

	_, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(q.url),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: int32(delay / time.Second),
	})
	return errors.Wrap(err, "sqs send")
}

// Receive long-polls for up to opts.MaxMessages messages
func (q *SQSQueue) Receive(ctx context.Context, opts ReceiveOptions) ([]Message, error) {
	max := opts.MaxMessages
	if max <= 0 || max > sqsMaxMessages {
		max = sqsMaxMessages
	}
	wait := opts.Wait
	if wait > sqsMaxWait {
		wait = sqsMaxWait
	}

	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.url),
		MaxNumberOfMessages: int32(max),
		VisibilityTimeout:   int32(opts.Lease / time.Second),
		WaitTimeSeconds:     int32(wait / time.Second),
		AttributeNames:      []types.QueueAttributeName{types.QueueAttributeName(attrReceiveCount)},
	})
	if err != nil {
		return nil, errors.Wrap(err, "sqs receive")
	}

	messages := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		count, _ := strconv.Atoi(m.Attributes[attrReceiveCount])
		if count == 0 {
			count = 1
		}
		messages = append(messages, Message{
			ID:           aws.ToString(m.MessageId),
			Body:         []byte(aws.ToString(m.Body)),
			ReceiveCount: count,
			Handle:       aws.ToString(m.ReceiptHandle),
		})
	}

	return messages, nil
}

// Delete removes the delivery from the queue
func (q *SQSQueue) Delete(ctx context.Context, msg Message) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(msg.Handle),
	})
	return errors.Wrap(err, "sqs delete")
}
