package queue

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSQS struct {
	sent     []*sqs.SendMessageInput
	received *sqs.ReceiveMessageInput
	deleted  []string
	inbox    []types.Message
}

func (f *fakeSQS) GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, _ ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	return &sqs.GetQueueUrlOutput{QueueUrl: aws.String("https://sqs.local/000/" + aws.ToString(in.QueueName))}, nil
}

func (f *fakeSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.received = in
	return &sqs.ReceiveMessageOutput{Messages: f.inbox}, nil
}

func (f *fakeSQS) DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func TestSQSQueueResolvesName(t *testing.T) {
	q, err := NewSQSQueue(context.Background(), &fakeSQS{}, "lora-pipeline")
	require.NoError(t, err)
	assert.Equal(t, "https://sqs.local/000/lora-pipeline", q.URL())

	q, err = NewSQSQueue(context.Background(), &fakeSQS{}, "https://sqs.local/000/direct")
	require.NoError(t, err)
	assert.Equal(t, "https://sqs.local/000/direct", q.URL())
}

func TestSQSQueueSendClampsDelay(t *testing.T) {
	fake := &fakeSQS{}
	q, _ := NewSQSQueue(context.Background(), fake, "https://sqs.local/q")

	require.NoError(t, q.Send(context.Background(), []byte("a"), 120*time.Second))
	require.NoError(t, q.Send(context.Background(), []byte("b"), time.Hour))

	require.Len(t, fake.sent, 2)
	assert.Equal(t, int32(120), fake.sent[0].DelaySeconds)
	assert.Equal(t, int32(900), fake.sent[1].DelaySeconds)
}

func TestSQSQueueReceive(t *testing.T) {
	fake := &fakeSQS{inbox: []types.Message{{
		MessageId:     aws.String("m-1"),
		Body:          aws.String("payload"),
		ReceiptHandle: aws.String("rh-1"),
		Attributes:    map[string]string{attrReceiveCount: "3"},
	}}}
	q, _ := NewSQSQueue(context.Background(), fake, "https://sqs.local/q")

	msgs, err := q.Receive(context.Background(), ReceiveOptions{MaxMessages: 50, Lease: 5 * time.Minute, Wait: time.Minute})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, Message{ID: "m-1", Body: []byte("payload"), ReceiveCount: 3, Handle: "rh-1"}, msgs[0])

	assert.Equal(t, int32(10), fake.received.MaxNumberOfMessages)
	assert.Equal(t, int32(300), fake.received.VisibilityTimeout)
	assert.Equal(t, int32(20), fake.received.WaitTimeSeconds)

	require.NoError(t, q.Delete(context.Background(), msgs[0]))
	assert.Equal(t, []string{"rh-1"}, fake.deleted)
}
