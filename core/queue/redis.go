package queue

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	fieldBody      = "body"
	promoteBatch   = 100
	redisMaxFanout = 100
)

// RedisQueue is a Queue backed by a Redis stream and consumer group.
// Delayed sends wait in a sorted set keyed by due time and are moved
// onto the stream by the next Receive. A delivery that is not deleted
// within its lease is claimed again by XAUTOCLAIM.
type RedisQueue struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
	delayed  string

	now func() time.Time
}

// NewRedisQueue binds the queue to stream and creates the consumer group if needed
func NewRedisQueue(ctx context.Context, client *redis.Client, stream, group, consumer string) (*RedisQueue, error) {
	err := client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, errors.Wrapf(err, "create consumer group %s on %s", group, stream)
	}

	return &RedisQueue{
		client:   client,
		stream:   stream,
		group:    group,
		consumer: consumer,
		delayed:  stream + ":delayed",
		now:      time.Now,
	}, nil
}

// Send appends body to the stream, or parks it until delay has passed
func (q *RedisQueue) Send(ctx context.Context, body []byte, delay time.Duration) error {
	if delay <= 0 {
		return errors.Wrap(q.add(ctx, string(body)), "redis send")
	}

	due := q.now().Add(delay).UnixMilli()
	member := uuid.NewString() + ":" + string(body)
	err := q.client.ZAdd(ctx, q.delayed, redis.Z{Score: float64(due), Member: member}).Err()
	return errors.Wrap(err, "redis send delayed")
}

func (q *RedisQueue) add(ctx context.Context, body string) error {
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{fieldBody: body},
	}).Err()
}

// promoteDue moves delayed entries whose time has come onto the stream.
// ZREM arbitrates between concurrent consumers so each entry moves once.
func (q *RedisQueue) promoteDue(ctx context.Context) error {
	due, err := q.client.ZRangeByScore(ctx, q.delayed, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(q.now().UnixMilli(), 10),
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return err
	}

	for _, member := range due {
		removed, err := q.client.ZRem(ctx, q.delayed, member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		_, body, _ := strings.Cut(member, ":")
		if err := q.add(ctx, body); err != nil {
			return err
		}
	}

	return nil
}

// Receive first reclaims deliveries whose lease expired, then reads new entries
func (q *RedisQueue) Receive(ctx context.Context, opts ReceiveOptions) ([]Message, error) {
	max := opts.MaxMessages
	if max <= 0 || max > redisMaxFanout {
		max = redisMaxFanout
	}

	if err := q.promoteDue(ctx); err != nil {
		return nil, errors.Wrap(err, "promote delayed messages")
	}

	claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  opts.Lease,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, errors.Wrap(err, "reclaim expired leases")
	}

	messages := make([]Message, 0, max)
	for _, xm := range claimed {
		count, err := q.deliveryCount(ctx, xm.ID)
		if err != nil {
			return nil, err
		}
		messages = append(messages, toMessage(xm, count))
	}

	remaining := max - len(messages)
	if remaining <= 0 {
		return messages, nil
	}

	block := opts.Wait
	if block <= 0 || len(messages) > 0 {
		// a zero block would wait forever
		block = -1
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    int64(remaining),
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return messages, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read group")
	}

	for _, s := range streams {
		for _, xm := range s.Messages {
			messages = append(messages, toMessage(xm, 1))
		}
	}

	return messages, nil
}

func (q *RedisQueue) deliveryCount(ctx context.Context, id string) (int, error) {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.stream,
		Group:  q.group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, errors.Wrapf(err, "pending entry %s", id)
	}
	if len(pending) == 0 {
		return 1, nil
	}
	return int(pending[0].RetryCount), nil
}

func toMessage(xm redis.XMessage, count int) Message {
	body, _ := xm.Values[fieldBody].(string)
	return Message{
		ID:           xm.ID,
		Body:         []byte(body),
		ReceiveCount: count,
		Handle:       xm.ID,
	}
}

// Delete acknowledges the entry and removes it from the stream
func (q *RedisQueue) Delete(ctx context.Context, msg Message) error {
	pipe := q.client.TxPipeline()
	pipe.XAck(ctx, q.stream, q.group, msg.Handle)
	pipe.XDel(ctx, q.stream, msg.Handle)
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "redis delete")
}
