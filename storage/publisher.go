package storage

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/google/uuid"

	"board-api/domain"
)

type queue interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// Publisher fans confirmed board mutations out to the event queue so
// downstream read models and notification services can react.
type Publisher struct {
	eventQueue queue
}

// NewPublisher creates a Publisher for the named queue.
func NewPublisher(connStr, queueName string) (*Publisher, error) {
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Publisher{eventQueue: q}, nil
}

// Publish enqueues the event wrapped in its scope envelope. Missing id and
// timestamp fields are filled in here so callers only describe the change.
func (p *Publisher) Publish(ctx context.Context, scopeID domain.ID, ev domain.BoardEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = nextEventTimestamp()
	}
	env := domain.BoardEventEnvelope{UserID: string(scopeID), Event: ev}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = p.eventQueue.EnqueueMessage(ctx, string(data), nil)
	return err
}

var lastEventTimestamp int64

// nextEventTimestamp returns strictly increasing nanosecond timestamps even
// when the clock stalls within a nanosecond tick.
func nextEventTimestamp() int64 {
	for {
		now := time.Now().UnixNano()
		last := atomic.LoadInt64(&lastEventTimestamp)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&lastEventTimestamp, last, now) {
			return now
		}
	}
}
