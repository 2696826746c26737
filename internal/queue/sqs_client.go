package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// MaxDelay is the longest per-message delay SQS accepts.
const MaxDelay = 15 * time.Minute

// sqsAPI is the minimal SQS interface required by Publisher.
// *sqs.Client from aws-sdk-go-v2 satisfies this interface.
type sqsAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// DispatchError reports a failed publish to a specific queue.
type DispatchError struct {
	QueueURL string
	Err      error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("queue: publish to %s: %v", e.QueueURL, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Publisher sends JSON messages to one SQS queue.
type Publisher struct {
	api      sqsAPI
	queueURL string
}

// New creates a Publisher bound to queueURL.
func New(api sqsAPI, queueURL string) (*Publisher, error) {
	if api == nil {
		return nil, errors.New("queue: api must not be nil")
	}
	queueURL = strings.TrimSpace(queueURL)
	if queueURL == "" {
		return nil, errors.New("queue: queue url must not be empty")
	}
	return &Publisher{api: api, queueURL: queueURL}, nil
}

// Send publishes body as JSON, invisible to consumers until delay has passed.
func (p *Publisher) Send(ctx context.Context, body any, delay time.Duration) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("queue: marshal body: %w", err)
	}
	_, err = p.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(p.queueURL),
		MessageBody:  aws.String(string(raw)),
		DelaySeconds: delaySeconds(delay),
	})
	if err != nil {
		return &DispatchError{QueueURL: p.queueURL, Err: err}
	}
	return nil
}

// delaySeconds rounds up to whole seconds so a flush never fires before the
// quiet period ends, and clamps to what SQS accepts.
func delaySeconds(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	if d > MaxDelay {
		d = MaxDelay
	}
	secs := int32(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}
