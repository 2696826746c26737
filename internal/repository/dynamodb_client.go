package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"message-debouncer/internal/domain"
)

const defaultTTL = 7 * 24 * time.Hour

var (
	// ErrNotFound is returned when no buffer exists for a key.
	ErrNotFound = errors.New("repository: buffer not found")
	// ErrConditionFailed is returned when a conditional write lost a race.
	ErrConditionFailed = errors.New("repository: condition failed")
	// ErrAlreadyAppended is returned by Append when the message id is already
	// part of the current epoch.
	ErrAlreadyAppended = errors.New("repository: message already appended")
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// AppendInput is a single inbound message to buffer.
type AppendInput struct {
	Text      string
	MessageID string
	Window    time.Duration
	Meta      *domain.WhatsAppMeta
}

// Client wraps a DynamoDB table holding one buffer record per conversation.
type Client struct {
	api       dynamodbAPI
	tableName string
	ttl       time.Duration
}

type Option func(*Client)

// WithTTL sets how long an idle buffer is retained before DynamoDB expires it.
func WithTTL(ttl time.Duration) Option {
	return func(c *Client) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	c := &Client{api: api, tableName: tableName, ttl: defaultTTL}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func keyAttr(key domain.ConversationKey) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: key.String()},
	}
}

// Append adds one message to the key's buffer, creating the record if absent,
// in a single UpdateItem. When in.MessageID is set the write is conditional on
// that id not being buffered yet; a repeat returns ErrAlreadyAppended together
// with the current record.
func (c *Client) Append(ctx context.Context, key domain.ConversationKey, in AppendInput, now time.Time) (domain.BufferRecord, error) {
	sets := []string{
		"messages = list_append(if_not_exists(messages, :empty), :msg)",
		"updatedAt = :now",
		"debounceMs = :window",
		"#ttl = :ttl",
	}
	values := map[string]types.AttributeValue{
		":empty":  &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
		":msg":    stringList([]string{in.Text}),
		":now":    timeAttr(now),
		":window": numAttr(in.Window.Milliseconds()),
		":ttl":    numAttr(now.Add(c.ttl).Unix()),
	}
	var condition *string
	if in.MessageID != "" {
		sets = append(sets, "messageIds = list_append(if_not_exists(messageIds, :empty), :mids)")
		values[":mids"] = stringList([]string{in.MessageID})
		values[":mid"] = &types.AttributeValueMemberS{Value: in.MessageID}
		condition = aws.String("attribute_not_exists(messageIds) OR NOT contains(messageIds, :mid)")
	}
	if in.Meta != nil {
		sets = append(sets, "meta = :meta")
		values[":meta"] = metaAttr(in.Meta)
	}

	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                           aws.String(c.tableName),
		Key:                                 keyAttr(key),
		UpdateExpression:                    aws.String("SET " + strings.Join(sets, ", ")),
		ConditionExpression:                 condition,
		ExpressionAttributeNames:            map[string]string{"#ttl": "ttl"},
		ExpressionAttributeValues:           values,
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			if len(ccf.Item) == 0 {
				return domain.BufferRecord{}, ErrAlreadyAppended
			}
			rec, decErr := recordFromItem(ccf.Item)
			if decErr != nil {
				return domain.BufferRecord{}, fmt.Errorf("repository: Append decode: %w", decErr)
			}
			return rec, ErrAlreadyAppended
		}
		return domain.BufferRecord{}, fmt.Errorf("repository: Append: %w", err)
	}
	rec, err := recordFromItem(out.Attributes)
	if err != nil {
		return domain.BufferRecord{}, fmt.Errorf("repository: Append decode: %w", err)
	}
	return rec, nil
}

// Get returns the buffer for key using a strongly consistent read.
func (c *Client) Get(ctx context.Context, key domain.ConversationKey) (domain.BufferRecord, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            keyAttr(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.BufferRecord{}, fmt.Errorf("repository: Get: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.BufferRecord{}, ErrNotFound
	}
	rec, err := recordFromItem(out.Item)
	if err != nil {
		return domain.BufferRecord{}, fmt.Errorf("repository: Get decode: %w", err)
	}
	return rec, nil
}

// MarkScheduled claims the right to enqueue the next trigger. It succeeds only
// if flushScheduledAt still holds the observed value (absent when observed is
// nil) and the record still exists.
func (c *Client) MarkScheduled(ctx context.Context, key domain.ConversationKey, observed *time.Time, now time.Time) error {
	values := map[string]types.AttributeValue{
		":now": timeAttr(now),
	}
	condition := "attribute_exists(PK) AND attribute_not_exists(flushScheduledAt)"
	if observed != nil {
		condition = "attribute_exists(PK) AND flushScheduledAt = :observed"
		values[":observed"] = timeAttr(*observed)
	}

	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(c.tableName),
		Key:                       keyAttr(key),
		UpdateExpression:          aws.String("SET flushScheduledAt = :now"),
		ConditionExpression:       aws.String(condition),
		ExpressionAttributeValues: values,
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrConditionFailed
		}
		return fmt.Errorf("repository: MarkScheduled: %w", err)
	}
	return nil
}

// ReleaseSchedule clears flushScheduledAt if it is still the value written by
// the caller. A value changed by someone else is left untouched.
func (c *Client) ReleaseSchedule(ctx context.Context, key domain.ConversationKey, at time.Time) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(c.tableName),
		Key:                       keyAttr(key),
		UpdateExpression:          aws.String("REMOVE flushScheduledAt"),
		ConditionExpression:       aws.String("flushScheduledAt = :at"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":at": timeAttr(at)},
	})
	if err != nil {
		if isConditionFailed(err) {
			return nil
		}
		return fmt.Errorf("repository: ReleaseSchedule: %w", err)
	}
	return nil
}

// Claim deletes the buffer and returns its contents, provided no message was
// appended after observedUpdatedAt. Of several concurrent claims at most one
// succeeds; the rest get ErrConditionFailed.
func (c *Client) Claim(ctx context.Context, key domain.ConversationKey, observedUpdatedAt time.Time) (domain.BufferRecord, error) {
	out, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(c.tableName),
		Key:                       keyAttr(key),
		ConditionExpression:       aws.String("updatedAt = :u"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":u": timeAttr(observedUpdatedAt)},
		ReturnValues:              types.ReturnValueAllOld,
	})
	if err != nil {
		if isConditionFailed(err) {
			return domain.BufferRecord{}, ErrConditionFailed
		}
		return domain.BufferRecord{}, fmt.Errorf("repository: Claim: %w", err)
	}
	if out == nil || len(out.Attributes) == 0 {
		return domain.BufferRecord{}, ErrNotFound
	}
	rec, err := recordFromItem(out.Attributes)
	if err != nil {
		return domain.BufferRecord{}, fmt.Errorf("repository: Claim decode: %w", err)
	}
	return rec, nil
}

// RestoreInput is a claimed batch being put back into the buffer.
type RestoreInput struct {
	Messages []string
	Window   time.Duration
	Meta     *domain.WhatsAppMeta
}

// Restore prepends a previously claimed batch to the buffer, ahead of anything
// appended since the claim, and marks a flush as scheduled at now.
func (c *Client) Restore(ctx context.Context, key domain.ConversationKey, in RestoreInput, now time.Time) error {
	if len(in.Messages) == 0 {
		return nil
	}
	sets := []string{
		"messages = list_append(:claimed, if_not_exists(messages, :empty))",
		"updatedAt = if_not_exists(updatedAt, :now)",
		"debounceMs = if_not_exists(debounceMs, :window)",
		"flushScheduledAt = :now",
		"#ttl = :ttl",
	}
	values := map[string]types.AttributeValue{
		":claimed": stringList(in.Messages),
		":empty":   &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
		":now":     timeAttr(now),
		":window":  numAttr(in.Window.Milliseconds()),
		":ttl":     numAttr(now.Add(c.ttl).Unix()),
	}
	if in.Meta != nil {
		sets = append(sets, "meta = if_not_exists(meta, :meta)")
		values[":meta"] = metaAttr(in.Meta)
	}

	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(c.tableName),
		Key:                       keyAttr(key),
		UpdateExpression:          aws.String("SET " + strings.Join(sets, ", ")),
		ExpressionAttributeNames:  map[string]string{"#ttl": "ttl"},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return fmt.Errorf("repository: Restore: %w", err)
	}
	return nil
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// recordFromItem converts a DynamoDB attribute map to a BufferRecord.
func recordFromItem(item map[string]types.AttributeValue) (domain.BufferRecord, error) {
	pk, err := strAttr(item, "PK")
	if err != nil {
		return domain.BufferRecord{}, err
	}
	key, err := domain.ParseConversationKey(pk)
	if err != nil {
		return domain.BufferRecord{}, fmt.Errorf("repository: %w", err)
	}
	messages, err := listAttr(item, "messages")
	if err != nil {
		return domain.BufferRecord{}, err
	}
	updatedMs, err := int64Attr(item, "updatedAt")
	if err != nil {
		return domain.BufferRecord{}, err
	}

	rec := domain.BufferRecord{
		Key:       key,
		Messages:  messages,
		UpdatedAt: time.UnixMilli(updatedMs).UTC(),
	}
	if _, ok := item["messageIds"]; ok {
		if rec.MessageIDs, err = listAttr(item, "messageIds"); err != nil {
			return domain.BufferRecord{}, err
		}
	}
	if _, ok := item["flushScheduledAt"]; ok {
		ms, err := int64Attr(item, "flushScheduledAt")
		if err != nil {
			return domain.BufferRecord{}, err
		}
		at := time.UnixMilli(ms).UTC()
		rec.FlushScheduledAt = &at
	}
	if _, ok := item["debounceMs"]; ok {
		ms, err := int64Attr(item, "debounceMs")
		if err != nil {
			return domain.BufferRecord{}, err
		}
		rec.DebounceWindow = time.Duration(ms) * time.Millisecond
	}
	if m, ok := item["meta"].(*types.AttributeValueMemberM); ok {
		phone, _ := strAttr(m.Value, "phoneNumberId") // allow empty
		rec.Meta = &domain.WhatsAppMeta{PhoneNumberID: phone}
	}
	if _, ok := item["ttl"]; ok {
		rec.TTL, _ = int64Attr(item, "ttl")
	}
	return rec, nil
}

func timeAttr(t time.Time) types.AttributeValue {
	return numAttr(t.UnixMilli())
}

func numAttr(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func stringList(values []string) types.AttributeValue {
	list := make([]types.AttributeValue, 0, len(values))
	for _, v := range values {
		list = append(list, &types.AttributeValueMemberS{Value: v})
	}
	return &types.AttributeValueMemberL{Value: list}
}

func metaAttr(meta *domain.WhatsAppMeta) types.AttributeValue {
	return &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
		"phoneNumberId": &types.AttributeValueMemberS{Value: meta.PhoneNumberID},
	}}
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func listAttr(item map[string]types.AttributeValue, key string) ([]string, error) {
	v, ok := item[key]
	if !ok {
		return nil, fmt.Errorf("repository: missing attribute %q", key)
	}
	l, ok := v.(*types.AttributeValueMemberL)
	if !ok {
		return nil, fmt.Errorf("repository: attribute %q is not a list", key)
	}
	out := make([]string, 0, len(l.Value))
	for i, el := range l.Value {
		s, ok := el.(*types.AttributeValueMemberS)
		if !ok {
			return nil, fmt.Errorf("repository: attribute %q[%d] is not a string", key, i)
		}
		out = append(out, s.Value)
	}
	return out, nil
}

func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
