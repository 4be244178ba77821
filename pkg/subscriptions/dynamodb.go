package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDBClient defines the DynamoDB operations used by the store
type DynamoDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Table layout
const (
	itemPrefix       = "SUB#"
	metaSortKey      = "META"
	OrgIndex         = "org-index"
	StatusDueIndex   = "status-due-index"
	GatewayRefIndex  = "gateway-ref-index"
	pingSubscription = "__ping__"
)

var _ Store = (*DynamoStore)(nil)

// DynamoStore persists subscriptions in a single DynamoDB table keyed by
// pk = SUB#<id>, sk = META.
type DynamoStore struct {
	client DynamoDBClient
	table  string
	now    func() time.Time
}

// NewDynamoStore creates a store over table
func NewDynamoStore(client DynamoDBClient, table string) *DynamoStore {
	return &DynamoStore{client: client, table: table, now: time.Now}
}

func itemKey(id string) map[string]dbtypes.AttributeValue {
	return map[string]dbtypes.AttributeValue{
		"pk": &dbtypes.AttributeValueMemberS{Value: itemPrefix + id},
		"sk": &dbtypes.AttributeValueMemberS{Value: metaSortKey},
	}
}

// Create writes a new subscription, failing if the id already exists
func (d *DynamoStore) Create(ctx context.Context, sub *Subscription) error {
	if err := sub.Validate(); err != nil {
		return storeErr("create", err)
	}

	c := sub.Clone()
	now := FormatTimestamp(d.now())
	if c.CreatedAt == "" {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Version == 0 {
		c.Version = 1
	}

	item, err := marshalItem(c)
	if err != nil {
		return storeErr("create", err)
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return storeErr("create", ErrAlreadyExists)
		}
		return storeErr("create", err)
	}

	sub.CreatedAt, sub.UpdatedAt, sub.Version = c.CreatedAt, c.UpdatedAt, c.Version
	return nil
}

// Get reads a subscription by id
func (d *DynamoStore) Get(ctx context.Context, id string) (*Subscription, error) {
	sub, err := d.get(ctx, id)
	if err != nil {
		return nil, storeErr("get", err)
	}
	return sub, nil
}

func (d *DynamoStore) get(ctx context.Context, id string) (*Subscription, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            itemKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}
	return unmarshalItem(out.Item)
}

// GetByOrganization queries the organization index
func (d *DynamoStore) GetByOrganization(ctx context.Context, orgID string) (*Subscription, error) {
	subs, err := d.query(ctx, &dynamodb.QueryInput{
		IndexName:              aws.String(OrgIndex),
		KeyConditionExpression: aws.String("organizationId = :org"),
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":org": &dbtypes.AttributeValueMemberS{Value: orgID},
		},
	})
	if err != nil {
		return nil, storeErr("get_by_organization", err)
	}
	if len(subs) == 0 {
		return nil, storeErr("get_by_organization", ErrNotFound)
	}
	return preferLive(subs), nil
}

// GetByGatewayRef queries the sparse gateway reference index
func (d *DynamoStore) GetByGatewayRef(ctx context.Context, ref string) (*Subscription, error) {
	subs, err := d.query(ctx, &dynamodb.QueryInput{
		IndexName:              aws.String(GatewayRefIndex),
		KeyConditionExpression: aws.String("gatewayRef = :ref"),
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":ref": &dbtypes.AttributeValueMemberS{Value: ref},
		},
	})
	if err != nil {
		return nil, storeErr("get_by_gateway_ref", err)
	}
	if len(subs) == 0 {
		return nil, storeErr("get_by_gateway_ref", ErrNotFound)
	}
	return subs[0], nil
}

// GetTrialsEndingBetween queries trialing subscriptions due in (from, to]
func (d *DynamoStore) GetTrialsEndingBetween(ctx context.Context, from, to time.Time) ([]*Subscription, error) {
	subs, err := d.queryDue(ctx, StatusTrialing, "dueAt BETWEEN :lo AND :hi", map[string]dbtypes.AttributeValue{
		":lo": numAttr(from.Unix() + 1),
		":hi": numAttr(to.Unix()),
	})
	return subs, storeErr("get_trials_ending_between", err)
}

// GetExpiringTrials queries trialing subscriptions due at or before asOf
func (d *DynamoStore) GetExpiringTrials(ctx context.Context, asOf time.Time) ([]*Subscription, error) {
	subs, err := d.queryDue(ctx, StatusTrialing, "dueAt <= :asOf", map[string]dbtypes.AttributeValue{
		":asOf": numAttr(asOf.Unix()),
	})
	return subs, storeErr("get_expiring_trials", err)
}

// GetDueForRenewal queries active subscriptions due at or before asOf
func (d *DynamoStore) GetDueForRenewal(ctx context.Context, asOf time.Time) ([]*Subscription, error) {
	subs, err := d.queryDue(ctx, StatusActive, "dueAt <= :asOf", map[string]dbtypes.AttributeValue{
		":asOf": numAttr(asOf.Unix()),
	})
	return subs, storeErr("get_due_for_renewal", err)
}

// GetPastDueEligibleForRetry queries every past_due subscription
func (d *DynamoStore) GetPastDueEligibleForRetry(ctx context.Context) ([]*Subscription, error) {
	subs, err := d.queryDue(ctx, StatusPastDue, "", nil)
	return subs, storeErr("get_past_due_eligible_for_retry", err)
}

func (d *DynamoStore) queryDue(ctx context.Context, status Status, rangeCond string, rangeValues map[string]dbtypes.AttributeValue) ([]*Subscription, error) {
	keyCond := "#status = :status"
	if rangeCond != "" {
		keyCond += " AND " + rangeCond
	}
	values := map[string]dbtypes.AttributeValue{
		":status": &dbtypes.AttributeValueMemberS{Value: string(status)},
	}
	for k, v := range rangeValues {
		values[k] = v
	}

	subs, err := d.query(ctx, &dynamodb.QueryInput{
		IndexName:                 aws.String(StatusDueIndex),
		KeyConditionExpression:    aws.String(keyCond),
		ExpressionAttributeNames:  map[string]string{"#status": "status"},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return nil, err
	}
	sortByDue(subs)
	return subs, nil
}

// query runs input against the table, following pagination
func (d *DynamoStore) query(ctx context.Context, input *dynamodb.QueryInput) ([]*Subscription, error) {
	input.TableName = aws.String(d.table)

	var subs []*Subscription
	for {
		out, err := d.client.Query(ctx, input)
		if err != nil {
			return nil, err
		}
		for _, item := range out.Items {
			sub, err := unmarshalItem(item)
			if err != nil {
				return nil, err
			}
			subs = append(subs, sub)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return subs, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// UpdateStatus reads the item, applies fields and writes it back guarded by
// version = expectedVersion
func (d *DynamoStore) UpdateStatus(ctx context.Context, id string, expectedVersion int64, fields UpdateFields) (*Subscription, error) {
	current, err := d.get(ctx, id)
	if err != nil {
		return nil, storeErr("update_status", err)
	}
	if current.Version != expectedVersion {
		return nil, storeErr("update_status", ErrVersionConflict)
	}

	if err := fields.Apply(current, d.now()); err != nil {
		return nil, storeErr("update_status", err)
	}

	item, err := marshalItem(current)
	if err != nil {
		return nil, storeErr("update_status", err)
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.table),
		Item:                item,
		ConditionExpression: aws.String("version = :expected"),
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":expected": numAttr(expectedVersion),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return nil, storeErr("update_status", ErrVersionConflict)
		}
		return nil, storeErr("update_status", err)
	}
	return current, nil
}

// Ping reads a sentinel key to confirm the table is reachable
func (d *DynamoStore) Ping(ctx context.Context) error {
	_, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.table),
		Key:       itemKey(pingSubscription),
	})
	return storeErr("ping", err)
}

func isConditionFailed(err error) bool {
	var ccf *dbtypes.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func numAttr(n int64) dbtypes.AttributeValue {
	return &dbtypes.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

// dynamoItem is the stored shape of a subscription: the table keys and the
// status-due-index range key alongside the flattened record.
type dynamoItem struct {
	PK    string `dynamodbav:"pk"`
	SK    string `dynamodbav:"sk"`
	DueAt int64  `dynamodbav:"dueAt"`
	Subscription
}

func marshalItem(s *Subscription) (map[string]dbtypes.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(dynamoItem{
		PK:           itemPrefix + s.ID,
		SK:           metaSortKey,
		DueAt:        s.DueAt(),
		Subscription: *s,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal subscription %s: %w", s.ID, err)
	}
	return item, nil
}

func unmarshalItem(item map[string]dbtypes.AttributeValue) (*Subscription, error) {
	var stored dynamoItem
	if err := attributevalue.UnmarshalMap(item, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	if stored.ID == "" {
		return nil, fmt.Errorf("item is missing id")
	}
	return &stored.Subscription, nil
}
