package subscriptions

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockDynamoDBClient struct {
	putItemFunc func(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	getItemFunc func(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	queryFunc   func(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

func (m *mockDynamoDBClient) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if m.putItemFunc != nil {
		return m.putItemFunc(ctx, params, optFns...)
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockDynamoDBClient) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if m.getItemFunc != nil {
		return m.getItemFunc(ctx, params, optFns...)
	}
	return &dynamodb.GetItemOutput{}, nil
}

func (m *mockDynamoDBClient) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, params, optFns...)
	}
	return &dynamodb.QueryOutput{}, nil
}

// tableClient is a tiny in-memory table honouring the conditional writes the
// store issues
type tableClient struct {
	mockDynamoDBClient
	mu    sync.Mutex
	items map[string]map[string]dbtypes.AttributeValue
}

func newTableClient() *tableClient {
	tc := &tableClient{items: make(map[string]map[string]dbtypes.AttributeValue)}
	tc.putItemFunc = tc.put
	tc.getItemFunc = tc.get
	return tc
}

func (tc *tableClient) put(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	pk := in.Item["pk"].(*dbtypes.AttributeValueMemberS).Value
	existing, exists := tc.items[pk]
	if in.ConditionExpression != nil {
		switch *in.ConditionExpression {
		case "attribute_not_exists(pk)":
			if exists {
				return nil, &dbtypes.ConditionalCheckFailedException{}
			}
		case "version = :expected":
			want := in.ExpressionAttributeValues[":expected"].(*dbtypes.AttributeValueMemberN).Value
			if !exists || existing["version"].(*dbtypes.AttributeValueMemberN).Value != want {
				return nil, &dbtypes.ConditionalCheckFailedException{}
			}
		}
	}
	tc.items[pk] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (tc *tableClient) get(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	pk := in.Key["pk"].(*dbtypes.AttributeValueMemberS).Value
	return &dynamodb.GetItemOutput{Item: tc.items[pk]}, nil
}

func mustItem(t *testing.T, s *Subscription) map[string]dbtypes.AttributeValue {
	t.Helper()
	item, err := marshalItem(s)
	require.NoError(t, err)
	return item
}

func newTestDynamoStore(client DynamoDBClient) *DynamoStore {
	store := NewDynamoStore(client, "bookflow-subscriptions")
	store.now = func() time.Time { return testNow }
	return store
}

func TestDynamoStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	client := newTableClient()
	store := newTestDynamoStore(client)

	sub := newTestSubscription("sub-1", StatusTrialing)
	require.NoError(t, store.Create(ctx, sub))
	assert.Equal(t, int64(1), sub.Version)

	item := client.items["SUB#sub-1"]
	require.NotNil(t, item)
	assert.Equal(t, "META", item["sk"].(*dbtypes.AttributeValueMemberS).Value)
	assert.Equal(t, strconv.FormatInt(*sub.TrialEnd, 10), item["dueAt"].(*dbtypes.AttributeValueMemberN).Value)
	_, hasRef := item["gatewayRef"]
	assert.False(t, hasRef, "empty gateway ref must be omitted")

	got, err := store.Get(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, sub.TrialEnd, got.TrialEnd)
	assert.Equal(t, sub.CardToken, got.CardToken)
	assert.Equal(t, IntervalMonth, got.Interval)
	assert.Nil(t, got.CanceledAt)

	t.Run("duplicate", func(t *testing.T) {
		err := store.Create(ctx, newTestSubscription("sub-1", StatusActive))
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := store.Get(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestDynamoStore_ItemAttributes(t *testing.T) {
	sub := newTestSubscription("sub-1", StatusPastDue)
	sub.GatewayRef = "bf-deadbeef-1773133200"
	sub.PendingOrderID = "bf-deadbeef-1773219600"
	sub.FailedAttempts = 2
	sub.LastAttemptAt = Ptr(testNow.Unix())
	sub.TrialStart, sub.TrialEnd = nil, nil

	item := mustItem(t, sub)
	assert.Equal(t, "SUB#sub-1", item["pk"].(*dbtypes.AttributeValueMemberS).Value)
	assert.Equal(t, strconv.FormatInt(sub.CurrentPeriodEnd, 10), item["dueAt"].(*dbtypes.AttributeValueMemberN).Value)
	assert.Equal(t, "2", item["failedAttempts"].(*dbtypes.AttributeValueMemberN).Value)
	assert.Equal(t, "bf-deadbeef-1773219600", item["pendingOrderId"].(*dbtypes.AttributeValueMemberS).Value)
	assert.IsType(t, &dbtypes.AttributeValueMemberBOOL{}, item["cancel_at_period_end"])
	for _, absent := range []string{"trial_start", "trial_end", "canceled_at", "trialNoticeSentOn"} {
		_, ok := item[absent]
		assert.False(t, ok, "%s should be omitted", absent)
	}

	got, err := unmarshalItem(item)
	require.NoError(t, err)
	assert.Equal(t, sub, got)

	t.Run("missing id", func(t *testing.T) {
		_, err := unmarshalItem(map[string]dbtypes.AttributeValue{
			"status": &dbtypes.AttributeValueMemberS{Value: "active"},
		})
		assert.Error(t, err)
	})
}

func TestDynamoStore_UpdateStatus(t *testing.T) {
	ctx := context.Background()
	client := newTableClient()
	store := newTestDynamoStore(client)
	require.NoError(t, store.Create(ctx, newTestSubscription("sub-1", StatusActive)))

	updated, err := store.UpdateStatus(ctx, "sub-1", 1, UpdateFields{
		Status:         Ptr(StatusPastDue),
		FailedAttempts: Ptr(1),
		GatewayRef:     Ptr("bf-deadbeef-1773133200"),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, "past_due", client.items["SUB#sub-1"]["status"].(*dbtypes.AttributeValueMemberS).Value)

	t.Run("stale read version", func(t *testing.T) {
		_, err := store.UpdateStatus(ctx, "sub-1", 1, UpdateFields{Status: Ptr(StatusActive)})
		assert.ErrorIs(t, err, ErrVersionConflict)
	})

	t.Run("lost race on conditional write", func(t *testing.T) {
		racing := &mockDynamoDBClient{
			getItemFunc: client.get,
			putItemFunc: func(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
				return nil, &dbtypes.ConditionalCheckFailedException{}
			},
		}
		_, err := newTestDynamoStore(racing).UpdateStatus(ctx, "sub-1", 2, UpdateFields{Status: Ptr(StatusActive)})
		assert.ErrorIs(t, err, ErrVersionConflict)
	})

	t.Run("invalid transition is not written", func(t *testing.T) {
		_, err := store.UpdateStatus(ctx, "sub-1", 2, UpdateFields{Status: Ptr(StatusTrialing)})
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.Equal(t, "2", client.items["SUB#sub-1"]["version"].(*dbtypes.AttributeValueMemberN).Value)
	})
}

func TestDynamoStore_QueriesUseStatusIndex(t *testing.T) {
	ctx := context.Background()
	due := newTestSubscription("due", StatusActive)
	later := newTestSubscription("later", StatusActive)
	later.CurrentPeriodEnd = testNow.Add(time.Hour).Unix()

	var inputs []*dynamodb.QueryInput
	pages := [][]map[string]dbtypes.AttributeValue{
		{mustItem(t, later)},
		{mustItem(t, due)},
	}
	client := &mockDynamoDBClient{
		queryFunc: func(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
			copied := *in
			inputs = append(inputs, &copied)
			page := len(inputs) - 1
			out := &dynamodb.QueryOutput{Items: pages[page]}
			if page == 0 {
				out.LastEvaluatedKey = itemKey("later")
			}
			return out, nil
		},
	}
	store := newTestDynamoStore(client)

	subs, err := store.GetDueForRenewal(ctx, testNow)
	require.NoError(t, err)
	assert.Equal(t, []string{"due", "later"}, ids(subs), "results are ordered by due time across pages")

	require.Len(t, inputs, 2)
	assert.Equal(t, StatusDueIndex, *inputs[0].IndexName)
	assert.Equal(t, "#status = :status AND dueAt <= :asOf", *inputs[0].KeyConditionExpression)
	assert.Equal(t, "active", inputs[0].ExpressionAttributeValues[":status"].(*dbtypes.AttributeValueMemberS).Value)
	assert.Equal(t, strconv.FormatInt(testNow.Unix(), 10), inputs[0].ExpressionAttributeValues[":asOf"].(*dbtypes.AttributeValueMemberN).Value)
	assert.Nil(t, inputs[0].ExclusiveStartKey)
	assert.NotNil(t, inputs[1].ExclusiveStartKey)
}

func TestDynamoStore_QueryExpressions(t *testing.T) {
	ctx := context.Background()
	var last *dynamodb.QueryInput
	client := &mockDynamoDBClient{
		queryFunc: func(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
			last = in
			return &dynamodb.QueryOutput{}, nil
		},
	}
	store := newTestDynamoStore(client)

	_, err := store.GetTrialsEndingBetween(ctx, testNow, testNow.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "#status = :status AND dueAt BETWEEN :lo AND :hi", *last.KeyConditionExpression)
	assert.Equal(t, strconv.FormatInt(testNow.Unix()+1, 10), last.ExpressionAttributeValues[":lo"].(*dbtypes.AttributeValueMemberN).Value)

	_, err = store.GetPastDueEligibleForRetry(ctx)
	require.NoError(t, err)
	assert.Equal(t, "#status = :status", *last.KeyConditionExpression)
	assert.Nil(t, last.FilterExpression, "exhausted rows must reach the orchestrator")
	assert.Equal(t, "past_due", last.ExpressionAttributeValues[":status"].(*dbtypes.AttributeValueMemberS).Value)

	_, err = store.GetByOrganization(ctx, "org-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, OrgIndex, *last.IndexName)

	_, err = store.GetByGatewayRef(ctx, "bf-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, GatewayRefIndex, *last.IndexName)
}

func TestDynamoStore_Errors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("throttled")
	client := &mockDynamoDBClient{
		getItemFunc: func(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			return nil, boom
		},
		queryFunc: func(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
			return nil, boom
		},
	}
	store := newTestDynamoStore(client)

	err := store.Ping(ctx)
	assert.ErrorIs(t, err, boom)

	_, err = store.GetExpiringTrials(ctx, testNow)
	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "get_expiring_trials", storeErr.Op)

	t.Run("malformed item", func(t *testing.T) {
		_, err := unmarshalItem(map[string]dbtypes.AttributeValue{
			"id":     &dbtypes.AttributeValueMemberS{Value: "sub-1"},
			"amount": &dbtypes.AttributeValueMemberS{Value: "lots"},
		})
		assert.Error(t, err)
	})
}
