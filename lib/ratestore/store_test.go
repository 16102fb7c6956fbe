package ratestore

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"mmois-backend/lib/telemetry"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func TestRatePointValueString(t *testing.T) {
	cases := []struct {
		literal string
		expect  string
	}{
		// trailing zeros render as published, Decimal.String alone
		// would trim "4.3300" down to "4.33"
		{literal: "4.3300", expect: "4.3300"},
		{literal: "4.5", expect: "4.5"},
		{literal: "0.10", expect: "0.10"},
		{literal: "2", expect: "2"},
		{literal: "-1.250", expect: "-1.250"},
	}

	for _, test := range cases {
		t.Run(test.literal, func(t *testing.T) {
			p := RatePoint{Value: mustDecimal(t, test.literal)}
			require.Equal(t, test.expect, p.ValueString())
		})
	}
}

func TestSQLiteStore(t *testing.T) {
	cleanup := telemetry.SetupForTesting("test:ratestore")
	defer cleanup()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	store, err := NewSQLiteStore(db)
	require.NoError(t, err)
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	points := []RatePoint{
		{MetricID: "MacroMicro_OIS_1M_Rate", TimestampMS: 1704067200000, Value: mustDecimal(t, "4.3300")},
		{MetricID: "MacroMicro_OIS_1M_Rate", TimestampMS: 1704153600000, Value: mustDecimal(t, "4.35")},
		{MetricID: "MacroMicro_OIS_3M_Rate", TimestampMS: 1704067200000, Value: mustDecimal(t, "4.21")},
	}

	written, err := store.Put(ctx, points)
	require.NoError(t, err)
	require.Equal(t, 3, written)

	// writing the same points again leaves the store unchanged
	written, err = store.Put(ctx, points)
	require.NoError(t, err)
	require.Equal(t, 3, written)

	oneMonth, err := store.Get(ctx, "MacroMicro_OIS_1M_Rate")
	require.NoError(t, err)
	require.Len(t, oneMonth, 2)
	require.Equal(t, int64(1704067200000), oneMonth[0].TimestampMS)
	require.Equal(t, int64(1704153600000), oneMonth[1].TimestampMS)

	// trailing zeros from the source survive the round trip
	require.Equal(t, "4.3300", oneMonth[0].ValueString())

	// an upsert on the same key replaces the value
	_, err = store.Put(ctx, []RatePoint{
		{MetricID: "MacroMicro_OIS_1M_Rate", TimestampMS: 1704067200000, Value: mustDecimal(t, "4.40")},
	})
	require.NoError(t, err)
	oneMonth, err = store.Get(ctx, "MacroMicro_OIS_1M_Rate")
	require.NoError(t, err)
	require.Len(t, oneMonth, 2)
	require.Equal(t, "4.40", oneMonth[0].ValueString())

	empty, err := store.Get(ctx, "unknown-metric")
	require.NoError(t, err)
	require.Len(t, empty, 0)
}

// fakeDynamo implements DynamoAPI over a map, optionally refusing to
// process the first n write requests it sees to exercise the
// resubmission path.
type fakeDynamo struct {
	table      string
	items      map[string]map[string]types.AttributeValue
	calls      int
	refuseNext int
}

func newFakeDynamo(table string) *fakeDynamo {
	return &fakeDynamo{
		table: table,
		items: map[string]map[string]types.AttributeValue{},
	}
}

func itemKey(item map[string]types.AttributeValue) string {
	metric := item["metricId"].(*types.AttributeValueMemberS).Value
	ts := item["timestamp"].(*types.AttributeValueMemberN).Value
	return metric + "|" + ts
}

func (f *fakeDynamo) BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.calls++

	requests, ok := params.RequestItems[f.table]
	if !ok {
		return nil, fmt.Errorf("unknown table in request")
	}
	if len(requests) > 25 {
		return nil, fmt.Errorf("batch of %d exceeds the 25 item limit", len(requests))
	}

	var unprocessed []types.WriteRequest
	for i, req := range requests {
		if i < f.refuseNext {
			unprocessed = append(unprocessed, req)
			continue
		}
		item := req.PutRequest.Item
		f.items[itemKey(item)] = item
	}
	// refusal only applies to the first call, mimicking transient
	// throttling
	f.refuseNext = 0

	out := &dynamodb.BatchWriteItemOutput{}
	if len(unprocessed) > 0 {
		out.UnprocessedItems = map[string][]types.WriteRequest{f.table: unprocessed}
	}
	return out, nil
}

func (f *fakeDynamo) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	metric := params.ExpressionAttributeValues[":metric"].(*types.AttributeValueMemberS).Value

	out := &dynamodb.QueryOutput{}
	for _, item := range f.items {
		if item["metricId"].(*types.AttributeValueMemberS).Value == metric {
			out.Items = append(out.Items, item)
		}
	}
	return out, nil
}

func TestDynamoStorePut(t *testing.T) {
	cleanup := telemetry.SetupForTesting("test:ratestore")
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	fake := newFakeDynamo("MM_OIS")
	store := NewDynamoStore(fake, "MM_OIS")

	var points []RatePoint
	for i := 0; i < 30; i++ {
		points = append(points, RatePoint{
			MetricID:    "MacroMicro_OIS_10Y_Rate",
			TimestampMS: 1704067200000 + int64(i)*86400000,
			Value:       mustDecimal(t, "3.1"),
		})
	}

	written, err := store.Put(ctx, points)
	require.NoError(t, err)
	require.Equal(t, 30, written)
	// 30 points must split into a 25 item batch and a 5 item batch
	require.Equal(t, 2, fake.calls)
	require.Len(t, fake.items, 30)

	// idempotence: the same batch again rewrites the same keys
	written, err = store.Put(ctx, points)
	require.NoError(t, err)
	require.Equal(t, 30, written)
	require.Len(t, fake.items, 30)
}

func TestDynamoStoreResubmitsUnprocessed(t *testing.T) {
	cleanup := telemetry.SetupForTesting("test:ratestore")
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	fake := newFakeDynamo("MM_OIS")
	fake.refuseNext = 3
	store := NewDynamoStore(fake, "MM_OIS")

	var points []RatePoint
	for i := 0; i < 10; i++ {
		points = append(points, RatePoint{
			MetricID:    "MacroMicro_OIS_2Y_Rate",
			TimestampMS: 1704067200000 + int64(i)*86400000,
			Value:       mustDecimal(t, "4.02"),
		})
	}

	written, err := store.Put(ctx, points)
	require.NoError(t, err)
	require.Equal(t, 10, written)
	require.Equal(t, 2, fake.calls)
	require.Len(t, fake.items, 10)
}

func TestDynamoStoreRoundTrip(t *testing.T) {
	cleanup := telemetry.SetupForTesting("test:ratestore")
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	fake := newFakeDynamo("MM_OIS")
	store := NewDynamoStore(fake, "MM_OIS")

	_, err := store.Put(ctx, []RatePoint{
		{MetricID: "MacroMicro_OIS_6M_Rate", TimestampMS: 1705276800000, Value: mustDecimal(t, "4.3300")},
	})
	require.NoError(t, err)

	// the wire representation is the exact decimal string
	item := fake.items["MacroMicro_OIS_6M_Rate|1705276800000"]
	require.NotNil(t, item)
	require.Equal(t, "4.3300", item["value"].(*types.AttributeValueMemberN).Value)

	points, err := store.Get(ctx, "MacroMicro_OIS_6M_Rate")
	require.NoError(t, err)
	require.Len(t, points, 1)
	require.Equal(t, int64(1705276800000), points[0].TimestampMS)
	require.Equal(t, "4.3300", points[0].ValueString())
}
