package ratestore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/codes"
)

// dynamodb caps BatchWriteItem at 25 items per request
const dynamoBatchSize = 25

// DynamoAPI is the slice of the DynamoDB client the store needs, kept
// narrow so tests can fake it.
type DynamoAPI interface {
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoStore writes rate points to a DynamoDB table keyed by
// (metricId, timestamp). Values land as N attributes, which are decimal
// strings on the wire, so no precision is lost to binary floats.
type DynamoStore struct {
	client DynamoAPI
	table  string
}

func NewDynamoStore(client DynamoAPI, table string) *DynamoStore {
	return &DynamoStore{client: client, table: table}
}

func OpenDynamoStore(ctx context.Context, region, table string) (*DynamoStore, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewDynamoStore(dynamodb.NewFromConfig(cfg), table), nil
}

type dynamoKey struct {
	MetricID  string `dynamodbav:"metricId"`
	Timestamp int64  `dynamodbav:"timestamp"`
}

func dynamoItem(p RatePoint) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(dynamoKey{
		MetricID:  p.MetricID,
		Timestamp: p.TimestampMS,
	})
	if err != nil {
		return nil, err
	}
	// set by hand: routing the decimal through the marshaler would
	// turn it into a float and lose the exact digits
	item["value"] = &types.AttributeValueMemberN{Value: p.ValueString()}
	return item, nil
}

func pointFromItem(item map[string]types.AttributeValue) (RatePoint, error) {
	var key dynamoKey
	err := attributevalue.UnmarshalMap(item, &key)
	if err != nil {
		return RatePoint{}, err
	}

	attr, ok := item["value"].(*types.AttributeValueMemberN)
	if !ok {
		return RatePoint{}, fmt.Errorf("item %s/%d has no numeric value", key.MetricID, key.Timestamp)
	}
	value, err := decimal.NewFromString(attr.Value)
	if err != nil {
		return RatePoint{}, fmt.Errorf("parse stored value %q: %w", attr.Value, err)
	}

	return RatePoint{
		MetricID:    key.MetricID,
		TimestampMS: key.Timestamp,
		Value:       value,
	}, nil
}

func (s *DynamoStore) Put(ctx context.Context, points []RatePoint) (int, error) {
	ctx, span := tracer.Start(ctx, "DynamoStore.Put")
	defer span.End()

	written := 0
	for start := 0; start < len(points); start += dynamoBatchSize {
		end := min(start+dynamoBatchSize, len(points))
		chunk := points[start:end]

		requests := make([]types.WriteRequest, 0, len(chunk))
		for _, p := range chunk {
			item, err := dynamoItem(p)
			if err != nil {
				slog.WarnContext(
					ctx, "skipping unmarshalable rate point",
					"metric", p.MetricID, "timestamp", p.TimestampMS, "err", err,
				)
				continue
			}
			requests = append(requests, types.WriteRequest{
				PutRequest: &types.PutRequest{Item: item},
			})
		}
		if len(requests) == 0 {
			continue
		}

		unprocessed, err := s.writeBatch(ctx, requests)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "batch write failed")
			return written, fmt.Errorf("batch write: %w", err)
		}
		if len(unprocessed) > 0 {
			// one resubmission for throttled leftovers, anything
			// still unprocessed counts as not written
			unprocessed, err = s.writeBatch(ctx, unprocessed)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "batch resubmit failed")
				return written, fmt.Errorf("batch resubmit: %w", err)
			}
			if len(unprocessed) > 0 {
				slog.WarnContext(
					ctx, "dynamodb left writes unprocessed",
					"count", len(unprocessed),
				)
			}
		}
		written += len(requests) - len(unprocessed)
	}

	return written, nil
}

func (s *DynamoStore) writeBatch(ctx context.Context, requests []types.WriteRequest) ([]types.WriteRequest, error) {
	out, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
		RequestItems: map[string][]types.WriteRequest{
			s.table: requests,
		},
	})
	if err != nil {
		return nil, err
	}
	return out.UnprocessedItems[s.table], nil
}

func (s *DynamoStore) Get(ctx context.Context, metricID string) ([]RatePoint, error) {
	ctx, span := tracer.Start(ctx, "DynamoStore.Get")
	defer span.End()

	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("metricId = :metric"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":metric": &types.AttributeValueMemberS{Value: metricID},
		},
		ScanIndexForward: aws.Bool(true),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		return nil, fmt.Errorf("query %s: %w", metricID, err)
	}

	points := make([]RatePoint, 0, len(out.Items))
	for _, item := range out.Items {
		p, err := pointFromItem(item)
		if err != nil {
			slog.WarnContext(ctx, "skipping malformed stored item", "err", err)
			continue
		}
		points = append(points, p)
	}
	return points, nil
}
