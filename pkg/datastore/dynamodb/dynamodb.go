package dynamodb

import (
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	awsdynamodb "github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	log "github.com/sirupsen/logrus"

	"github.com/grid-x/txn-snapshot/pkg/datastore"
)

const (
	primaryKey = "snapper_config"
	rangeKey   = "created_at" // Unix nanoseconds, pairs of one config never collide
)

// DynamoDB represents a datastore that uses dynamodb under the hood
type DynamoDB struct {
	table  string
	client dynamodbiface.DynamoDBAPI

	logger log.FieldLogger
}

type item struct {
	Config      string            `dynamodbav:"snapper_config"`
	CreatedAt   int64             `dynamodbav:"created_at"`
	PreNumber   uint32            `dynamodbav:"pre_number"`
	PostNumber  uint32            `dynamodbav:"post_number"`
	Description string            `dynamodbav:"description"`
	Labels      map[string]string `dynamodbav:"labels,omitempty"`
}

// New creates a new DynamoDB-based datastore
func New(client dynamodbiface.DynamoDBAPI, table string) (*DynamoDB, error) {
	if table == "" {
		return nil, errors.New("dynamodb table name must not be empty")
	}
	return &DynamoDB{
		table:  table,
		client: client,
		logger: log.New().WithFields(log.Fields{
			"component": "datastore",
			"datastore": "dynamodb",
		}),
	}, nil
}

// WithLogger replaces the datastore's logger
func (d *DynamoDB) WithLogger(logger log.FieldLogger) *DynamoDB {
	d.logger = logger.WithFields(log.Fields{
		"component": "datastore",
		"datastore": "dynamodb",
	})
	return d
}

// StoreSnapshotPair stores the given snapshot pair in the datastore
func (d *DynamoDB) StoreSnapshotPair(pair *datastore.SnapshotPair) error {

	record := &item{
		Config:      string(pair.Config),
		CreatedAt:   pair.CreatedAt.UnixNano(),
		PreNumber:   uint32(pair.PreNumber),
		PostNumber:  uint32(pair.PostNumber),
		Description: pair.Description,
		Labels:      (map[string]string)(pair.Labels),
	}

	logger := d.logger.WithFields(log.Fields{
		"config":      string(pair.Config),
		"pre-number":  pair.PreNumber,
		"post-number": pair.PostNumber,
	})

	av, err := dynamodbattribute.MarshalMap(record)
	if err != nil {
		return err
	}

	logger.Debug("trying to put item into dynamodb table...")
	_, err = d.client.PutItem(&awsdynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("put item: %w", err)
	}
	logger.Debug("successfully added item to table")
	return nil
}

// GetLatestSnapshotPair returns the latest snapshot pair found in the datastore
func (d *DynamoDB) GetLatestSnapshotPair(config datastore.SnapshotConfig) (*datastore.SnapshotPair, error) {
	logger := d.logger.WithFields(log.Fields{
		"config": string(config),
	})
	logger.Debug("Trying to get latest snapshot pair...")
	out, err := d.client.Query(&awsdynamodb.QueryInput{
		TableName:              aws.String(d.table),
		KeyConditionExpression: aws.String(primaryKey + " = :snapper_config"),
		ExpressionAttributeValues: map[string]*awsdynamodb.AttributeValue{
			":snapper_config": {
				S: aws.String(string(config)),
			},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int64(1),
	})
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}

	var items []*item
	if err := dynamodbattribute.UnmarshalListOfMaps(out.Items, &items); err != nil {
		return nil, err
	}

	if len(items) <= 0 {
		return nil, datastore.ErrNotFound
	}

	logger.Debug("found latest snapshot pair...")

	last := items[0]
	return &datastore.SnapshotPair{
		Config:      datastore.SnapshotConfig(last.Config),
		PreNumber:   datastore.SnapshotNumber(last.PreNumber),
		PostNumber:  datastore.SnapshotNumber(last.PostNumber),
		Description: last.Description,
		CreatedAt:   time.Unix(0, last.CreatedAt),
		Labels:      datastore.SnapshotLabels(last.Labels),
	}, nil
}
