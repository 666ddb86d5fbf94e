package main

import (
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/credentials/stscreds"
	"github.com/aws/aws-sdk-go/aws/session"
	awsdynamodb "github.com/aws/aws-sdk-go/service/dynamodb"
	log "github.com/sirupsen/logrus"

	"github.com/grid-x/txn-snapshot/pkg/datastore"
	"github.com/grid-x/txn-snapshot/pkg/datastore/bolt"
	"github.com/grid-x/txn-snapshot/pkg/datastore/dynamodb"
)

type storeFlags struct {
	journal            string
	dynamodbTable      string
	dynamodbAssumeRole string
	region             string
	awsAccessKeyID     string
	awsSecretAccessKey string
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openDatastore returns the configured snapshot pair journal, or nil if
// journaling is switched off. DynamoDB takes precedence over the local file.
func openDatastore(logger log.FieldLogger, f storeFlags) (datastore.Datastore, io.Closer, error) {
	if f.dynamodbTable != "" {
		conf := aws.NewConfig().WithRegion(f.region)
		if f.awsAccessKeyID != "" {
			conf = conf.WithCredentials(credentials.NewStaticCredentials(f.awsAccessKeyID, f.awsSecretAccessKey, ""))
		}
		sess, err := session.NewSession(conf)
		if err != nil {
			return nil, nil, err
		}

		ddbConf := &aws.Config{}
		if f.dynamodbAssumeRole != "" {
			ddbConf.Credentials = stscreds.NewCredentials(sess, f.dynamodbAssumeRole)
		}
		ds, err := dynamodb.New(awsdynamodb.New(sess, ddbConf), f.dynamodbTable)
		if err != nil {
			return nil, nil, err
		}
		return ds.WithLogger(logger), nopCloser{}, nil
	}

	if f.journal != "" {
		ds, err := bolt.Open(f.journal)
		if err != nil {
			return nil, nil, err
		}
		return ds.WithLogger(logger), ds, nil
	}

	return nil, nopCloser{}, nil
}
