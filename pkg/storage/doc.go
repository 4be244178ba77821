// Package storage builds the clients shared by the persistence backends:
// a verified go-redis client for the attempt ledger and run lock, and AWS SDK
// clients for DynamoDB subscriptions and S3 run reports.
package storage
