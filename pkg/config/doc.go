// Package config loads BookFlow configuration from an optional YAML file and
// BOOKFLOW_* environment variables, then validates it.
//
// Environment variables always win over the file:
//
//	BOOKFLOW_CONFIG_FILE="/etc/bookflow/billing.yaml"
//	BOOKFLOW_STORE_TYPE="dynamodb"            # dynamodb, postgres, memory
//	BOOKFLOW_DYNAMODB_TABLE="bookflow-subscriptions"
//	BOOKFLOW_REDIS_URL="redis://localhost:6379/0"
//	BOOKFLOW_GATEWAY_ENVIRONMENT="integration" # integration, production
//	BOOKFLOW_BILLING_MAX_RETRY_ATTEMPTS="3"    # required, no default
//	BOOKFLOW_SCHEDULE="cron(0 9 * * ? *)"
//	BOOKFLOW_LOG_LEVEL="info"
//
// Usage:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
package config
