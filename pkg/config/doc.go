// Package config loads keygate's process configuration from environment
// variables, with defaults for every setting.
//
// The identity provider client itself (realm, auth-server-url, resource,
// credentials) is not read from the environment. It lives in the file named
// by KEYGATE_CLIENT_CONFIG and is loaded with sso.LoadRawConfig.
//
// # Variables
//
// Server:
//
//	KEYGATE_HOST="0.0.0.0"
//	KEYGATE_PORT="8080"
//	KEYGATE_READ_TIMEOUT="15s"
//	KEYGATE_SHUTDOWN_TIMEOUT="30s"
//	KEYGATE_TRUST_PROXY="false"  # honor X-Forwarded-Proto/Host
//
// Gate:
//
//	KEYGATE_CLIENT_CONFIG="keycloak.json"
//	KEYGATE_WATCH_CLIENT_CONFIG="true"
//	KEYGATE_LOGOUT_PATH="/logout"
//	KEYGATE_REDIRECT_PATH="/"
//	KEYGATE_IDP_TIMEOUT="30s"
//
// Sessions and rate limiting:
//
//	KEYGATE_SESSION_SECRET="..."
//	KEYGATE_SESSION_BACKEND="memory"  # memory, redis
//	KEYGATE_REDIS_URL="redis://localhost:6379/0"
//	KEYGATE_SESSION_TTL="24h"
//	KEYGATE_RATE_LIMIT_BACKEND="memory"
//	KEYGATE_RATE_LIMIT_REQUESTS="30"
//	KEYGATE_MAINTENANCE_SCHEDULE="@every 1m"
//
// Observability:
//
//	KEYGATE_LOG_LEVEL="info"  # debug, info, warn, error
//	KEYGATE_METRICS_ENABLED="true"
//	KEYGATE_OTEL_ENABLED="false"
//	KEYGATE_OTEL_ENDPOINT="otel-collector:4317"
//	KEYGATE_OTEL_SAMPLE_RATIO="1"
//
// # Usage
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
package config
