// Package config loads NetForge configuration from environment variables.
//
// Every setting has a default except the Postgres URL and the JWT secret.
// Commands call godotenv before LoadConfig so a local .env file works in
// development.
//
// Server settings:
//
//	NETFORGE_HOST="0.0.0.0"
//	NETFORGE_PORT="8080"
//	NETFORGE_HEALTH_PORT="9090"
//	NETFORGE_CORS_ORIGINS="https://app.netforge.io"
//
// Data stores:
//
//	NETFORGE_POSTGRES_URL="postgres://localhost/netforge?sslmode=disable"
//	NETFORGE_MONGO_URI="mongodb://localhost:27017"
//	NETFORGE_MONGO_DATABASE="netforge"
//	NETFORGE_REDIS_URL="redis://localhost:6379/0"
//
// Uploads and rendered reports:
//
//	NETFORGE_STORAGE_BACKEND="s3"  # s3 or filesystem
//	NETFORGE_S3_BUCKET="netforge-artifacts"
//	NETFORGE_S3_ENDPOINT="http://minio:9000"
//	NETFORGE_S3_USE_PATH_STYLE="true"
//
// Identity and billing:
//
//	NETFORGE_JWT_SECRET="..."            # at least 32 bytes
//	NETFORGE_OIDC_ENABLED="true"
//	NETFORGE_OIDC_ISSUER="https://login.example.com"
//	NETFORGE_STRIPE_SECRET_KEY="sk_live_..."
//	NETFORGE_BILLING_SYNC_SCHEDULE="@every 6h"
package config
