// Package cli implements the netforge admin command line.
//
// # Commands
//
// ipam: offline subnet calculator, no server required
//
//	netforge ipam calc 10.20.0.0/22
//	netforge ipam split 10.20.0.0/22 24
//	netforge ipam vlsm 10.20.0.0/22 servers=120 users=400 p2p=2
//	netforge ipam summarize 10.20.0.0/24 10.20.1.0/24 -o json
//
// migrate: apply PostgreSQL migrations
//
//	netforge migrate --db-url postgres://netforge@localhost/netforge
//
// plans sync: pull Stripe prices into the plan catalog
//
//	NETFORGE_STRIPE_SECRET_KEY=sk_live_... netforge plans sync
//
// equipment import: upload a YAML catalog through the API
//
//	netforge equipment import acme catalog.yaml --token nf_...
//
// # Environment
//
// NETFORGE_API_URL, NETFORGE_TOKEN, NETFORGE_POSTGRES_URL and
// NETFORGE_STRIPE_SECRET_KEY supply flag defaults. cmd/netforge-cli loads a
// .env file from the working directory before building the command tree.
package cli
