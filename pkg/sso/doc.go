// Package sso signs users in through an OpenID Connect identity provider.
//
// The browser flow is GET /auth/login, which redirects to the provider with a
// signed state cookie, then GET /auth/callback, which verifies the state,
// exchanges the code, provisions the user and returns a session token:
//
//	provider, err := sso.NewOIDCProvider(ctx, cfg.OIDC)
//	provisioner := sso.NewProvisioner(db, auth.NewUserStore(db), logger)
//	sso.NewHandlers(sso.HandlersConfig{
//		Provider:    provider,
//		Provisioner: provisioner,
//		Sessions:    sessions,
//		StateSecret: []byte(cfg.Auth.SessionSecret),
//	}).RegisterRoutes(router)
//
// Users are created on first login. A first login whose verified email matches
// an existing account is linked to it instead. Identities are keyed by issuer
// and subject in sso_user_mappings.
//
// Authenticator lets API clients present a provider ID token as a bearer
// credential instead of a session token.
package sso
