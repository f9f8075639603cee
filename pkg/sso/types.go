package sso

import (
	"errors"
	"strings"
)

var (
	ErrNotConfigured    = errors.New("oidc is not configured")
	ErrMissingCode      = errors.New("missing authorization code")
	ErrMissingIDToken   = errors.New("missing id_token in token response")
	ErrMissingEmail     = errors.New("identity provider did not return an email")
	ErrEmailNotVerified = errors.New("email address is not verified by the identity provider")
	ErrInvalidState     = errors.New("login state is missing or does not match")
	ErrUserDisabled     = errors.New("user account is disabled")
)

// SSOUser is the identity asserted by the provider's ID token
type SSOUser struct {
	Issuer        string   `json:"issuer"`
	Subject       string   `json:"subject"`
	Email         string   `json:"email"`
	EmailVerified bool     `json:"email_verified"`
	Name          string   `json:"name,omitempty"`
	Picture       string   `json:"picture,omitempty"`
	Groups        []string `json:"groups,omitempty"`
}

// idClaims are the standard claims read from an ID token
type idClaims struct {
	Email         string      `json:"email"`
	EmailVerified interface{} `json:"email_verified"`
	Name          string      `json:"name"`
	GivenName     string      `json:"given_name"`
	FamilyName    string      `json:"family_name"`
	Preferred     string      `json:"preferred_username"`
	Picture       string      `json:"picture"`
	Groups        []string    `json:"groups"`
}

// verified accepts both the boolean and the string form some providers send
func (c idClaims) verified() bool {
	switch v := c.EmailVerified.(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	}
	return false
}

func (c idClaims) displayName() string {
	if c.Name != "" {
		return c.Name
	}
	if full := strings.TrimSpace(c.GivenName + " " + c.FamilyName); full != "" {
		return full
	}
	return c.Preferred
}
