// Package domain defines the account, order and stream event types shared by the proxy core.
package domain

import (
	"fmt"
	"strings"
)

// Tier selects the per-account rate limit table.
type Tier string

const (
	// TierFree applies the default account limits.
	TierFree Tier = "free"
	// TierPremium applies the raised account limits.
	TierPremium Tier = "premium"
)

// Mode selects the upstream environment an account trades against.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// DefaultConnectionLimit bounds the upstream connections per account when none is configured.
const DefaultConnectionLimit = 5

// EndpointClass groups upstream endpoints that share a rate limit.
type EndpointClass string

const (
	EndpointTrading EndpointClass = "trading"
	EndpointQuotes  EndpointClass = "quotes"
	EndpointAccount EndpointClass = "account"
)

// Account is a tenant whose upstream connectivity the proxy manages.
type Account struct {
	ID              string
	CredentialRef   string
	ConnectionLimit int
	Tier            Tier
	Mode            Mode
}

// Normalize fills defaults and canonicalises enum casing.
func (a Account) Normalize() Account {
	a.ID = strings.TrimSpace(a.ID)
	a.CredentialRef = strings.TrimSpace(a.CredentialRef)
	if a.CredentialRef == "" {
		a.CredentialRef = a.ID
	}
	if a.ConnectionLimit <= 0 {
		a.ConnectionLimit = DefaultConnectionLimit
	}
	a.Tier = Tier(strings.ToLower(strings.TrimSpace(string(a.Tier))))
	if a.Tier == "" {
		a.Tier = TierFree
	}
	a.Mode = Mode(strings.ToLower(strings.TrimSpace(string(a.Mode))))
	if a.Mode == "" {
		a.Mode = ModePaper
	}
	return a
}

// Validate reports configuration mistakes on a normalized account.
func (a Account) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("account id required")
	}
	switch a.Tier {
	case TierFree, TierPremium:
	default:
		return fmt.Errorf("account %s: unsupported tier %q", a.ID, a.Tier)
	}
	switch a.Mode {
	case ModePaper, ModeLive:
	default:
		return fmt.Errorf("account %s: unsupported mode %q", a.ID, a.Mode)
	}
	return nil
}
