package registry

import (
	"github.com/coachpo/brokerlink/internal/config"
	"github.com/coachpo/brokerlink/internal/dispatcher"
	"github.com/coachpo/brokerlink/internal/domain"
	"github.com/coachpo/brokerlink/internal/pool"
	"github.com/coachpo/brokerlink/internal/ratelimit"
	"github.com/coachpo/brokerlink/internal/stream"
)

// ConfigFrom maps the application configuration onto component settings.
func ConfigFrom(app config.AppConfig) Config {
	limits := ratelimit.Config{
		Global: rule(app.Limits.Global),
		Tiers: map[domain.Tier]ratelimit.Rule{
			domain.TierFree:    rule(app.Limits.Free),
			domain.TierPremium: rule(app.Limits.Premium),
		},
		Endpoints: make(map[domain.EndpointClass]ratelimit.Rule, len(app.Limits.Endpoints)),
	}
	for class, r := range app.Limits.Endpoints {
		limits.Endpoints[domain.EndpointClass(class)] = rule(r)
	}

	return Config{
		Limits: limits,
		Pool: pool.Config{
			Options: pool.Options{
				AcquireTimeout:   app.Pool.AcquireTimeout,
				MaxWaiters:       app.Pool.MaxWaiters,
				IdleTimeout:      app.Pool.IdleTimeout,
				ThrottleCooldown: app.Stream.ThrottleDelay,
			},
			SweepInterval: app.Pool.SweepInterval,
		},
		Stream: stream.Config{
			AuthTimeout:       app.Stream.AuthTimeout,
			HeartbeatInterval: app.Stream.HeartbeatInterval,
			HeartbeatTimeout:  app.Stream.HeartbeatTimeout,
			BackoffBase:       app.Stream.BackoffBase,
			BackoffMax:        app.Stream.BackoffMax,
			Jitter:            app.Stream.Jitter,
			ThrottleDelay:     app.Stream.ThrottleDelay,
			StableAfter:       app.Stream.StableAfter,
			RefreshInterval:   app.Stream.RefreshInterval,
		},
		Dispatcher: dispatcher.Config{
			Workers:     app.Dispatcher.Workers,
			QueueSize:   app.Dispatcher.QueueSize,
			CallTimeout: app.Dispatcher.CallTimeout,
			BatchWidth:  app.Dispatcher.BatchWidth,
		},
		LimiterIdleTTL: app.Limits.IdleTTL,
	}
}

// Accounts converts configured accounts into domain accounts.
func Accounts(app config.AppConfig) []domain.Account {
	out := make([]domain.Account, 0, len(app.Accounts))
	for _, acct := range app.Accounts {
		out = append(out, domain.Account{
			ID:              acct.ID,
			CredentialRef:   acct.CredentialRef,
			ConnectionLimit: acct.ConnectionLimit,
			Tier:            domain.Tier(acct.Tier),
			Mode:            domain.Mode(acct.Mode),
		}.Normalize())
	}
	return out
}

func rule(r config.LimitRule) ratelimit.Rule {
	return ratelimit.Rule{Capacity: r.Capacity, Window: r.Window}
}
