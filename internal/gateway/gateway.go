// Package gateway builds the provider clients enabled by configuration.
package gateway

import (
	"github.com/onnwee/slotpay/internal/config"
	"github.com/onnwee/slotpay/internal/provider"
	"github.com/onnwee/slotpay/internal/provider/mercadopago"
	"github.com/onnwee/slotpay/internal/provider/stripeconnect"
)

// StripeHealthURL is probed to report Stripe reachability.
const StripeHealthURL = "https://api.stripe.com/v1"

// Set is the wired provider surface.
type Set struct {
	Registry provider.Registry
	// Platform holds the credential used before a notification is tied
	// to a seller.
	Platform map[provider.Name]provider.Scope
	// HealthURLs maps each enabled provider to a reachability probe target.
	HealthURLs map[provider.Name]string
}

// Build creates a client per configured provider.
func Build(cfg *config.Config) Set {
	s := Set{
		Registry:   provider.Registry{},
		Platform:   map[provider.Name]provider.Scope{},
		HealthURLs: map[provider.Name]string{},
	}

	if cfg.MercadoPagoEnabled() {
		baseURL := cfg.MercadoPagoBaseURL
		if baseURL == "" {
			baseURL = mercadopago.DefaultBaseURL
		}
		s.Registry[provider.MercadoPago] = mercadopago.NewClient(mercadopago.Config{
			BaseURL:      baseURL,
			ClientID:     cfg.MercadoPagoClientID,
			ClientSecret: cfg.MercadoPagoClientSecret,
			Timeout:      cfg.ProviderHTTPTimeout,
		})
		s.Platform[provider.MercadoPago] = provider.Scope{AccessToken: cfg.MercadoPagoAccessToken}
		s.HealthURLs[provider.MercadoPago] = baseURL
	}
	if cfg.StripeEnabled() {
		s.Registry[provider.Stripe] = stripeconnect.NewClient(stripeconnect.Config{
			SecretKey: cfg.StripeAPIKey,
			Timeout:   cfg.ProviderHTTPTimeout,
		})
		s.Platform[provider.Stripe] = provider.Scope{AccessToken: cfg.StripeAPIKey}
		s.HealthURLs[provider.Stripe] = StripeHealthURL
	}
	return s
}

// Names returns the enabled providers in a stable order.
func (s Set) Names() []provider.Name {
	var names []provider.Name
	for _, n := range []provider.Name{provider.MercadoPago, provider.Stripe} {
		if _, ok := s.Registry[n]; ok {
			names = append(names, n)
		}
	}
	return names
}
