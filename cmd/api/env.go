package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/hanko-field/orders/internal/payments"
	"github.com/hanko-field/orders/internal/platform/config"
)

// requiredSecretNames lists the config fields that must resolve before the server starts:
// the Stripe API key and the gateway webhook secret always, the rest when configured.
func requiredSecretNames(env map[string]string) []string {
	required := []string{
		"PSP.StripeAPIKey",
		hmacSecretName(payments.ProviderGateway),
	}
	if strings.TrimSpace(env["ORDERS_PSP_STRIPE_WEBHOOK_SECRET"]) != "" {
		required = append(required, "PSP.StripeWebhookSecret")
	}
	if strings.EqualFold(strings.TrimSpace(env["ORDERS_STORE_DRIVER"]), config.StoreDriverPostgres) {
		required = append(required, "Postgres.DSN")
	}
	for provider := range parseKeyValueList(env["ORDERS_SECURITY_HMAC_SECRETS"]) {
		required = append(required, hmacSecretName(strings.ToLower(provider)))
	}
	slices.Sort(required)
	return slices.Compact(required)
}

func hmacSecretName(provider string) string {
	return fmt.Sprintf("Security.HMAC.Secrets[%s]", provider)
}

// parseKeyValueList parses "k=v,k=v", dropping entries with an empty side.
func parseKeyValueList(raw string) map[string]string {
	out := make(map[string]string)
	for entry := range strings.SplitSeq(raw, ",") {
		key, value, ok := strings.Cut(entry, "=")
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if ok && key != "" && value != "" {
			out[key] = value
		}
	}
	return out
}

func isProduction(environment string) bool {
	return slices.Contains([]string{"prod", "production"}, strings.ToLower(environment))
}
