package main

import (
	"reflect"
	"testing"
)

func TestRequiredSecretNames(t *testing.T) {
	got := requiredSecretNames(map[string]string{
		"ORDERS_STORE_DRIVER":              "Postgres",
		"ORDERS_PSP_STRIPE_WEBHOOK_SECRET": "secret://stripe/webhook",
		"ORDERS_SECURITY_HMAC_SECRETS":     "Gateway=secret://hmac/gateway,partner=secret://hmac/partner",
	})
	want := []string{
		"PSP.StripeAPIKey",
		"PSP.StripeWebhookSecret",
		"Postgres.DSN",
		"Security.HMAC.Secrets[gateway]",
		"Security.HMAC.Secrets[partner]",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected secrets:\n got %v\nwant %v", got, want)
	}
}

func TestRequiredSecretNamesDefaults(t *testing.T) {
	got := requiredSecretNames(nil)
	want := []string{"PSP.StripeAPIKey", "Security.HMAC.Secrets[gateway]"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected secrets: %v", got)
	}
}

func TestParseKeyValueListSkipsMalformedEntries(t *testing.T) {
	got := parseKeyValueList(" prod=project-a, broken ,=x, dev = project-b ,")
	want := map[string]string{"prod": "project-a", "dev": "project-b"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected map %v", got)
	}
}

func TestIsProduction(t *testing.T) {
	for env, want := range map[string]bool{"prod": true, "Production": true, "staging": false, "": false} {
		if got := isProduction(env); got != want {
			t.Fatalf("isProduction(%q) = %v, want %v", env, got, want)
		}
	}
}
