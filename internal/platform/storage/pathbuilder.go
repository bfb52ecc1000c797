package storage

import (
	"fmt"
	"strings"
	"time"
)

// ObjectPurpose captures what an object is stored for; each purpose has a fixed layout.
type ObjectPurpose string

const (
	// PurposeWebhookPayload is the raw body of a gateway notification kept for audit.
	PurposeWebhookPayload ObjectPurpose = "webhook-payload"
)

// PathParams provide the identifiers needed to compose object keys.
type PathParams struct {
	Provider   string
	EventID    string
	ReceivedAt time.Time
}

// PathBuilder composes the object path for a given purpose.
type PathBuilder func(PathParams) (string, error)

var pathBuilders = map[ObjectPurpose]PathBuilder{
	PurposeWebhookPayload: buildWebhookPayloadPath,
}

// BuildObjectPath resolves the storage object path for the given purpose.
func BuildObjectPath(purpose ObjectPurpose, params PathParams) (string, error) {
	builder, ok := pathBuilders[purpose]
	if !ok {
		return "", fmt.Errorf("storage: unsupported object purpose %q", purpose)
	}
	return builder(params)
}

// webhooks/<provider>/<yyyy>/<mm>/<dd>/<eventId>.json, partitioned by receipt date in UTC.
func buildWebhookPayloadPath(params PathParams) (string, error) {
	provider, err := validateSegment("provider", strings.ToLower(params.Provider))
	if err != nil {
		return "", err
	}
	eventID, err := validateSegment("eventID", params.EventID)
	if err != nil {
		return "", err
	}
	if params.ReceivedAt.IsZero() {
		return "", fmt.Errorf("storage: receivedAt is required")
	}
	day := params.ReceivedAt.UTC()
	return fmt.Sprintf("webhooks/%s/%04d/%02d/%02d/%s.json", provider, day.Year(), int(day.Month()), day.Day(), eventID), nil
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: %s is required", name)
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", name)
	}
	return value, nil
}
