//go:build integration

// Package fstest runs the Firestore emulator in a disposable container for integration tests.
package fstest

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/hanko-field/orders/internal/platform/config"
	pfirestore "github.com/hanko-field/orders/internal/platform/firestore"
)

const (
	image        = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"
	emulatorPort = "8080/tcp"
	projectID    = "orders-test"
)

// Provider starts an emulator and returns a Provider pointed at it. Both are torn down with t.
func Provider(t *testing.T) *pfirestore.Provider {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        image,
			ExposedPorts: []string{emulatorPort},
			Cmd:          []string{"gcloud", "beta", "emulators", "firestore", "start", "--host-port=0.0.0.0:8080", "--quiet"},
			WaitingFor:   wait.ForListeningPort(emulatorPort).WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("firestore emulator unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminate firestore emulator: %v", err)
		}
	})

	endpoint, err := container.PortEndpoint(ctx, emulatorPort, "")
	if err != nil {
		t.Fatalf("emulator endpoint: %v", err)
	}
	provider := pfirestore.NewProvider(config.FirestoreConfig{ProjectID: projectID, EmulatorHost: endpoint})
	t.Cleanup(func() { _ = provider.Close(context.Background()) })
	return provider
}
