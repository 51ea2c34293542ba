//go:build integration

package db_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/raphaelgruber/codeingest/internal/db"
	"github.com/raphaelgruber/codeingest/internal/db/storetest"
)

var testDB *db.Client

// TestMain starts one SurrealDB container shared by all tests in the package.
func TestMain(m *testing.M) {
	// Disable ryuk (cleanup container) as it can cause issues in some environments
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")

	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "surrealdb/surrealdb:v3.0.0-beta.1",
			ExposedPorts: []string{"8000/tcp"},
			Cmd:          []string{"start", "--log", "info", "--user", "root", "--pass", "root"},
			WaitingFor:   wait.ForLog("Started web server").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("Failed to start SurrealDB container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		log.Fatalf("Failed to get container host: %v", err)
	}
	// Workaround: testcontainers may return "null" as host in some environments
	if host == "" || host == "null" {
		host = "localhost"
	}
	mappedPort, err := container.MappedPort(ctx, "8000")
	if err != nil {
		log.Fatalf("Failed to get mapped port: %v", err)
	}

	testDB, err = db.Open(ctx, db.Config{
		URL:       fmt.Sprintf("ws://%s:%s/rpc", host, mappedPort.Port()),
		Namespace: "test",
		Database:  "test",
		Username:  "root",
		Password:  "root",
		AuthLevel: "root",
	}, nil)
	if err != nil {
		log.Fatalf("Failed to connect to test database: %v", err)
	}

	code := m.Run()

	_ = testDB.Close(ctx)
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func TestPing(t *testing.T) {
	require.NoError(t, testDB.Ping(context.Background()))
}

func TestInitSchemaIsIdempotent(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, testDB.InitSchema(ctx))
	require.NoError(t, testDB.InitSchema(ctx))

	_, err := testDB.CountJobsByStatus(ctx)
	assert.NoError(t, err)
}

func TestNewClient_RejectsHTTPURL(t *testing.T) {
	_, err := db.NewClient(context.Background(), db.Config{URL: "http://localhost:8000/rpc"}, nil)
	assert.ErrorContains(t, err, "scheme must be ws or wss")
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) db.Store {
		require.NoError(t, testDB.WipeData(context.Background()))
		return testDB
	})
}
