package db_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/scalarorg/fact-relayer/pkg/db"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupMongoStore(t *testing.T) *db.MongoStore {
	if testing.Short() {
		t.Skip("skipping mongo container test in short mode")
	}
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForListeningPort("27017/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("mongo container is not available: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "27017")
	require.NoError(t, err)

	client, err := db.NewMongoClient(ctx, fmt.Sprintf("mongodb://%s:%d", host, port.Int()))
	require.NoError(t, err)
	store, err := db.NewMongoStore(ctx, client, "fact_relayer_test")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close(context.Background())
	})
	return store
}

func TestMongoStore(t *testing.T) {
	runStoreSuite(t, setupMongoStore(t))
}
