//go:build integration

package mongo_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/xraph/credits/store"
	"github.com/xraph/credits/store/mongo"
	"github.com/xraph/credits/store/storetest"
)

// testURI points at a single-node replica set shared by every test in the
// package. Transactions need a replica set.
var testURI string

func TestMain(m *testing.M) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "mongo:7",
		ExposedPorts: []string{"27017/tcp"},
		Cmd:          []string{"--replSet", "rs0", "--bind_ip_all"},
		WaitingFor:   wait.ForLog("Waiting for connections").WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start container: %v\n", err)
		os.Exit(1)
	}

	code, _, err := container.Exec(ctx, []string{"mongosh", "--quiet", "--eval",
		"rs.initiate({_id: 'rs0', members: [{_id: 0, host: 'localhost:27017'}]})"})
	if err != nil || code != 0 {
		fmt.Fprintf(os.Stderr, "failed to initiate replica set: code %d: %v\n", code, err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container host: %v\n", err)
		os.Exit(1)
	}
	port, err := container.MappedPort(ctx, "27017")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container port: %v\n", err)
		os.Exit(1)
	}
	testURI = fmt.Sprintf("mongodb://%s:%s/?directConnection=true", host, port.Port())

	if err := waitForPrimary(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "replica set never elected a primary: %v\n", err)
		os.Exit(1)
	}

	exit := m.Run()

	_ = container.Terminate(ctx)
	os.Exit(exit)
}

func waitForPrimary(ctx context.Context) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		s, err := mongo.New(ctx, testURI, "admin")
		if err == nil {
			var res bson.M
			err = s.Database().RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&res)
			_ = s.Close()
			if err == nil && res["isWritablePrimary"] == true {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out: %v", err)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func newStore(t *testing.T) store.Store {
	t.Helper()
	ctx := context.Background()

	// A database per test keeps runs isolated without dropping collections.
	name := "credits_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	if len(name) > 60 {
		name = name[:60]
	}

	s, err := mongo.New(ctx, testURI, name)
	require.NoError(t, err)
	require.NoError(t, s.Database().Drop(ctx))
	require.NoError(t, s.Migrate(ctx))

	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, newStore)
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Ping(context.Background()))
}
