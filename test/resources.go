package test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/hiapp/hicall/internal/config"
	"github.com/hiapp/hicall/internal/database"
	"github.com/ory/dockertest/v3"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	testPostgresUser     = "hicall"
	testPostgresPassword = "secret"
	testPostgresDatabase = "hicall"
)

type dockertestResources struct {
	pool           *dockertest.Pool
	mu             sync.Mutex
	activeResource []*dockertest.Resource
}

// newResources connects to the local Docker daemon and skips the test when
// none is reachable.
func newResources(t *testing.T) *dockertestResources {
	t.Helper()

	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}

	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}

	err = pool.Client.Ping()
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}

	pool.MaxWait = 3 * time.Minute

	resources := &dockertestResources{pool: pool}
	t.Cleanup(resources.cleanup)

	configureConfigForTest()

	return resources
}

func (r *dockertestResources) startPostgres(t *testing.T) *gorm.DB {
	t.Helper()

	resource, err := r.pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "postgres",
		Tag:        "16-alpine",
		Env: []string{
			"POSTGRES_PASSWORD=" + testPostgresPassword,
			"POSTGRES_USER=" + testPostgresUser,
			"POSTGRES_DB=" + testPostgresDatabase,
		},
		ExposedPorts: []string{"5432/tcp"},
	})
	require.NoError(t, err)
	r.track(resource)

	host, port := splitHostPort(resource.GetHostPort("5432/tcp"))

	config.Conf.PostgresHost = host
	config.Conf.PostgresPort = port
	config.Conf.PostgresUsername = testPostgresUser
	config.Conf.PostgresPassword = testPostgresPassword
	config.Conf.PostgresDatabase = testPostgresDatabase

	var db *gorm.DB

	require.NoError(t, r.pool.Retry(func() error {
		var err error

		db, err = database.NewDatabase(context.Background())

		return err
	}))

	applyMigrations(t)

	return db
}

func (r *dockertestResources) startRedis(t *testing.T) *redis.Client {
	t.Helper()

	resource, err := r.pool.RunWithOptions(&dockertest.RunOptions{
		Repository:   "redis",
		Tag:          "7-alpine",
		ExposedPorts: []string{"6379/tcp"},
	})
	require.NoError(t, err)
	r.track(resource)

	host, port := splitHostPort(resource.GetHostPort("6379/tcp"))
	config.Conf.RedisAddr = net.JoinHostPort(host, port)

	client := redis.NewClient(&redis.Options{Addr: config.Conf.RedisAddr})

	require.NoError(t, r.pool.Retry(func() error {
		return client.Ping(context.Background()).Err()
	}))

	t.Cleanup(func() { _ = client.Close() })

	return client
}

func (r *dockertestResources) cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, res := range r.activeResource {
		_ = r.pool.Purge(res)
	}

	r.activeResource = nil
}

func (r *dockertestResources) track(res *dockertest.Resource) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.activeResource = append(r.activeResource, res)
}

// applyMigrations runs the repository's migrations the way cmd/migrate-apply
// does.
func applyMigrations(t *testing.T) {
	t.Helper()

	dir, err := filepath.Abs(filepath.Join("..", "migrations"))
	require.NoError(t, err)

	migrator, err := migrate.New("file://"+filepath.ToSlash(dir), database.URL())
	require.NoError(t, err)

	defer func() {
		_, _ = migrator.Close()
	}()

	err = migrator.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		require.NoError(t, err)
	}
}

func configureConfigForTest() {
	config.Conf.DBIntervalCB = 1
	config.Conf.DBConsecutiveFailuresCB = 3
	config.Conf.SignalingPollIntervalMS = 50
	config.Conf.SignalingListTTL = 60
	config.Conf.SignalingRetryMaxAttempts = 2
	config.Conf.SignalingRetryMinBackoffMS = 10
	config.Conf.SignalingRetryMaxBackoffMS = 50
	config.Conf.SignalingIntervalCB = 1
	config.Conf.SignalingConsecutiveFailureCB = 5
	config.Conf.DeadLetterEventMaxRetries = 2
	config.Conf.DeadLetterEventLimit = 10
	config.Conf.DeadLetterEventRetryDelay = 0
	config.Conf.LogFilePath = filepath.Join(os.TempDir(), "hicall-test.log")
	config.Conf.LogLevel = "INFO"
}

func splitHostPort(hostPort string) (string, string) {
	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		return "localhost", hostPort
	}

	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}

	return host, port
}

func uniqueID(t *testing.T) string {
	return fmt.Sprintf("%s-%d", t.Name(), time.Now().UnixNano())
}
