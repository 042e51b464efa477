//go:build integration || !unit

package integration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	_ "github.com/go-sql-driver/mysql"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resort_booking/internal/adapters/bookingclient"
	server "resort_booking/internal/adapters/http_server"
	redisad "resort_booking/internal/adapters/redis"
	"resort_booking/internal/app"
	"resort_booking/internal/domain"
	mysqlrepo "resort_booking/internal/storage/mysql"
)

// ---------- helpers ----------
func pstr(s string) *string { return &s }

func repoRoot() string { return filepath.Join("..", "..") }

func applyMigrations(t *testing.T, db *sql.DB) {
	t.Helper()
	dir := os.Getenv("MIGRATIONS_DIR")
	if dir == "" {
		dir = filepath.Join(repoRoot(), "migrations")
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}
	var files []string
	for _, e := range ents {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".sql" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		t.Fatalf("no .sql files in %s", dir)
	}
	sort.Strings(files)
	for _, f := range files {
		sqlBytes, err := os.ReadFile(f)
		if err != nil {
			t.Fatalf("read %s: %v", f, err)
		}
		if _, err := db.Exec(string(sqlBytes)); err != nil {
			t.Fatalf("exec %s: %v", f, err)
		}
	}
}

func startMySQL(t *testing.T) *sql.DB {
	t.Helper()
	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Skipf("dockertest: %v", err)
	}
	if err := pool.Client.Ping(); err != nil {
		t.Skipf("docker not reachable: %v", err)
	}
	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "mysql",
		Tag:        "8.0.36",
		Env:        []string{"MYSQL_ROOT_PASSWORD=root", "MYSQL_DATABASE=resort"},
	}, func(hc *docker.HostConfig) {
		hc.AutoRemove = true
		hc.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		t.Fatalf("run mysql: %v", err)
	}
	t.Cleanup(func() { _ = pool.Purge(resource) })

	dsn := fmt.Sprintf("root:root@tcp(127.0.0.1:%s)/resort?parseTime=true&multiStatements=true&charset=utf8mb4&loc=UTC",
		resource.GetPort("3306/tcp"))
	var db *sql.DB
	if err := pool.Retry(func() error {
		var e error
		db, e = sql.Open("mysql", dsn)
		if e != nil {
			return e
		}
		return db.Ping()
	}); err != nil {
		t.Fatalf("connect mysql: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// ---------- the test ----------
func TestHTTP_EndToEnd_ConcurrentVillaAllocations(t *testing.T) {
	db := startMySQL(t)
	applyMigrations(t, db)
	repo := mysqlrepo.New(db)

	mr := miniredis.RunT(t)
	cache := redisad.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = cache.Close() })

	ctx := context.Background()
	cmds := app.NewCommandService(repo, repo, cache, nil)
	rooms, err := app.LoadInventoryFile(filepath.Join(repoRoot(), "inventory.example.yaml"))
	require.NoError(t, err)
	require.NoError(t, cmds.ImportRooms(ctx, rooms))

	srv := server.New(server.Options{})
	srv.MountHandlers(&server.Handlers{
		Alloc: app.NewAllocator(repo, repo, cache, nil, 5*time.Second),
		Avail: app.NewAvailabilityService(repo, repo, cache, time.Minute),
		Q:     app.NewQueryService(repo, repo, cache, time.Minute),
		Cmd:   cmds,
	})
	ts := httptest.NewServer(srv.Mux())
	t.Cleanup(ts.Close)

	cl, err := bookingclient.New(ts.URL, 200)
	require.NoError(t, err)

	const start, end = "2024-12-20", "2024-12-27"
	free, err := cl.GetAvailability(ctx, "villa", start, end)
	require.NoError(t, err)
	require.Equal(t, 3, free, "seed has three villas in service and one out of service")

	// K concurrent requests against M free villas
	const k = 12
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		won     []bookingclient.Allocation
		full    int
		others  []error
		barrier = make(chan struct{})
	)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-barrier
			a, err := cl.CreateAllocation(ctx, bookingclient.AllocationRequest{
				Category: "villa", StartDate: start, EndDate: end, GuestRef: pstr(fmt.Sprintf("guest-%d", i)),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won = append(won, a)
			case errors.Is(err, domain.ErrNoAvailability):
				full++
			default:
				others = append(others, err)
			}
		}(i)
	}
	close(barrier)
	wg.Wait()

	require.Empty(t, others)
	require.Len(t, won, 3)
	assert.Equal(t, k-3, full)
	seen := map[int64]bool{}
	for _, a := range won {
		assert.False(t, seen[a.RoomID], "room %d handed out twice", a.RoomID)
		seen[a.RoomID] = true
		assert.NotEqual(t, int64(4), a.RoomID, "out-of-service villa must never be allocated")
	}

	free, err = cl.GetAvailability(ctx, "villa", start, end)
	require.NoError(t, err)
	assert.Equal(t, 0, free)

	// adjacent stay reuses the same rooms
	a, err := cl.CreateAllocation(ctx, bookingclient.AllocationRequest{Category: "villa", StartDate: end, EndDate: "2024-12-30"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.RoomID)

	// cancelling frees exactly one room, and is idempotent
	require.NoError(t, cl.CancelAllocation(ctx, won[0].BookingID))
	require.NoError(t, cl.CancelAllocation(ctx, won[0].BookingID))
	free, err = cl.GetAvailability(ctx, "villa", start, end)
	require.NoError(t, err)
	assert.Equal(t, 1, free)

	_, err = cl.CreateAllocation(ctx, bookingclient.AllocationRequest{Category: "unicorn-suite", StartDate: start, EndDate: end})
	assert.ErrorIs(t, err, domain.ErrUnknownCategory)
	assert.ErrorIs(t, cl.CancelAllocation(ctx, 999_999), domain.ErrNotFound)
}
