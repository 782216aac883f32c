package integration

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/imaging/internal/domain/imaging"
	"github.com/ehr/imaging/internal/platform/blobstore"
	"github.com/ehr/imaging/internal/platform/db"
	"github.com/ehr/imaging/internal/testutil/dicomtest"
	"github.com/ehr/imaging/migrations"
)

// connStr points at the shared Postgres instance started in TestMain.
var connStr string

func TestMain(m *testing.M) {
	if url := os.Getenv("IMAGING_TEST_DATABASE_URL"); url != "" {
		connStr = url
		os.Exit(m.Run())
	}
	if _, err := exec.LookPath("docker"); err != nil {
		fmt.Fprintln(os.Stderr, "skipping integration tests: docker not found and IMAGING_TEST_DATABASE_URL unset")
		os.Exit(0)
	}

	ctx := context.Background()
	url, cleanup, err := startPostgresContainer(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup postgres container: %v\n", err)
		os.Exit(1)
	}
	connStr = url
	code := m.Run()
	cleanup()
	os.Exit(code)
}

// withSearchPath appends a search_path runtime parameter to a postgres URL.
func withSearchPath(url, schema string) string {
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	return url + sep + "search_path=" + schema
}

// newSchemaPool migrates a fresh schema and returns a pool whose
// connections use it. The schema is dropped when the test ends.
func newSchemaPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()
	schema := "imaging_" + strings.ReplaceAll(uuid.NewString()[:8], "-", "")

	admin, err := db.NewPool(ctx, connStr, 2, 1)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := db.NewMigrator(admin, migrations.Postgres()).Up(ctx, schema); err != nil {
		admin.Close()
		t.Fatalf("migrate %s: %v", schema, err)
	}

	pool, err := db.NewPool(ctx, withSearchPath(connStr, schema), 8, 1)
	if err != nil {
		admin.Close()
		t.Fatalf("connect to %s: %v", schema, err)
	}

	t.Cleanup(func() {
		pool.Close()
		if _, err := admin.Exec(context.Background(), fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema)); err != nil {
			t.Logf("warning: failed to drop schema %s: %v", schema, err)
		}
		admin.Close()
	})
	return pool
}

type env struct {
	pool  *pgxpool.Pool
	repo  imaging.Repository
	blobs *blobstore.FileStore
	root  string
	svc   *imaging.Service
}

func newEnv(t *testing.T, opts imaging.Options) *env {
	t.Helper()
	pool := newSchemaPool(t)
	root := t.TempDir()
	blobs, err := blobstore.NewFileStore(root, zerolog.Nop())
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}
	repo := imaging.NewRepo(pool)
	return &env{
		pool:  pool,
		repo:  repo,
		blobs: blobs,
		root:  root,
		svc:   imaging.NewService(repo, blobs, opts, zerolog.Nop()),
	}
}

func upload(t *testing.T, name string, o dicomtest.Object) imaging.Upload {
	t.Helper()
	return imaging.Upload{Filename: name, Data: dicomtest.Part10(t, o)}
}

func counts(t *testing.T, repo imaging.Repository) imaging.HierarchyCounts {
	t.Helper()
	c, err := repo.Counts(context.Background())
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	return *c
}

// blobCount returns the number of files under the blob root.
func blobCount(t *testing.T, root string) int {
	t.Helper()
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("read blob root: %v", err)
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() {
			n++
		}
	}
	return n
}
