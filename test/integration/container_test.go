//go:build integration

package integration

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	pgImage    = "postgres:16-alpine"
	pgUser     = "dietics"
	pgPassword = "dietics"
	pgDatabase = "dietics"
)

// startPostgresContainer runs a throwaway PostgreSQL container through the
// docker CLI. The returned stop function removes it.
func startPostgresContainer(ctx context.Context) (string, func(), error) {
	port, err := freeLocalPort()
	if err != nil {
		return "", nil, fmt.Errorf("find free port: %w", err)
	}
	name := fmt.Sprintf("dietics-it-%d", port)

	// a container left over from an aborted run would hold the name
	_ = exec.CommandContext(ctx, "docker", "rm", "-f", name).Run()

	out, err := exec.CommandContext(ctx, "docker", "run", "-d",
		"--name", name,
		"-p", fmt.Sprintf("127.0.0.1:%d:5432", port),
		"-e", "POSTGRES_USER="+pgUser,
		"-e", "POSTGRES_PASSWORD="+pgPassword,
		"-e", "POSTGRES_DB="+pgDatabase,
		pgImage,
	).CombinedOutput()
	if err != nil {
		return "", nil, fmt.Errorf("docker run %s: %w: %s", pgImage, err, out)
	}
	id := strings.TrimSpace(string(out))
	stop := func() { _ = exec.Command("docker", "rm", "-f", id).Run() }

	dsn := fmt.Sprintf("postgres://%s:%s@127.0.0.1:%d/%s?sslmode=disable", pgUser, pgPassword, port, pgDatabase)
	if err := awaitPostgres(ctx, dsn, 30*time.Second); err != nil {
		stop()
		return "", nil, err
	}
	return dsn, stop, nil
}

func freeLocalPort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// awaitPostgres polls until the server answers a query. The image restarts
// postgres once after init, so a single successful connect is not enough.
func awaitPostgres(ctx context.Context, dsn string, limit time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()

	var lastErr error
	ready := 0
	for {
		if lastErr = probePostgres(ctx, dsn); lastErr == nil {
			ready++
			if ready == 2 {
				return nil
			}
		} else {
			ready = 0
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("postgres not ready after %v: %w", limit, errors.Join(ctx.Err(), lastErr))
		case <-tick.C:
		}
	}
}

func probePostgres(ctx context.Context, dsn string) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	var one int
	return conn.QueryRow(ctx, "SELECT 1").Scan(&one)
}
