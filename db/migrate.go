// Command migrate manages the content-calendar Postgres schema.
//
//	go run ./db up [-steps N]
//	go run ./db down (-steps N | -all)
//	go run ./db status
//	go run ./db verify
//	go run ./db force -version N
//
// DATABASE_URL is required. MIGRATIONS_SOURCE overrides the file://db/migrations source.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"
	"github.com/lib/pq"
)

const defaultMigrationsSource = "file://db/migrations"

// requiredColumns lists what the API, the publish worker and the sync runner read from each table.
var requiredColumns = map[string][]string{
	"scheduled_posts": {
		"schedule_id", "user_id", "video_id", "scheduled_time", "status", "platforms", "title",
		"tags", "aspect_ratio", "upload_results", "publishing_started_at", "cancelled_at",
		"created_at", "updated_at",
	},
	"subscriptions":      {"user_id", "plan_id", "status"},
	"publish_sync_usage": {"platform", "day", "requests_used"},
}

type migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Force(version int) error
	Version() (version uint, dirty bool, err error)
}

// versionSource walks the versions shipped in the migrations source.
type versionSource interface {
	First() (uint, error)
	Next(version uint) (uint, error)
}

type schemaTool struct {
	db  *sql.DB
	m   migrator
	src versionSource
}

// openSchemaTool is swapped in tests so no Postgres is needed.
var openSchemaTool = func(db *sql.DB, sourceURL string) (*schemaTool, func(), error) {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, nil, fmt.Errorf("postgres driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(sourceURL, "postgres", driver)
	if err != nil {
		return nil, nil, fmt.Errorf("open migrations %s: %w", sourceURL, err)
	}
	src, err := source.Open(sourceURL)
	if err != nil {
		_, _ = m.Close()
		return nil, nil, fmt.Errorf("open migrations %s: %w", sourceURL, err)
	}
	return &schemaTool{db: db, m: m, src: src}, func() {
		_ = src.Close()
		_, _ = m.Close()
	}, nil
}

type command struct {
	action  string
	steps   int
	all     bool
	version int
}

func parseCommand(args []string) (command, error) {
	c := command{action: "up", version: -1}
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		c.action, args = args[0], args[1:]
	}
	fs := flag.NewFlagSet("migrate "+c.action, flag.ContinueOnError)
	switch c.action {
	case "up":
		fs.IntVar(&c.steps, "steps", 0, "Apply at most N migrations (0 = all pending)")
	case "down":
		fs.IntVar(&c.steps, "steps", 0, "Roll back N migrations")
		fs.BoolVar(&c.all, "all", false, "Roll back every migration")
	case "force":
		fs.IntVar(&c.version, "version", -1, "Version to record, clearing the dirty flag")
	case "status", "verify":
	default:
		return command{}, fmt.Errorf("unknown action %q (want up, down, status, verify or force)", c.action)
	}
	if err := fs.Parse(args); err != nil {
		return command{}, err
	}
	if fs.NArg() > 0 {
		return command{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	switch {
	case c.steps < 0:
		return command{}, errors.New("-steps must not be negative")
	case c.action == "down" && c.steps == 0 && !c.all:
		return command{}, errors.New("down needs -steps N or -all")
	case c.action == "down" && c.steps > 0 && c.all:
		return command{}, errors.New("down takes -steps or -all, not both")
	case c.action == "force" && c.version < 0:
		return command{}, errors.New("force needs -version N")
	}
	return c, nil
}

func main() {
	_ = godotenv.Load()
	out, err := run(context.Background(), os.Args[1:], os.Getenv, sql.Open)
	if err != nil {
		log.Fatalf("[Migrate] %v", err)
	}
	fmt.Println(out)
}

func run(ctx context.Context, args []string, getenv func(string) string, open func(driver, dsn string) (*sql.DB, error)) (string, error) {
	c, err := parseCommand(args)
	if err != nil {
		return "", err
	}
	dsn := strings.TrimSpace(getenv("DATABASE_URL"))
	if dsn == "" {
		return "", errors.New("DATABASE_URL is required")
	}
	src := strings.TrimSpace(getenv("MIGRATIONS_SOURCE"))
	if src == "" {
		src = defaultMigrationsSource
	}

	db, err := open("postgres", dsn)
	if err != nil {
		return "", fmt.Errorf("connect: %w", err)
	}
	defer db.Close()

	tool, closeTool, err := openSchemaTool(db, src)
	if err != nil {
		return "", err
	}
	defer closeTool()

	switch c.action {
	case "status":
		return tool.status()
	case "verify":
		return tool.verify(ctx)
	case "force":
		if err := tool.m.Force(c.version); err != nil {
			return "", fmt.Errorf("force version %d: %w", c.version, err)
		}
		return fmt.Sprintf("schema version set to %d", c.version), nil
	}
	return tool.apply(c)
}

func (t *schemaTool) apply(c command) (string, error) {
	var err error
	switch {
	case c.action == "up" && c.steps > 0:
		err = t.m.Steps(c.steps)
	case c.action == "up":
		err = t.m.Up()
	case c.all:
		err = t.m.Down()
	default:
		err = t.m.Steps(-c.steps)
	}
	if errors.Is(err, migrate.ErrNoChange) {
		return "schema already at the requested version", nil
	}
	if err != nil {
		return "", fmt.Errorf("migrate %s: %w", c.action, err)
	}
	v, _, verr := t.m.Version()
	if errors.Is(verr, migrate.ErrNilVersion) {
		return "schema rolled back to empty", nil
	}
	if verr != nil {
		return "", fmt.Errorf("read version: %w", verr)
	}
	return fmt.Sprintf("schema now at version %d", v), nil
}

func (t *schemaTool) status() (string, error) {
	latest, err := latestVersion(t.src)
	if err != nil {
		return "", err
	}
	v, dirty, err := t.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Sprintf("no migrations applied (latest %d)", latest), nil
	}
	if err != nil {
		return "", fmt.Errorf("read version: %w", err)
	}
	out := fmt.Sprintf("version %d of %d", v, latest)
	if dirty {
		out += " (dirty)"
	}
	return out, nil
}

// verify fails unless the database is clean, at the newest shipped version and carries every
// table and column the services query.
func (t *schemaTool) verify(ctx context.Context) (string, error) {
	latest, err := latestVersion(t.src)
	if err != nil {
		return "", err
	}
	v, dirty, err := t.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return "", fmt.Errorf("no migrations applied, %d pending", latest)
	}
	if err != nil {
		return "", fmt.Errorf("read version: %w", err)
	}
	switch {
	case dirty:
		return "", fmt.Errorf("version %d is dirty; fix the schema and run force -version %d", v, v)
	case v < latest:
		return "", fmt.Errorf("version %d is behind the migrations (%d)", v, latest)
	case v > latest:
		return "", fmt.Errorf("version %d is ahead of the migrations (%d)", v, latest)
	}

	missing, err := t.missingColumns(ctx)
	if err != nil {
		return "", err
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("schema is missing %s", strings.Join(missing, ", "))
	}
	return fmt.Sprintf("schema ok at version %d (%d tables checked)", v, len(requiredColumns)), nil
}

func (t *schemaTool) missingColumns(ctx context.Context) ([]string, error) {
	tables := make([]string, 0, len(requiredColumns))
	for name := range requiredColumns {
		tables = append(tables, name)
	}
	sort.Strings(tables)

	rows, err := t.db.QueryContext(ctx, `
		SELECT table_name, column_name
		  FROM information_schema.columns
		 WHERE table_schema = 'public'
		   AND table_name = ANY($1)
	`, pq.Array(tables))
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}
	defer rows.Close()

	have := map[string]bool{}
	for rows.Next() {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			return nil, fmt.Errorf("read columns: %w", err)
		}
		have[table+"."+column] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	var missing []string
	for _, table := range tables {
		for _, column := range requiredColumns[table] {
			if !have[table+"."+column] {
				missing = append(missing, table+"."+column)
			}
		}
	}
	return missing, nil
}

// latestVersion returns the highest version in src, or 0 when it is empty.
func latestVersion(src versionSource) (uint, error) {
	v, err := src.First()
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read migrations: %w", err)
	}
	for {
		next, err := src.Next(v)
		if errors.Is(err, os.ErrNotExist) {
			return v, nil
		}
		if err != nil {
			return 0, fmt.Errorf("read migrations: %w", err)
		}
		v = next
	}
}
