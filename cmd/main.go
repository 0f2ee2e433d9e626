package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	_ "modernc.org/sqlite"

	"github.com/replforge/bulkrepl/pkg/apply"
	"github.com/replforge/bulkrepl/pkg/capture"
	"github.com/replforge/bulkrepl/pkg/changelog"
	"github.com/replforge/bulkrepl/pkg/replset"
	"github.com/replforge/bulkrepl/pkg/schema"
)

func main() {
	godotenv.Load()
	ctx := context.Background()

	reg, err := loadSchema()
	if err != nil {
		panic(err)
	}

	primary, err := openDB(envOr("BULKREPL_PRIMARY_DSN", ":memory:"))
	if err != nil {
		panic(err)
	}
	replica, err := openDB(envOr("BULKREPL_REPLICA_DSN", ":memory:"))
	if err != nil {
		panic(err)
	}

	// Both nodes are created from the same definitions; each evaluates its
	// own defaults at insert time.
	if err := reg.Materialize(ctx, primary); err != nil {
		panic(err)
	}
	if err := reg.Materialize(ctx, replica); err != nil {
		panic(err)
	}

	sets := replset.New()
	sets.AddTable("default", "basic_copy")
	sets.Subscribe("default", "replica-1")

	log := changelog.New()

	loader, err := capture.New(capture.Opts{DB: primary, Schema: reg, Sets: sets, Log: log})
	if err != nil {
		panic(err)
	}

	engine, err := apply.New(ctx, apply.Opts{
		Subscriber: "replica-1",
		DB:         replica,
		Schema:     reg,
		Log:        log,
		Logger:     slog.Default(),
	})
	if err != nil {
		panic(err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := engine.Run(runCtx); err != nil {
			panic(err)
		}
	}()

	// A bulk load with a partial column list: a auto-assigns, c takes its
	// default on the replica, e loads an explicit null.
	session, err := loader.Begin(ctx)
	if err != nil {
		panic(err)
	}
	if _, err := session.CopyFrom(ctx, "basic_copy", []string{"b", "d", "e"}, [][]string{
		{"one", "first", `\N`},
		{"two", "second", ""},
	}); err != nil {
		panic(err)
	}
	lsn, err := session.Commit(ctx)
	if err != nil {
		panic(err)
	}

	if err := engine.WaitForLSN(ctx, lsn); err != nil {
		panic(err)
	}

	tbl, _ := reg.Table("basic_copy")
	rows, err := readRows(ctx, replica, tbl)
	if err != nil {
		panic(err)
	}
	for _, row := range rows {
		byt, _ := json.Marshal(row)
		fmt.Println(string(byt))
	}
}

func loadSchema() (*schema.Registry, error) {
	if path := os.Getenv("BULKREPL_SCHEMA"); path != "" {
		return schema.Load(path)
	}
	reg := schema.NewRegistry()
	reg.Define(schema.Table{
		Name: "basic_copy",
		Columns: []schema.Column{
			{Name: "a", Type: "INTEGER", PrimaryKey: true},
			{Name: "b", Type: "TEXT"},
			{Name: "c", Type: "TEXT", Default: "'stuff'"},
			{Name: "d", Type: "TEXT"},
			{Name: "e", Type: "TEXT"},
		},
	})
	return reg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func openDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// In-memory databases live and die with their connection.
	db.SetMaxOpenConns(1)
	return db, nil
}

func readRows(ctx context.Context, db *sql.DB, tbl *schema.Table) ([]map[string]any, error) {
	names := tbl.ColumnNames()
	q := fmt.Sprintf("SELECT * FROM %q ORDER BY %q", tbl.Name, names[0])

	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := map[string]any{}
		for i, n := range names {
			row[n] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
