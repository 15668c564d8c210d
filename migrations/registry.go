package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"slices"
	"strings"

	loyalty "github.com/goliatone/go-loyalty"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"

	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"
)

// Source is one dialect's migration directory.
type Source struct {
	Dialect string
	Path    string
	FS      fs.FS
	// Names lists migration names without the .up.sql/.down.sql suffix, in apply order.
	Names []string
}

type RegisterFunc func(ctx context.Context, source Source) error

// Sources resolves the Postgres and SQLite migration sets. The first non-nil root replaces
// the embedded schema. Every migration must ship both directions and both dialects must
// carry the same set, so a schema change cannot land for one database only.
func Sources(roots ...fs.FS) ([]Source, error) {
	root := loyalty.GetMigrationsFS()
	if len(roots) > 0 && roots[0] != nil {
		root = roots[0]
	}

	base, basePath, err := migrationsRoot(root)
	if err != nil {
		return nil, err
	}
	sqliteFS, err := fs.Sub(base, "sqlite")
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve sqlite directory: %w", err)
	}

	sources := []Source{
		{Dialect: DialectPostgres, Path: basePath, FS: base},
		{Dialect: DialectSQLite, Path: pathJoin(basePath, "sqlite"), FS: sqliteFS},
	}
	for i := range sources {
		names, err := pairedNames(sources[i])
		if err != nil {
			return nil, err
		}
		sources[i].Names = names
	}
	if !slices.Equal(sources[0].Names, sources[1].Names) {
		return nil, fmt.Errorf("migrations: postgres %v and sqlite %v sets differ", sources[0].Names, sources[1].Names)
	}
	return sources, nil
}

// For returns the migration source for one dialect.
func For(dialect string, roots ...fs.FS) (Source, error) {
	dialect = normalizeDialect(dialect)
	sources, err := Sources(roots...)
	if err != nil {
		return Source{}, err
	}
	for _, source := range sources {
		if source.Dialect == dialect {
			return source, nil
		}
	}
	return Source{}, fmt.Errorf("migrations: unsupported dialect %q", dialect)
}

// Register hands the source for each requested dialect to registerFn. With no dialects
// both are registered.
func Register(ctx context.Context, registerFn RegisterFunc, dialects ...string) ([]Source, error) {
	if registerFn == nil {
		return nil, fmt.Errorf("migrations: register function is required")
	}
	sources, err := Sources()
	if err != nil {
		return nil, err
	}

	wanted := map[string]bool{}
	for _, dialect := range dialects {
		if d := normalizeDialect(dialect); d != "" {
			wanted[d] = true
		}
	}
	registered := make([]Source, 0, len(sources))
	for _, source := range sources {
		if len(wanted) > 0 && !wanted[source.Dialect] {
			continue
		}
		if err := registerFn(ctx, source); err != nil {
			return registered, fmt.Errorf("migrations: register %s (%s): %w", source.Dialect, source.Path, err)
		}
		registered = append(registered, source)
	}
	if len(registered) == 0 {
		return nil, fmt.Errorf("migrations: no source matches dialects %v", dialects)
	}
	return registered, nil
}

func pairedNames(source Source) ([]string, error) {
	ups, err := fs.Glob(source.FS, "*"+upSuffix)
	if err != nil {
		return nil, fmt.Errorf("migrations: glob %s: %w", source.Path, err)
	}
	if len(ups) == 0 {
		return nil, fmt.Errorf("migrations: %s directory %q has no *%s files", source.Dialect, source.Path, upSuffix)
	}
	names := make([]string, 0, len(ups))
	for _, up := range ups {
		name := strings.TrimSuffix(up, upSuffix)
		if _, err := fs.Stat(source.FS, name+downSuffix); err != nil {
			return nil, fmt.Errorf("migrations: %s migration %s has no down file", source.Dialect, name)
		}
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func migrationsRoot(root fs.FS) (fs.FS, string, error) {
	const embedded = "data/sql/migrations"
	if info, err := fs.Stat(root, embedded); err == nil && info.IsDir() {
		sub, subErr := fs.Sub(root, embedded)
		if subErr != nil {
			return nil, "", fmt.Errorf("migrations: resolve %s: %w", embedded, subErr)
		}
		return sub, embedded, nil
	}
	if matches, err := fs.Glob(root, "*.sql"); err == nil && len(matches) > 0 {
		return root, ".", nil
	}
	return nil, "", fmt.Errorf("migrations: %s not found", embedded)
}

func normalizeDialect(dialect string) string {
	switch d := strings.TrimSpace(strings.ToLower(dialect)); d {
	case "sqlite3":
		return DialectSQLite
	case "pg", "postgresql":
		return DialectPostgres
	default:
		return d
	}
}

func pathJoin(base string, suffix string) string {
	if base == "." {
		return suffix
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(suffix, "/")
}
