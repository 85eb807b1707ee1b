package jobs

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildBackendFromDSN picks a backend from a DSN: a bare path or file:// for JSON,
// memory://, sqlite://, or postgres://. An empty DSN yields a nil backend.
func BuildBackendFromDSN(dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileBackend(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryBackend(), nil
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteBackend(path)
	case "postgres", "postgresql":
		return NewPostgresBackend(dsn)
	case "mysql", "redis":
		return nil, fmt.Errorf("%w: job store backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported job store scheme: %s", scheme)
	}
}

// BuildBackendForClient is BuildBackendFromDSN with a shared postgres database
// scoped to one client's row.
func BuildBackendForClient(dsn, clientID string) (Backend, error) {
	backend, err := BuildBackendFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	if pg, ok := backend.(*PostgresBackend); ok {
		pg.WithStateKey(clientID)
	}
	return backend, nil
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if host := strings.TrimSpace(parsed.Host); host != "" {
		// sqlite://data/jobs.db names a relative path.
		path = host + path
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
