package db

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	ClinicIDKey contextKey = "clinic_id"
	DBConnKey   contextKey = "db_conn"
)

var clinicIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// ClinicSchema returns the Postgres schema that holds a clinic's records.
func ClinicSchema(clinicID string) string {
	return fmt.Sprintf("clinic_%s", clinicID)
}

var (
	ErrInvalidClinic       = errors.New("invalid clinic identifier")
	ErrDatabaseUnavailable = errors.New("database unavailable")
)

// ClinicMiddleware pins a pooled connection to the request and points its
// search_path at the caller's clinic schema.
func ClinicMiddleware(pool *pgxpool.Pool, defaultClinic string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			clinicID := extractClinicID(c, defaultClinic)

			ctx, release, err := WithClinic(c.Request().Context(), pool, clinicID)
			switch {
			case errors.Is(err, ErrInvalidClinic):
				return echo.NewHTTPError(http.StatusBadRequest, "invalid clinic identifier")
			case errors.Is(err, ErrDatabaseUnavailable):
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			case err != nil:
				return echo.NewHTTPError(http.StatusInternalServerError, "clinic resolution failed")
			}
			defer release()

			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("clinic_id", clinicID)

			return next(c)
		}
	}
}

// WithClinic acquires a connection whose search_path is the clinic schema and
// returns ctx carrying it and the clinic id. The caller must release it.
func WithClinic(ctx context.Context, pool *pgxpool.Pool, clinicID string) (context.Context, func(), error) {
	if !clinicIDPattern.MatchString(clinicID) {
		return ctx, nil, fmt.Errorf("%w: %q", ErrInvalidClinic, clinicID)
	}
	if pool == nil {
		return ctx, nil, ErrDatabaseUnavailable
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("%w: %v", ErrDatabaseUnavailable, err)
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", ClinicSchema(clinicID))); err != nil {
		conn.Release()
		return ctx, nil, fmt.Errorf("set search_path for clinic %s: %w", clinicID, err)
	}

	ctx = context.WithValue(ctx, ClinicIDKey, clinicID)
	ctx = context.WithValue(ctx, DBConnKey, conn)
	return ctx, conn.Release, nil
}

func extractClinicID(c echo.Context, defaultClinic string) string {
	// JWT claim first, then header, then query parameter.
	if cid, ok := c.Get("jwt_clinic_id").(string); ok && cid != "" {
		return cid
	}
	if cid := c.Request().Header.Get("X-Clinic-ID"); cid != "" {
		return cid
	}
	if cid := c.QueryParam("clinic_id"); cid != "" {
		return cid
	}
	return defaultClinic
}

// ConnFromContext retrieves the clinic-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// ClinicFromContext retrieves the clinic ID from context.
func ClinicFromContext(ctx context.Context) string {
	cid, _ := ctx.Value(ClinicIDKey).(string)
	return cid
}

// CreateClinicSchema creates the schema for a clinic and, when files is
// non-nil, applies every migration in it.
func CreateClinicSchema(ctx context.Context, pool *pgxpool.Pool, clinicID string, files fs.FS) error {
	if !clinicIDPattern.MatchString(clinicID) {
		return fmt.Errorf("invalid clinic identifier: %s", clinicID)
	}

	schema := ClinicSchema(clinicID)

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err = conn.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}

	if files != nil {
		migrator := NewMigratorFS(pool, files)
		if _, err := migrator.Up(ctx, schema); err != nil {
			return fmt.Errorf("run migrations for %s: %w", schema, err)
		}
	}

	return nil
}
