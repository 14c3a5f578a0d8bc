package auth

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	RolePatient = "patient"
	RoleDoctor  = "doctor"
	RoleIntern  = "intern"
	RoleAdmin   = "admin"
)

// RequireRole returns middleware that checks if the user has at least one of
// the specified roles. Admins pass every check.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userRoles := RolesFromContext(c.Request().Context())
			for _, required := range roles {
				for _, has := range userRoles {
					if has == required || has == RoleAdmin {
						return next(c)
					}
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// HasRole reports whether the caller holds role.
func HasRole(ctx context.Context, role string) bool {
	for _, r := range RolesFromContext(ctx) {
		if r == role {
			return true
		}
	}
	return false
}

// CanActForPatient reports whether the caller may read or change records of
// patientID. Staff roles may act for any patient; a caller whose only role is
// patient may act only for itself.
func CanActForPatient(ctx context.Context, patientID int64) bool {
	roles := RolesFromContext(ctx)
	if len(roles) == 0 {
		return false
	}
	for _, r := range roles {
		if r != RolePatient {
			return true
		}
	}
	return UserIDFromContext(ctx) == strconv.FormatInt(patientID, 10)
}
