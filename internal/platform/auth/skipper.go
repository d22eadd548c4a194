package auth

import (
	"github.com/labstack/echo/v4"
)

// publicRoutes are served without a token. Matching is on the registered
// route, so "/health/anything" is not public just because "/health" is.
var publicRoutes = map[string]bool{
	"/health":           true,
	"/health/db":        true,
	"/metrics":          true,
	"/api/openapi.json": true,
	"/api/docs":         true,
}

// AuthSkipper reports whether the matched route of c is public.
func AuthSkipper(c echo.Context) bool {
	return IsPublicPath(c.Path())
}

func IsPublicPath(route string) bool {
	return publicRoutes[route]
}
