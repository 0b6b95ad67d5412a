package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "jwt-test-secret"

func signToken(t *testing.T, method jwt.SigningMethod, key any, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

// whoami echoes the identity placed in the context.
func whoami(c echo.Context) error {
	role, _ := c.Get("role").(string)
	return c.JSON(http.StatusOK, echo.Map{"user": subject(c), "role": role})
}

func serve(e *echo.Echo, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestJWTAuth(t *testing.T) {
	e := echo.New()
	e.GET("/me", whoami, JWTAuth(testSecret))

	valid := signToken(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{
		"sub": "7", "role": "CUSTOMER", "exp": time.Now().Add(time.Hour).Unix(),
	})
	rec := serve(e, valid)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user":"7","role":"CUSTOMER"}`, rec.Body.String())

	tests := map[string]string{
		"missing":    "",
		"wrong key":  signToken(t, jwt.SigningMethodHS256, []byte("other"), jwt.MapClaims{"sub": "7"}),
		"expired":    signToken(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"sub": "7", "exp": time.Now().Add(-time.Minute).Unix()}),
		"no subject": signToken(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"role": "OWNER"}),
		"hs512":      signToken(t, jwt.SigningMethodHS512, []byte(testSecret), jwt.MapClaims{"sub": "7"}),
		"garbage":    "not.a.token",
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, http.StatusUnauthorized, serve(e, token).Code)
		})
	}
}

func TestJWTAuth_DisabledWithoutSecret(t *testing.T) {
	e := echo.New()
	e.GET("/me", whoami, JWTAuth(""))

	rec := serve(e, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user":"anon","role":""}`, rec.Body.String())
}

func TestRequireRole(t *testing.T) {
	e := echo.New()
	e.GET("/me", whoami, JWTAuth(testSecret), RequireRole(true, "STAFF", "OWNER"))

	staff := signToken(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"sub": "3", "role": "STAFF"})
	assert.Equal(t, http.StatusOK, serve(e, staff).Code)

	customer := signToken(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"sub": "7", "role": "CUSTOMER"})
	assert.Equal(t, http.StatusForbidden, serve(e, customer).Code)

	open := echo.New()
	open.GET("/me", whoami, RequireRole(false, "STAFF"))
	assert.Equal(t, http.StatusOK, serve(open, "").Code)
}
