package db

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

type downPool struct{}

func (downPool) Ping(context.Context) error {
	return errors.New("dial tcp 10.0.0.7:5432: connection refused")
}

func (downPool) Stat() *pgxpool.Stat { return nil }

func TestHealthHandler_UnhealthyHidesError(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health/db", nil), rec)

	if err := HealthHandler(downPool{}, zerolog.Nop())(c); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "10.0.0.7") {
		t.Errorf("connection detail leaked: %s", rec.Body.String())
	}
}
