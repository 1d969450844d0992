package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/AzielCF/az-post/pkg/workerpool"
	"github.com/gofiber/fiber/v2"
)

func TestGetDispatchPoolStats_Uninitialized(t *testing.T) {
	app := fiber.New()
	app.Get("/api/scheduler/workers", GetDispatchPoolStats)

	origPool := dispatchPool
	t.Cleanup(func() { dispatchPool = origPool })
	dispatchPool = nil

	req := httptest.NewRequest(http.MethodGet, "/api/scheduler/workers", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
}

func TestGetDispatchPoolStats_Initialized(t *testing.T) {
	app := fiber.New()

	ctx, cancel := context.WithCancel(context.Background())
	pool := workerpool.New(2, 10)
	pool.Start(ctx)

	origPool := dispatchPool
	t.Cleanup(func() {
		cancel()
		pool.Stop()
		dispatchPool = origPool
	})
	InitRestWorkerPool(app.Group("/api"), pool)

	req := httptest.NewRequest(http.MethodGet, "/api/scheduler/workers", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
}
