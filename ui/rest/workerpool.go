package rest

import (
	"github.com/AzielCF/az-post/pkg/workerpool"
	"github.com/gofiber/fiber/v2"
)

// dispatchPool runs dispatched publish jobs; nil until the rest command starts it.
var dispatchPool *workerpool.Pool

func SetDispatchPool(pool *workerpool.Pool) {
	dispatchPool = pool
}

func InitRestWorkerPool(app fiber.Router, pool *workerpool.Pool) {
	SetDispatchPool(pool)
	app.Get("/scheduler/workers", GetDispatchPoolStats)
}

// GetDispatchPoolStats returns real-time dispatcher worker pool statistics
func GetDispatchPoolStats(c *fiber.Ctx) error {
	if dispatchPool == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Dispatch worker pool not initialized",
		})
	}

	stats := dispatchPool.GetStats()
	return c.JSON(stats)
}
