package rest

import (
	domainScheduler "github.com/AzielCF/az-post/domains/scheduler"
	"github.com/AzielCF/az-post/pkg/utils"
	"github.com/gofiber/fiber/v2"
)

type Health struct {
	Service domainScheduler.ISchedulerUsecase
}

func InitRestHealth(app fiber.Router, service domainScheduler.ISchedulerUsecase) Health {
	handler := Health{Service: service}

	group := app.Group("/scheduler/health")
	group.Get("/", handler.GetStatus)
	group.Post("/check", handler.Check)

	return handler
}

func (h *Health) GetStatus(c *fiber.Ctx) error {
	report, err := h.Service.Health(c.UserContext())
	utils.PanicIfNeeded(err)

	status := fiber.StatusOK
	code := "SUCCESS"
	if !report.Healthy {
		status = fiber.StatusServiceUnavailable
		code = "UNHEALTHY"
	}
	return c.Status(status).JSON(utils.ResponseData{
		Status:  status,
		Code:    code,
		Message: "Scheduler health retrieved",
		Results: report,
	})
}

func (h *Health) Check(c *fiber.Ctx) error {
	report, err := h.Service.RunHealthCheck(c.UserContext())
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Health sweep completed",
		Results: report,
	})
}
