package rest

import (
	"time"

	"github.com/AzielCF/az-post/core/config"
	settingsApp "github.com/AzielCF/az-post/core/settings/application"
	pkgError "github.com/AzielCF/az-post/pkg/error"
	"github.com/AzielCF/az-post/pkg/utils"
	"github.com/gofiber/fiber/v2"
)

type Settings struct {
	Service *settingsApp.SettingsService
}

// settingsRequest uses duration strings ("45m") so operators can write them by hand.
type settingsRequest struct {
	Timezone       *string `json:"timezone"`
	ConflictWindow *string `json:"conflict_window"`
	ExpiryWindow   *string `json:"expiry_window"`
	MaxFailed      *int64  `json:"max_failed"`
	MaxPending     *int64  `json:"max_pending"`
	ProcessEnabled *bool   `json:"process_enabled"`
}

func InitRestSettings(app fiber.Router, service *settingsApp.SettingsService) Settings {
	handler := Settings{Service: service}

	group := app.Group("/scheduler/settings")
	group.Get("/", handler.Get)
	group.Get("/stored", handler.Stored)
	group.Get("/effective", handler.Effective)
	group.Put("/", handler.Update)
	group.Delete("/", handler.Reset)

	return handler
}

func (h *Settings) Get(c *fiber.Ctx) error {
	ds, err := h.Service.GetDynamicSettings(c.UserContext())
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Scheduler settings retrieved",
		Results: ds,
	})
}

func (h *Settings) Stored(c *fiber.Ctx) error {
	rows, err := h.Service.Stored(c.UserContext())
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Stored scheduler overrides",
		Results: rows,
	})
}

// Effective shows the configuration this process is running with.
func (h *Settings) Effective(c *fiber.Ctx) error {
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Effective scheduler configuration",
		Results: config.GetAllSettings(),
	})
}

// Update stores the given overrides. They take effect on the next start.
func (h *Settings) Update(c *fiber.Ctx) error {
	var req settingsRequest
	if err := c.BodyParser(&req); err != nil {
		utils.PanicIfNeeded(pkgError.ValidationError("invalid request body"))
	}

	ctx := c.UserContext()
	if req.Timezone != nil {
		if err := h.Service.SetTimezone(ctx, *req.Timezone); err != nil {
			utils.PanicIfNeeded(pkgError.ValidationError("timezone: " + err.Error()))
		}
	}
	if req.ConflictWindow != nil {
		d, err := time.ParseDuration(*req.ConflictWindow)
		if err != nil {
			utils.PanicIfNeeded(pkgError.ValidationError("conflict_window: " + err.Error()))
		}
		utils.PanicIfNeeded(h.Service.SetConflictWindow(ctx, d))
	}
	if req.ExpiryWindow != nil {
		d, err := time.ParseDuration(*req.ExpiryWindow)
		if err == nil {
			err = h.Service.SetExpiryWindow(ctx, d)
		}
		if err != nil {
			utils.PanicIfNeeded(pkgError.ValidationError("expiry_window: " + err.Error()))
		}
	}
	if req.MaxFailed != nil {
		utils.PanicIfNeeded(h.Service.SetMaxFailed(ctx, *req.MaxFailed))
	}
	if req.MaxPending != nil {
		utils.PanicIfNeeded(h.Service.SetMaxPending(ctx, *req.MaxPending))
	}
	if req.ProcessEnabled != nil {
		utils.PanicIfNeeded(h.Service.SetProcessEnabled(ctx, *req.ProcessEnabled))
	}

	ds, err := h.Service.GetDynamicSettings(ctx)
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Scheduler settings saved, restart to apply",
		Results: ds,
	})
}

func (h *Settings) Reset(c *fiber.Ctx) error {
	utils.PanicIfNeeded(h.Service.Reset(c.UserContext()))

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Scheduler settings reset",
	})
}
