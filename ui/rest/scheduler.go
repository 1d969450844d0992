package rest

import (
	"strings"

	domainScheduler "github.com/AzielCF/az-post/domains/scheduler"
	"github.com/AzielCF/az-post/pkg/utils"
	"github.com/gofiber/fiber/v2"
)

type Scheduler struct {
	Service domainScheduler.ISchedulerUsecase
}

type cancelRequest struct {
	Reason string `json:"reason" form:"reason" query:"reason"`
}

func InitRestScheduler(app fiber.Router, service domainScheduler.ISchedulerUsecase) Scheduler {
	rest := Scheduler{Service: service}
	app.Post("/scheduler/events", rest.Create)
	app.Get("/scheduler/events", rest.List)
	app.Delete("/scheduler/events", rest.UnscheduleByPost)
	app.Get("/scheduler/events/:id", rest.Get)
	app.Patch("/scheduler/events/:id", rest.Update)
	app.Delete("/scheduler/events/:id", rest.Cancel)
	app.Post("/scheduler/events/:id/retry", rest.Retry)
	app.Get("/scheduler/events/:id/actions", rest.Actions)
	app.Get("/scheduler/stats", rest.Stats)
	return rest
}

func (controller *Scheduler) Create(c *fiber.Ctx) error {
	var request domainScheduler.CreateRequest
	err := c.BodyParser(&request)
	utils.PanicIfNeeded(err)

	scheduled, err := controller.Service.Create(c.UserContext(), request)
	utils.PanicIfNeeded(err)

	return c.Status(fiber.StatusCreated).JSON(utils.ResponseData{
		Status:  fiber.StatusCreated,
		Code:    "SUCCESS",
		Message: "Post scheduled",
		Results: scheduled,
	})
}

func (controller *Scheduler) List(c *fiber.Ctx) error {
	var request domainScheduler.ListRequest
	err := c.QueryParser(&request)
	utils.PanicIfNeeded(err)
	request.Status = splitCSV(request.Status)
	if request.PostID == "" {
		request.PostID = c.Query("postId")
	}

	posts, err := controller.Service.List(c.UserContext(), request)
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Success fetch scheduled posts",
		Results: posts,
	})
}

func (controller *Scheduler) Get(c *fiber.Ctx) error {
	scheduled, err := controller.Service.Get(c.UserContext(), c.Params("id"))
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Success fetch scheduled post",
		Results: scheduled,
	})
}

func (controller *Scheduler) Update(c *fiber.Ctx) error {
	var request domainScheduler.UpdateRequest
	err := c.BodyParser(&request)
	utils.PanicIfNeeded(err)

	scheduled, err := controller.Service.Update(c.UserContext(), c.Params("id"), request)
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Scheduled post updated",
		Results: scheduled,
	})
}

// Cancel withdraws a post. With ?purge=true a terminal record is deleted instead.
func (controller *Scheduler) Cancel(c *fiber.Ctx) error {
	id := c.Params("id")
	if c.QueryBool("purge") {
		err := controller.Service.Delete(c.UserContext(), id)
		utils.PanicIfNeeded(err)
		return c.JSON(utils.ResponseData{
			Status:  200,
			Code:    "SUCCESS",
			Message: "Scheduled post deleted",
		})
	}

	request := cancelRequest{Reason: c.Query("reason")}
	if len(c.Body()) > 0 {
		err := c.BodyParser(&request)
		utils.PanicIfNeeded(err)
	}

	scheduled, err := controller.Service.Cancel(c.UserContext(), id, request.Reason)
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Scheduled post cancelled",
		Results: scheduled,
	})
}

func (controller *Scheduler) UnscheduleByPost(c *fiber.Ctx) error {
	postID := c.Query("postId", c.Query("post_id"))
	if postID == "" {
		return c.Status(400).JSON(utils.ResponseData{
			Status:  400,
			Code:    "BAD_REQUEST",
			Message: "postId is required",
		})
	}

	result, err := controller.Service.UnscheduleByPost(c.UserContext(), postID, c.Query("reason"))
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Scheduled posts cancelled",
		Results: result,
	})
}

func (controller *Scheduler) Retry(c *fiber.Ctx) error {
	scheduled, err := controller.Service.Retry(c.UserContext(), c.Params("id"))
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Retry scheduled",
		Results: scheduled,
	})
}

func (controller *Scheduler) Actions(c *fiber.Ctx) error {
	actions, err := controller.Service.AvailableActions(c.UserContext(), c.Params("id"))
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Available actions",
		Results: actions,
	})
}

func (controller *Scheduler) Stats(c *fiber.Ctx) error {
	stats, err := controller.Service.Stats(c.UserContext())
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Scheduler stats",
		Results: stats,
	})
}

func splitCSV(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, strings.ToUpper(part))
			}
		}
	}
	return out
}
