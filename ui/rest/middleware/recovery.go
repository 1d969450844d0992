package middleware

import (
	"fmt"

	pkgError "github.com/AzielCF/az-post/pkg/error"
	"github.com/AzielCF/az-post/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// Recovery renders panics raised through utils.PanicIfNeeded. Typed errors
// keep their status and code, anything else becomes a 500.
func Recovery() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		defer func() {
			err := recover()
			if err != nil {
				var res utils.ResponseData
				res.Status = 500
				res.Code = "INTERNAL_SERVER_ERROR"
				res.Message = fmt.Sprintf("%v", err)

				genericErr, isGeneric := err.(pkgError.GenericError)
				if isGeneric {
					res.Status = genericErr.StatusCode()
					res.Code = genericErr.ErrCode()
					res.Message = genericErr.Error()
				}

				if res.Status >= 500 {
					logrus.WithField("path", ctx.Path()).Errorf("[REST] Panic recovered: %v", err)
				} else {
					logrus.WithField("path", ctx.Path()).Debugf("[REST] %s: %s", res.Code, res.Message)
				}

				_ = ctx.Status(res.Status).JSON(res)
			}
		}()

		return ctx.Next()
	}
}
