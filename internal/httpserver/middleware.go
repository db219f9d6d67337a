package httpserver

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"

	"github.com/ncecere/idemgate/internal/app"
	"github.com/ncecere/idemgate/internal/httpserver/httputil"
	"github.com/ncecere/idemgate/internal/idempotency"
)

// Idempotent adapts the coordinator to a Fiber handler chain. Fiber buffers
// request bodies, so the coordinator sees the body independent of anything
// downstream handlers read.
func Idempotent(container *app.Container) fiber.Handler {
	coordinator := container.Coordinator
	obs := container.Observability

	return func(c *fiber.Ctx) error {
		route := c.Path()

		req := idempotency.Request{
			Method:  c.Method(),
			URL:     c.BaseURL() + c.OriginalURL(),
			Path:    c.Path(),
			Headers: c.GetReqHeaders(),
			Body:    utils.CopyBytes(c.Body()),
			Key:     c.Get(idempotency.HeaderKey),
		}

		resp, err := coordinator.Execute(c.UserContext(), req, func(context.Context) (*idempotency.Response, error) {
			if err := c.Next(); err != nil {
				return nil, err
			}
			return captureResponse(c), nil
		})
		if err != nil {
			switch {
			case errors.Is(err, idempotency.ErrMissingKey):
				obs.RecordIdempotency(route, "missing_key")
				return httputil.WriteError(c, fiber.StatusBadRequest, err.Error())
			case errors.Is(err, idempotency.ErrSignatureConflict):
				obs.RecordIdempotency(route, "conflict")
				return httputil.WriteError(c, fiber.StatusConflict, err.Error())
			case errors.Is(err, idempotency.ErrInProgress):
				obs.RecordIdempotency(route, "in_progress")
				return httputil.WriteError(c, fiber.StatusTooEarly, err.Error())
			default:
				// Storage failures and handler errors reach the app error
				// handler unchanged.
				return err
			}
		}

		outcome := resp.Headers[idempotency.HeaderStatus]
		if outcome == "" {
			outcome = "bypass"
		}
		obs.RecordIdempotency(route, outcome)

		for name, value := range resp.Headers {
			c.Set(name, value)
		}
		return c.Status(resp.StatusCode).Send(resp.Body)
	}
}

// captureResponse snapshots the downstream handler's output from the Fiber
// response buffer.
func captureResponse(c *fiber.Ctx) *idempotency.Response {
	res := c.Response()

	headers := make(map[string]string)
	res.Header.VisitAll(func(key, value []byte) {
		headers[string(key)] = string(value)
	})

	contentType := string(res.Header.ContentType())

	return &idempotency.Response{
		StatusCode: res.StatusCode(),
		Headers:    headers,
		Body:       utils.CopyBytes(res.Body()),
		JSONBody:   strings.HasPrefix(contentType, fiber.MIMEApplicationJSON),
	}
}
