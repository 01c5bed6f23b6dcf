// Package api exposes the HTTP surface: synchronous browser operations,
// asynchronous queueing, statistics and health endpoints. Handlers
// translate the dispatch core's typed errors into HTTP status codes.
package api

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/steveteneriello/browserless/balancer"
	"github.com/steveteneriello/browserless/breaker"
	"github.com/steveteneriello/browserless/dispatch"
	"github.com/steveteneriello/browserless/pool"
	"github.com/steveteneriello/browserless/queue"
	"github.com/steveteneriello/browserless/worker"
)

// ErrorResponse is the schema of every error body.
type ErrorResponse struct {
	Code    string `json:"code"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// WriteError writes a structured error response. This is the canonical
// way to write error bodies and keeps them consistent across handlers.
func WriteError(c *fiber.Ctx, status int, title, message string) error {
	return c.Status(status).JSON(ErrorResponse{
		Code:    strconv.Itoa(status),
		Title:   title,
		Message: message,
	})
}

// OK sends a 200 response with a JSON body.
func OK(c *fiber.Ctx, body any) error {
	return c.Status(fiber.StatusOK).JSON(body)
}

// Accepted sends a 202 response with a JSON body.
func Accepted(c *fiber.Ctx, body any) error {
	return c.Status(fiber.StatusAccepted).JSON(body)
}

// dispatchError maps the typed error taxonomy onto HTTP statuses.
func dispatchError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, balancer.ErrNoHealthyBackend):
		return WriteError(c, fiber.StatusServiceUnavailable, "No Healthy Backend", err.Error())
	case breaker.IsRejection(err):
		return WriteError(c, fiber.StatusServiceUnavailable, "Circuit Open", err.Error())
	case errors.Is(err, pool.ErrCapacityExceeded), errors.Is(err, queue.ErrQueueFull):
		return WriteError(c, fiber.StatusTooManyRequests, "Capacity Exceeded", err.Error())
	case errors.Is(err, breaker.ErrTimeout):
		return WriteError(c, fiber.StatusGatewayTimeout, "Timeout", err.Error())
	case errors.Is(err, pool.ErrSessionNotFound), errors.Is(err, queue.ErrJobNotFound):
		return WriteError(c, fiber.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, pool.ErrLaunchFailed):
		return WriteError(c, fiber.StatusBadGateway, "Worker Launch Failed", err.Error())
	case errors.Is(err, worker.ErrUpstream):
		return WriteError(c, fiber.StatusBadGateway, "Upstream Error", err.Error())
	case errors.Is(err, dispatch.ErrShuttingDown):
		return WriteError(c, fiber.StatusServiceUnavailable, "Shutting Down", err.Error())
	default:
		return WriteError(c, fiber.StatusInternalServerError, "Internal Error", err.Error())
	}
}
