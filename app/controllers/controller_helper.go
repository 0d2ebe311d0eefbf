package controllers

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/patronbox/internal/pkg/billing"
	"github.com/ManuelReschke/patronbox/internal/pkg/usercontext"
)

var errInvalidRequest = errors.New("invalid request")

// flexibleID accepts ids sent either as JSON strings or numbers.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexibleID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*f = flexibleID(n.String())
	return nil
}

func (f flexibleID) uint() (uint, error) {
	if f == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(string(f), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a record id", errInvalidRequest, string(f))
	}
	return uint(v), nil
}

func callerFrom(c *fiber.Ctx) billing.Caller {
	uc := usercontext.GetUserContext(c)
	return billing.Caller{UserID: uc.UserID, Email: uc.Email, IsAdmin: uc.IsAdmin}
}

type errorMapping struct {
	target  error
	status  int
	code    string
	message string
}

// errorMappings is ordered: wrapped conflicts must match AlreadySubscribed
// before the bare ConcurrencyConflict entry.
var errorMappings = []errorMapping{
	{billing.ErrAlreadySubscribed, fiber.StatusConflict, "already_subscribed", "An active subscription already exists for this tier"},
	{billing.ErrCannotReactivate, fiber.StatusConflict, "cannot_reactivate", "The subscription has already ended"},
	{billing.ErrConcurrencyConflict, fiber.StatusConflict, "concurrency_conflict", "The subscription changed while processing the request"},
	{billing.ErrReconcileRunning, fiber.StatusConflict, "reconcile_running", "A reconciliation for this scope is already running"},
	{billing.ErrTierNotFound, fiber.StatusNotFound, "tier_not_found", "Tier not found"},
	{billing.ErrRecordNotFound, fiber.StatusNotFound, "not_found", "Subscription not found"},
	{billing.ErrPayoutNotConfigured, fiber.StatusUnprocessableEntity, "payout_not_configured", "The creator cannot accept payments yet"},
	{billing.ErrPaymentNotConfirmed, fiber.StatusUnprocessableEntity, "payment_not_confirmed", "The payment method has not been confirmed"},
	{billing.ErrForbidden, fiber.StatusForbidden, "forbidden", "Not allowed"},
	{billing.ErrProviderCallFailed, fiber.StatusBadGateway, "provider_error", "The billing provider request failed"},
}

// writeError maps billing errors to HTTP responses.
func writeError(c *fiber.Ctx, err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fe.Field())
		}
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "validation_failed",
			"message": "Invalid or missing fields",
			"fields":  fields,
		})
	}
	if errors.Is(err, errInvalidRequest) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	}

	for _, m := range errorMappings {
		if !errors.Is(err, m.target) {
			continue
		}
		body := fiber.Map{"error": m.code, "message": m.message}
		if errors.Is(err, billing.ErrConcurrencyConflict) {
			body["hint"] = "refresh"
		}
		return c.Status(m.status).JSON(body)
	}

	log.Errorf("[API] Unhandled error: %v", err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error":   "internal_error",
		"message": "Internal server error",
	})
}
