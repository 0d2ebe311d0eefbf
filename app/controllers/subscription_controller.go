package controllers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/patronbox/internal/pkg/billing"
	"github.com/ManuelReschke/patronbox/internal/pkg/metrics"
)

// Subscription actions accepted by HandleAction.
const (
	ActionCreateSubscription     = "create_subscription"
	ActionPreparePaymentSetup    = "prepare_payment_setup"
	ActionCompleteSubscription   = "complete_subscription"
	ActionCancelSubscription     = "cancel_subscription"
	ActionReactivateSubscription = "reactivate_subscription"
	ActionVerifySubscription     = "verify_subscription"
	ActionSyncAllSubscriptions   = "sync_all_subscriptions"
	ActionListSubscriptions      = "list_subscriptions"
	ActionCheckAccess            = "check_access"
	ActionGrantManualAccess      = "grant_manual_access"
)

var knownActions = map[string]bool{
	ActionCreateSubscription:     true,
	ActionPreparePaymentSetup:    true,
	ActionCompleteSubscription:   true,
	ActionCancelSubscription:     true,
	ActionReactivateSubscription: true,
	ActionVerifySubscription:     true,
	ActionSyncAllSubscriptions:   true,
	ActionListSubscriptions:      true,
	ActionCheckAccess:            true,
	ActionGrantManualAccess:      true,
}

const actionTimeout = 30 * time.Second

// ActionRequest is the single payload shape of the subscription endpoint.
type ActionRequest struct {
	Action                string     `json:"action" validate:"required"`
	CreatorID             string     `json:"creatorId"`
	TierID                string     `json:"tierId"`
	UserID                string     `json:"userId"`
	SubscriptionID        flexibleID `json:"subscriptionId"`
	ReplaceSubscriptionID flexibleID `json:"replaceSubscriptionId"`
	SetupArtifactID       string     `json:"setupArtifactId"`
	Immediate             bool       `json:"immediate"`
}

type tierTarget struct {
	CreatorID string `validate:"required,max=64"`
	TierID    string `validate:"required,max=64"`
}

type setupTarget struct {
	SetupArtifactID string `validate:"required,max=255"`
}

type recordTarget struct {
	RecordID uint `validate:"required,gt=0"`
}

type externalTarget struct {
	SubscriptionID string `validate:"required,max=255"`
}

type creatorTarget struct {
	CreatorID string `validate:"required,max=64"`
}

type grantTarget struct {
	UserID    string `validate:"required,max=64"`
	CreatorID string `validate:"required,max=64"`
	TierID    string `validate:"required,max=64"`
}

// SubscriptionController serves POST /api/v1/subscriptions/actions.
type SubscriptionController struct {
	svc      *billing.Service
	metrics  *metrics.Metrics
	validate *validator.Validate
}

func NewSubscriptionController(svc *billing.Service, m *metrics.Metrics) *SubscriptionController {
	return &SubscriptionController{svc: svc, metrics: m, validate: validator.New()}
}

// HandleAction decodes the action payload and dispatches it to the billing service.
func (sc *SubscriptionController) HandleAction(c *fiber.Ctx) error {
	started := time.Now()
	var req ActionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "invalid_request",
			"message": "Request body must be JSON",
		})
	}
	req.Action = strings.TrimSpace(req.Action)
	req.CreatorID = strings.TrimSpace(req.CreatorID)
	req.TierID = strings.TrimSpace(req.TierID)
	req.UserID = strings.TrimSpace(req.UserID)
	req.SetupArtifactID = strings.TrimSpace(req.SetupArtifactID)

	ctx, cancel := context.WithTimeout(c.UserContext(), actionTimeout)
	defer cancel()

	result, err := sc.dispatch(ctx, callerFrom(c), &req)
	label := req.Action
	switch {
	case label == "":
		label = "missing"
	case !knownActions[label]:
		label = "unknown"
	}
	sc.metrics.ObserveHandler(label, started, err)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(result)
}

func (sc *SubscriptionController) dispatch(ctx context.Context, caller billing.Caller, req *ActionRequest) (interface{}, error) {
	if err := sc.validate.Struct(req); err != nil {
		return nil, err
	}

	switch req.Action {
	case ActionCreateSubscription:
		in := tierTarget{CreatorID: req.CreatorID, TierID: req.TierID}
		if err := sc.validate.Struct(in); err != nil {
			return nil, err
		}
		return sc.svc.CreateSubscription(ctx, caller, in.CreatorID, in.TierID)

	case ActionPreparePaymentSetup:
		in := tierTarget{CreatorID: req.CreatorID, TierID: req.TierID}
		if err := sc.validate.Struct(in); err != nil {
			return nil, err
		}
		replaceID, err := req.ReplaceSubscriptionID.uint()
		if err != nil {
			return nil, err
		}
		return sc.svc.PreparePaymentSetup(ctx, caller, in.CreatorID, in.TierID, replaceID)

	case ActionCompleteSubscription:
		in := setupTarget{SetupArtifactID: req.SetupArtifactID}
		if err := sc.validate.Struct(in); err != nil {
			return nil, err
		}
		return sc.svc.CompleteSubscription(ctx, caller, in.SetupArtifactID)

	case ActionCancelSubscription, ActionReactivateSubscription:
		id, err := req.SubscriptionID.uint()
		if err != nil {
			return nil, err
		}
		in := recordTarget{RecordID: id}
		if err := sc.validate.Struct(in); err != nil {
			return nil, err
		}
		if req.Action == ActionCancelSubscription {
			return sc.svc.CancelSubscription(ctx, caller, in.RecordID, req.Immediate)
		}
		return sc.svc.ReactivateSubscription(ctx, caller, in.RecordID)

	case ActionVerifySubscription:
		in := externalTarget{SubscriptionID: string(req.SubscriptionID)}
		if err := sc.validate.Struct(in); err != nil {
			return nil, err
		}
		return sc.svc.VerifySubscription(ctx, caller, in.SubscriptionID)

	case ActionSyncAllSubscriptions:
		return sc.svc.SyncAll(ctx, caller, req.CreatorID)

	case ActionListSubscriptions:
		subs, err := sc.svc.ListSubscriptions(ctx, caller)
		if err != nil {
			return nil, err
		}
		return fiber.Map{"subscriptions": subs}, nil

	case ActionCheckAccess:
		in := creatorTarget{CreatorID: req.CreatorID}
		if err := sc.validate.Struct(in); err != nil {
			return nil, err
		}
		return sc.svc.CheckAccess(ctx, caller, in.CreatorID)

	case ActionGrantManualAccess:
		in := grantTarget{UserID: req.UserID, CreatorID: req.CreatorID, TierID: req.TierID}
		if err := sc.validate.Struct(in); err != nil {
			return nil, err
		}
		granted, err := sc.svc.GrantManualAccess(ctx, caller, in.UserID, in.CreatorID, in.TierID)
		if err != nil {
			return nil, err
		}
		return fiber.Map{"granted": granted}, nil

	default:
		return nil, fmt.Errorf("%w: unknown action %q", errInvalidRequest, req.Action)
	}
}
