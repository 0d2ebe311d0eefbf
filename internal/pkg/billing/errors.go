package billing

import "errors"

var (
	ErrAlreadySubscribed   = errors.New("already subscribed to this tier")
	ErrTierNotFound        = errors.New("tier not found")
	ErrPayoutNotConfigured = errors.New("creator has no payout destination configured")
	ErrProviderCallFailed  = errors.New("billing provider call failed")
	ErrRecordNotFound      = errors.New("subscription not found")
	ErrCannotReactivate    = errors.New("subscription can no longer be reactivated")
	ErrConcurrencyConflict = errors.New("subscription changed concurrently")
	ErrPaymentNotConfirmed = errors.New("payment setup has not succeeded")
	ErrForbidden           = errors.New("not allowed to manage this subscription")
	ErrReconcileRunning    = errors.New("reconciliation already running for this scope")

	// ErrProviderNotFound is returned by a Gateway when the provider has no
	// object with the requested id. It is not a ProviderCallFailed.
	ErrProviderNotFound = errors.New("billing provider object not found")
)
