package telephony

import (
	"context"

	"outbound-voice/internal/session"
)

// Provider is the carrier adapter used by business logic.
//
// Rules:
// - No provider SDK calls outside telephony adapters.
// - Keep request/response types provider-agnostic; call control happens
//   through session.Carrier, conversation through the webhook handlers.
type Provider interface {
	session.Carrier
	Name() string
	HealthCheck(ctx context.Context) error
}

var (
	_ Provider = (*TwilioCarrier)(nil)
	_ Provider = (*SimulatedCarrier)(nil)
)
