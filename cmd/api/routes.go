package main

import (
	"github.com/gin-gonic/gin"

	"outbound-voice/internal/app"
	"outbound-voice/internal/auth"
	"outbound-voice/internal/httpapi"
	"outbound-voice/internal/telephony"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, a *app.App, authManager *auth.Manager) {
	// Carrier webhooks (public, signed by Twilio).
	var carrierMW []gin.HandlerFunc
	if a.Config.Twilio.ValidateSignatures {
		carrierMW = append(carrierMW, telephony.RequireSignature(a.Config.Twilio.AuthToken, a.Config.App.PublicBaseURL))
	}
	telephony.NewHandlers(a.Sessions, a.TwiML).Register(r, carrierMW...)

	// Admin API: /healthz and the JWT-protected /v1 group.
	httpapi.Handlers{
		Auth:       authManager,
		AllowLogin: !a.Config.IsProduction(),
		Campaigns:  a.Campaigns,
		Calls:      a.Calls,
		Analyses:   a.Stores.Calls,
		Dialer:     a.Sessions,
		Reporting:  a.Reporting,
		Audit:      a.Audit,
		Checks:     a.Checks(),
	}.Register(r)
}
