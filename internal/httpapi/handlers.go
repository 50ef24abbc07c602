package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"outbound-voice/internal/audit"
	"outbound-voice/internal/auth"
	"outbound-voice/internal/calls"
	"outbound-voice/internal/campaigns"
	"outbound-voice/internal/rbac"
	"outbound-voice/internal/reporting"
	"outbound-voice/internal/session"
	"outbound-voice/pkg/logger"

	"github.com/gin-gonic/gin"
)

// MetaRequestedBy is the call metadata key holding the user who placed a
// single call through the API.
const MetaRequestedBy = "requested_by"

// Dialer places single outbound calls.
type Dialer interface {
	PlaceOutbound(ctx context.Context, req session.OutboundRequest) (calls.Call, error)
}

// Check is one named readiness probe for /healthz.
type Check func(ctx context.Context) error

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth *auth.Manager
	// AllowLogin enables the development login endpoint.
	AllowLogin bool

	Campaigns *campaigns.Service
	Calls     *calls.Service
	Analyses  calls.AnalysisRepository
	Dialer    Dialer
	Reporting *reporting.Service
	Audit     *audit.Service

	Checks map[string]Check
	Now    func() time.Time
}

// Register mounts the admin API.
func (h Handlers) Register(r gin.IRouter) {
	r.GET("/healthz", h.Healthz)
	if h.AllowLogin {
		r.POST("/v1/auth/login", h.Login)
	}

	v1 := r.Group("/v1", auth.RequireAccessToken(h.Auth), rbac.RequireUser())
	v1.GET("/me", h.Me)

	read := rbac.RequireAnyRole(rbac.Readers...)
	write := rbac.RequireAnyRole(rbac.Writers...)

	v1.POST("/campaigns", write, h.CreateCampaign)
	v1.GET("/campaigns", read, h.ListCampaigns)
	v1.GET("/campaigns/:id", read, h.GetCampaign)
	v1.POST("/campaigns/:id/contacts", write, h.AddContacts)
	v1.GET("/campaigns/:id/events", read, h.CampaignEvents)

	v1.POST("/calls", write, h.PlaceCall)
	v1.GET("/calls/:id", read, h.GetCall)

	v1.GET("/reports/calls", read, h.CallsReport)
}

func (h Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// --- Health ---

func (h Handlers) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	out := gin.H{}
	for name, check := range h.Checks {
		if err := check(ctx); err != nil {
			logger.FromGin(c).Warn("health check failed", "check", name, "err", err)
			out[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		out[name] = "ok"
	}
	c.JSON(status, gin.H{"status": http.StatusText(status), "checks": out})
}

// --- Auth ---

type loginRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Login issues a JWT token pair.
//
// NOTE: development only. Real deployments issue tokens from an identity provider.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || !rbac.Valid(req.Role) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id and a valid role required"})
		return
	}
	pair, err := h.Auth.IssuePair(h.now(), req.UserID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

func (h Handlers) Me(c *gin.Context) {
	userID, role := identity(c)
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "role": role, "sees_all": rbac.SeesAll(role)})
}

// --- Campaigns ---

type createCampaignRequest struct {
	Name               string                 `json:"name"`
	AgentID            string                 `json:"agent_id"`
	Settings           *campaigns.Settings    `json:"settings,omitempty"`
	ScheduledStartTime *time.Time             `json:"scheduled_start_time,omitempty"`
	Contacts           []campaigns.NewContact `json:"contacts"`
}

func (h Handlers) CreateCampaign(c *gin.Context) {
	userID, _ := identity(c)
	var req createCampaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	camp, err := h.Campaigns.Create(c.Request.Context(), campaigns.NewCampaign{
		Name:               req.Name,
		AgentID:            req.AgentID,
		OwnerUserID:        userID,
		Settings:           req.Settings,
		ScheduledStartTime: req.ScheduledStartTime,
		Contacts:           req.Contacts,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	h.record(c, audit.Event{CampaignID: camp.ID, Message: "campaign created"}, map[string]any{"contacts": len(req.Contacts)})
	c.JSON(http.StatusCreated, camp)
}

func (h Handlers) ListCampaigns(c *gin.Context) {
	userID, role := identity(c)
	f := campaigns.ListFilter{}
	if !rbac.SeesAll(role) {
		f.OwnerUserID = userID
	}
	if s := c.Query("state"); s != "" {
		f.States = []campaigns.State{campaigns.State(s)}
	}
	list, err := h.Campaigns.List(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	if list == nil {
		list = []campaigns.Campaign{}
	}
	c.JSON(http.StatusOK, gin.H{"campaigns": list})
}

func (h Handlers) GetCampaign(c *gin.Context) {
	camp, ok := h.campaignFor(c)
	if !ok {
		return
	}
	if h.Reporting != nil {
		if stats, err := h.Reporting.RefreshCampaign(c.Request.Context(), camp.ID); err == nil {
			camp.Stats = stats
		} else {
			logger.FromGin(c).Warn("refresh campaign stats", "campaign_id", camp.ID, "err", err)
		}
	}
	c.JSON(http.StatusOK, camp)
}

type addContactsRequest struct {
	Contacts []campaigns.NewContact `json:"contacts"`
}

func (h Handlers) AddContacts(c *gin.Context) {
	camp, ok := h.campaignFor(c)
	if !ok {
		return
	}
	var req addContactsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	n, err := h.Campaigns.AddContacts(c.Request.Context(), camp.ID, req.Contacts)
	if err != nil {
		writeError(c, err)
		return
	}
	h.record(c, audit.Event{CampaignID: camp.ID, Message: "contacts added"}, map[string]any{"added": n})
	c.JSON(http.StatusCreated, gin.H{"added": n})
}

func (h Handlers) CampaignEvents(c *gin.Context) {
	camp, ok := h.campaignFor(c)
	if !ok {
		return
	}
	if h.Audit == nil {
		c.JSON(http.StatusOK, gin.H{"events": []audit.Event{}})
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	events, err := h.Audit.Campaign(c.Request.Context(), camp.ID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// campaignFor loads the :id campaign and enforces ownership. It writes the
// error response itself.
func (h Handlers) campaignFor(c *gin.Context) (campaigns.Campaign, bool) {
	userID, role := identity(c)
	camp, err := h.Campaigns.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return campaigns.Campaign{}, false
	}
	if !rbac.CanAccess(userID, role, camp.OwnerUserID) {
		// Indistinguishable from a missing campaign.
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return campaigns.Campaign{}, false
	}
	return camp, true
}

// --- Calls ---

type placeCallRequest struct {
	AgentID     string            `json:"agent_id"`
	To          string            `json:"to"`
	ContactName string            `json:"contact_name,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (h Handlers) PlaceCall(c *gin.Context) {
	userID, _ := identity(c)
	var req placeCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.AgentID == "" || !campaigns.ValidPhone(req.To) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "agent_id and an E.164 to number required"})
		return
	}
	md := make(map[string]string, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		md[k] = v
	}
	md[MetaRequestedBy] = userID

	call, err := h.Dialer.PlaceOutbound(c.Request.Context(), session.OutboundRequest{
		AgentID:     req.AgentID,
		To:          req.To,
		ContactName: req.ContactName,
		Metadata:    md,
	})
	if err != nil {
		if errors.Is(err, session.ErrPlacementFailed) && call.ID != "" {
			logger.WithCallID(c, call.ID).Warn("single call placement failed", "err", err)
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "call placement failed", "call_id": call.ID})
			return
		}
		writeError(c, err)
		return
	}
	h.record(c, audit.Event{CallID: call.ID, Message: "call placed"}, map[string]any{"agent_id": req.AgentID})
	c.JSON(http.StatusCreated, call)
}

type callResponse struct {
	Call       calls.Call      `json:"call"`
	Transcript []calls.Turn    `json:"transcript"`
	Analysis   *calls.Analysis `json:"analysis,omitempty"`
}

func (h Handlers) GetCall(c *gin.Context) {
	ctx := c.Request.Context()
	userID, role := identity(c)

	call, err := h.Calls.Get(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !h.canSeeCall(ctx, userID, role, call) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	tr, err := h.Calls.Transcript(ctx, call.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	if tr == nil {
		tr = []calls.Turn{}
	}
	out := callResponse{Call: call, Transcript: tr}
	if h.Analyses != nil {
		a, err := h.Analyses.GetAnalysis(ctx, call.ID)
		switch {
		case err == nil:
			out.Analysis = &a
		case !errors.Is(err, calls.ErrNotFound):
			logger.WithCallID(c, call.ID).Warn("load analysis", "err", err)
		}
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) canSeeCall(ctx context.Context, userID, role string, call calls.Call) bool {
	if rbac.SeesAll(role) {
		return true
	}
	if call.CampaignID == "" {
		return call.Metadata[MetaRequestedBy] == userID
	}
	camp, err := h.Campaigns.Get(ctx, call.CampaignID)
	if err != nil {
		return false
	}
	return rbac.CanAccess(userID, role, camp.OwnerUserID)
}

// --- Reports ---

// CallsReport summarizes calls in [from, to). Callers that do not see every
// campaign must name one they own.
func (h Handlers) CallsReport(c *gin.Context) {
	userID, role := identity(c)
	from, err1 := time.Parse(time.RFC3339, c.Query("from"))
	to, err2 := time.Parse(time.RFC3339, c.Query("to"))
	if err1 != nil || err2 != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from and to must be RFC3339"})
		return
	}
	campaignID := c.Query("campaign_id")
	if !rbac.SeesAll(role) {
		if campaignID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "campaign_id required"})
			return
		}
		camp, err := h.Campaigns.Get(c.Request.Context(), campaignID)
		if err != nil || !rbac.CanAccess(userID, role, camp.OwnerUserID) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
	}
	sum, err := h.Reporting.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{
		Range:      reporting.TimeRange{From: from, To: to},
		CampaignID: campaignID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

// --- helpers ---

func identity(c *gin.Context) (userID, role string) {
	userID, _ = auth.UserID(c.Request.Context())
	role, _ = auth.Role(c.Request.Context())
	return userID, role
}

func (h Handlers) record(c *gin.Context, e audit.Event, details map[string]any) {
	if h.Audit == nil {
		return
	}
	userID, _ := identity(c)
	e.Type = audit.EventOperatorAction
	e.Actor = userID
	h.Audit.Record(c.Request.Context(), e, details)
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, campaigns.ErrNotFound), errors.Is(err, calls.ErrNotFound), errors.Is(err, session.ErrAgentNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, campaigns.ErrInvalidArgument), errors.Is(err, campaigns.ErrInvalidSettings), errors.Is(err, calls.ErrInvalidArgument),
		errors.Is(err, reporting.ErrInvalidRequest), errors.Is(err, audit.ErrInvalidEvent):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, calls.ErrAgentInactive):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		logger.FromGin(c).Error("request failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
