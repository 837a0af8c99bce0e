package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pesio-ai/be-sales-quotes/internal/repository"
	"github.com/pesio-ai/be-sales-quotes/internal/service"
	"github.com/pesio-ai/be-sales-quotes/pkg/errors"
	"github.com/pesio-ai/be-sales-quotes/pkg/logger"
	"github.com/pesio-ai/be-sales-quotes/pkg/middleware"
)

// adminRole gates stock and delivery queue administration.
const adminRole = "admin"

// HTTPHandler serves the quote lifecycle API.
type HTTPHandler struct {
	quotes       *service.QuoteService
	gate         *service.ApprovalGate
	reservations *service.ReservationManager
	queue        *service.DeliveryQueue
	gateway      *service.ClientGateway
	health       *HealthReporter
	log          *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(
	quotes *service.QuoteService,
	gate *service.ApprovalGate,
	reservations *service.ReservationManager,
	queue *service.DeliveryQueue,
	gateway *service.ClientGateway,
	health *HealthReporter,
	log *logger.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		quotes:       quotes,
		gate:         gate,
		reservations: reservations,
		queue:        queue,
		gateway:      gateway,
		health:       health,
		log:          log.Component("http"),
	}
}

// Register mounts every route on r. clientLimiter throttles the public client
// endpoints; nil leaves them unthrottled.
func (h *HTTPHandler) Register(r *gin.Engine, clientLimiter *middleware.RateLimiter) {
	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1", middleware.Identify())
	{
		quotes := api.Group("/quotes", requireUUID("quote"))
		quotes.POST("", h.CreateQuote)
		quotes.GET("", h.ListQuotes)
		quotes.GET("/:id", h.GetQuote)
		quotes.GET("/:id/history", h.GetHistory)
		quotes.PUT("/:id/items", h.UpdateItems)
		quotes.POST("/:id/transition", h.Transition)
		quotes.POST("/:id/reservation", h.Reserve)
		quotes.DELETE("/:id/reservation", h.Release)
		quotes.GET("/:id/approvals", h.ListQuoteApprovals)

		approvals := api.Group("/approvals", requireUUID("approval_request"))
		approvals.GET("/pending", h.ListPendingApprovals)
		approvals.GET("/:id", h.GetApproval)
		approvals.POST("/:id/decision", h.DecideApproval)

		api.GET("/stock/:sku", h.GetAvailability)

		admin := api.Group("", requireRole(adminRole))
		admin.PUT("/stock/:sku", h.SetStock)
		admin.GET("/queue", h.ListQueue)
		admin.POST("/queue", h.Enqueue)
		admin.POST("/queue/drain", h.Drain)
		admin.GET("/queue/:id", requireUUID("delivery_queue_item"), h.GetQueueItem)
		admin.POST("/queue/:id/retry", requireUUID("delivery_queue_item"), h.RetryQueueItem)
		admin.DELETE("/queue/:id", requireUUID("delivery_queue_item"), h.DeleteQueueItem)
		admin.GET("/delivery-logs", h.ListDeliveryLogs)
	}

	webhooks := r.Group("/webhooks")
	webhooks.POST("/delivery", h.DeliveryWebhook)
	webhooks.POST("/sendgrid", h.SendGridWebhook)

	clientRoutes := r.Group("/client/quotes")
	if clientLimiter != nil {
		clientRoutes.Use(clientLimiter.Middleware())
	}
	clientRoutes.GET("/:token", h.ClientView)
	clientRoutes.POST("/:token", h.ClientRespond)
}

// ClientTokenKey buckets client rate limiting by access token, falling back to
// the caller IP.
func ClientTokenKey(c *gin.Context) string {
	if token := c.Param("token"); token != "" {
		return "token:" + service.HashToken(token)
	}
	return "ip:" + c.ClientIP()
}

// Health reports the last dependency probe.
func (h *HTTPHandler) Health(c *gin.Context) {
	if h.health != nil && !h.health.Healthy() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// ── Quotes ───────────────────────────────────────────────────────────────────

// CreateQuote creates a draft quote owned by the caller.
func (h *HTTPHandler) CreateQuote(c *gin.Context) {
	var req createQuoteRequest
	if !h.bind(c, &req) {
		return
	}

	quote, err := h.quotes.CreateQuote(c.Request.Context(), &service.CreateQuoteRequest{
		OwnerID:     actor(c).ID,
		ClientName:  req.ClientName,
		ClientEmail: req.ClientEmail,
		ClientPhone: req.ClientPhone,
		Currency:    req.Currency,
		ValidDays:   req.ValidDays,
		Items:       req.Items,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toQuoteResponse(quote))
}

// GetQuote returns one quote.
func (h *HTTPHandler) GetQuote(c *gin.Context) {
	quote, err := h.quotes.GetQuote(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toQuoteResponse(quote))
}

// ListQuotes lists quotes filtered by owner_id and status.
func (h *HTTPHandler) ListQuotes(c *gin.Context) {
	page, pageSize := pagination(c)
	ownerID := optionalQuery(c, "owner_id")
	status := optionalQuery(c, "status")

	quotes, total, err := h.quotes.ListQuotes(c.Request.Context(), ownerID, status, page, pageSize)
	if err != nil {
		h.fail(c, err)
		return
	}

	out := make([]quoteResponse, 0, len(quotes))
	for _, q := range quotes {
		out = append(out, toQuoteResponse(q))
	}
	c.JSON(http.StatusOK, gin.H{
		"quotes":   out,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
	})
}

// GetHistory returns the status history of a quote, oldest first.
func (h *HTTPHandler) GetHistory(c *gin.Context) {
	history, err := h.quotes.GetHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": toHistoryResponses(history)})
}

// UpdateItems replaces the line items of a draft quote.
func (h *HTTPHandler) UpdateItems(c *gin.Context) {
	var req updateItemsRequest
	if !h.bind(c, &req) {
		return
	}

	quote, err := h.quotes.UpdateItems(c.Request.Context(), c.Param("id"), req.Items)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toQuoteResponse(quote))
}

// Transition requests a status change.
func (h *HTTPHandler) Transition(c *gin.Context) {
	var req transitionRequest
	if !h.bind(c, &req) {
		return
	}

	result, err := h.quotes.Transition(c.Request.Context(), service.TransitionRequest{
		QuoteID:  c.Param("id"),
		Target:   repository.QuoteStatus(req.Status),
		Actor:    actor(c),
		Reason:   req.Reason,
		Notes:    req.Notes,
		Metadata: req.Metadata,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	status := http.StatusOK
	if result.RequiresApproval {
		status = http.StatusAccepted
	}
	body := gin.H{
		"success":           true,
		"status":            result.Status,
		"requires_approval": result.RequiresApproval,
	}
	if result.ApprovalID != "" {
		body["approval_id"] = result.ApprovalID
	}
	if result.Quote != nil {
		body["quote"] = toQuoteResponse(result.Quote)
	}
	c.JSON(status, body)
}

// Reserve places or replaces the stock hold of a quote.
func (h *HTTPHandler) Reserve(c *gin.Context) {
	var req reserveRequest
	if !h.bind(c, &req) {
		return
	}
	if req.TTLMinutes < 0 || req.TTLMinutesAlias < 0 {
		h.fail(c, errors.InvalidInput("ttl_minutes", "ttl cannot be negative"))
		return
	}

	res, err := h.quotes.Reserve(c.Request.Context(), c.Param("id"), req.Items, req.ttl())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, reservationResponse{
		ID:        res.ID,
		QuoteID:   res.QuoteID,
		ExpiresAt: res.ExpiresAt,
		Items:     res.Items,
	})
}

// Release drops the stock hold of a quote.
func (h *HTTPHandler) Release(c *gin.Context) {
	released, err := h.quotes.Release(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": released})
}

// ── Approvals ────────────────────────────────────────────────────────────────

// ListQuoteApprovals lists every approval level opened for a quote.
func (h *HTTPHandler) ListQuoteApprovals(c *gin.Context) {
	list, err := h.gate.ListForQuote(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"approvals": toApprovalResponses(list)})
}

// ListPendingApprovals lists approvals awaiting a decision.
func (h *HTTPHandler) ListPendingApprovals(c *gin.Context) {
	page, pageSize := pagination(c)
	list, err := h.gate.ListPending(c.Request.Context(), page, pageSize)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"approvals": toApprovalResponses(list), "page": page, "pageSize": pageSize})
}

// GetApproval returns one approval request.
func (h *HTTPHandler) GetApproval(c *gin.Context) {
	approval, err := h.gate.GetApproval(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toApprovalResponse(approval))
}

// DecideApproval records the caller's decision.
func (h *HTTPHandler) DecideApproval(c *gin.Context) {
	var req decisionRequest
	if !h.bind(c, &req) {
		return
	}

	result, err := h.gate.Decide(c.Request.Context(), c.Param("id"), actor(c), service.ApprovalDecision(req.Decision), req.Comments)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"approval":      toApprovalResponse(result.Approval),
		"quote_status":  result.QuoteStatus,
		"next_approval": toApprovalResponse(result.NextApproval),
	})
}

// ── Stock ────────────────────────────────────────────────────────────────────

// GetAvailability returns the stock position of a SKU.
func (h *HTTPHandler) GetAvailability(c *gin.Context) {
	avail, err := h.reservations.Availability(c.Request.Context(), c.Param("sku"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, availabilityResponse{
		SKU:        avail.SKU,
		TotalStock: avail.TotalStock,
		Reserved:   avail.Reserved,
		Available:  avail.Available,
	})
}

// SetStock sets the total stock of a SKU.
func (h *HTTPHandler) SetStock(c *gin.Context) {
	var req setStockRequest
	if !h.bind(c, &req) {
		return
	}

	item, err := h.reservations.SetStock(c.Request.Context(), c.Param("sku"), req.TotalStock)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sku":         item.SKU,
		"total_stock": item.TotalStock,
		"updated_at":  item.UpdatedAt,
	})
}

// ── Delivery queue admin ─────────────────────────────────────────────────────

// ListQueue lists queue items filtered by status and recipient.
func (h *HTTPHandler) ListQueue(c *gin.Context) {
	page, pageSize := pagination(c)
	var status *repository.QueueStatus
	if s := optionalQuery(c, "status"); s != nil {
		qs := repository.QueueStatus(*s)
		switch qs {
		case repository.QueueStatusPending, repository.QueueStatusProcessing,
			repository.QueueStatusCompleted, repository.QueueStatusFailed:
		default:
			h.fail(c, errors.InvalidInput("status", "unknown queue status '"+*s+"'"))
			return
		}
		status = &qs
	}

	items, total, err := h.queue.ListItems(c.Request.Context(), status, optionalQuery(c, "recipient"), page, pageSize)
	if err != nil {
		h.fail(c, err)
		return
	}

	out := make([]queueItemResponse, 0, len(items))
	for _, item := range items {
		out = append(out, toQueueItemResponse(item))
	}
	c.JSON(http.StatusOK, gin.H{"items": out, "total": total, "page": page, "pageSize": pageSize})
}

// GetQueueItem returns one queue item.
func (h *HTTPHandler) GetQueueItem(c *gin.Context) {
	item, err := h.queue.GetItem(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toQueueItemResponse(item))
}

// Enqueue adds a notification to the queue.
func (h *HTTPHandler) Enqueue(c *gin.Context) {
	var req enqueueRequest
	if !h.bind(c, &req) {
		return
	}

	id, err := h.queue.Enqueue(c.Request.Context(), req.Payload, req.Priority, req.ScheduledAt)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id})
}

// Drain runs one drain pass synchronously.
func (h *HTTPHandler) Drain(c *gin.Context) {
	stats, err := h.queue.Drain(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"skipped":     stats.Skipped,
		"claimed":     stats.Claimed,
		"completed":   stats.Completed,
		"rescheduled": stats.Rescheduled,
		"failed":      stats.Failed,
	})
}

// RetryQueueItem resets an item and makes it due now.
func (h *HTTPHandler) RetryQueueItem(c *gin.Context) {
	item, err := h.queue.RetryItem(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toQueueItemResponse(item))
}

// DeleteQueueItem removes an item.
func (h *HTTPHandler) DeleteQueueItem(c *gin.Context) {
	if err := h.queue.DeleteItem(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListDeliveryLogs lists delivery logs filtered by status, recipient and a
// sent_at range (RFC 3339 from/to).
func (h *HTTPHandler) ListDeliveryLogs(c *gin.Context) {
	page, pageSize := pagination(c)
	filter := repository.DeliveryLogFilter{Recipient: optionalQuery(c, "recipient")}

	if s := optionalQuery(c, "status"); s != nil {
		ls := repository.DeliveryLogStatus(*s)
		if ls != repository.DeliveryLogSent && ls != repository.DeliveryLogFailed {
			h.fail(c, errors.InvalidInput("status", "unknown delivery status '"+*s+"'"))
			return
		}
		filter.Status = &ls
	}
	for _, bound := range []struct {
		name string
		dst  **time.Time
	}{{"from", &filter.From}, {"to", &filter.To}} {
		s := optionalQuery(c, bound.name)
		if s == nil {
			continue
		}
		t, err := time.Parse(time.RFC3339, *s)
		if err != nil {
			h.fail(c, errors.InvalidInput(bound.name, "expected an RFC 3339 timestamp"))
			return
		}
		*bound.dst = &t
	}

	logs, total, err := h.queue.ListLogs(c.Request.Context(), filter, page, pageSize)
	if err != nil {
		h.fail(c, err)
		return
	}

	out := make([]deliveryLogResponse, 0, len(logs))
	for _, l := range logs {
		out = append(out, toDeliveryLogResponse(l))
	}
	c.JSON(http.StatusOK, gin.H{"logs": out, "total": total, "page": page, "pageSize": pageSize})
}

// ── Webhooks ─────────────────────────────────────────────────────────────────

// DeliveryWebhook ingests one provider-neutral delivery callback.
func (h *HTTPHandler) DeliveryWebhook(c *gin.Context) {
	var req deliveryCallback
	if !h.bind(c, &req) {
		return
	}

	if err := h.queue.HandleCallback(c.Request.Context(), req.MessageID, req.Event, req.Timestamp.Time); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

// SendGridWebhook ingests a SendGrid event webhook batch. Events the queue
// does not track are skipped.
func (h *HTTPHandler) SendGridWebhook(c *gin.Context) {
	var events []sendGridEvent
	if !h.bind(c, &events) {
		return
	}

	applied, skipped := 0, 0
	for _, ev := range events {
		// sg_message_id is the X-Message-Id returned at send time plus a filter suffix
		messageID, _, _ := strings.Cut(ev.SGMessageID, ".")
		if messageID == "" {
			skipped++
			continue
		}
		if _, ok := service.ParseCallbackEvent(ev.Event); !ok {
			skipped++
			continue
		}

		var at time.Time
		if ev.Timestamp > 0 {
			at = time.Unix(ev.Timestamp, 0).UTC()
		}
		if err := h.queue.HandleCallback(c.Request.Context(), messageID, ev.Event, at); err != nil {
			h.fail(c, err)
			return
		}
		applied++
	}
	c.JSON(http.StatusOK, gin.H{"applied": applied, "skipped": skipped})
}

// ── Client actions ───────────────────────────────────────────────────────────

// ClientView records that the recipient opened the quote and returns it.
func (h *HTTPHandler) ClientView(c *gin.Context) {
	h.clientAction(c, service.ActionViewed, nil, nil)
}

// ClientRespond records a viewed, accepted or rejected action.
func (h *HTTPHandler) ClientRespond(c *gin.Context) {
	var req clientActionRequest
	if !h.bind(c, &req) {
		return
	}

	action := service.ClientAction(req.Action)
	switch action {
	case service.ActionViewed, service.ActionAccepted, service.ActionRejected:
	default:
		h.fail(c, errors.InvalidInput("action", "action must be 'viewed', 'accepted' or 'rejected'"))
		return
	}
	h.clientAction(c, action, req.Comments, req.Metadata)
}

func (h *HTTPHandler) clientAction(c *gin.Context, action service.ClientAction, comments *string, metadata map[string]interface{}) {
	ctx := c.Request.Context()
	quoteID, err := h.gateway.RecordAction(ctx, c.Param("token"), action, service.ClientMeta{
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
		Comments:  comments,
		Metadata:  metadata,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	quote, err := h.quotes.GetQuote(ctx, quoteID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toClientQuoteResponse(quote))
}

// ── Helpers ──────────────────────────────────────────────────────────────────

// bind decodes the JSON body into dst, writing a 400 on failure.
func (h *HTTPHandler) bind(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		h.fail(c, errors.InvalidInput("body", "invalid request body: "+err.Error()))
		return false
	}
	return true
}

// fail writes err as {"error": {code, message, field, details}}. Internal
// errors are logged and their message withheld.
func (h *HTTPHandler) fail(c *gin.Context, err error) {
	status := errors.HTTPStatus(err)

	var coded *errors.Error
	if !errors.As(err, &coded) {
		coded = errors.Wrap(err, errors.ErrCodeInternal, "internal server error")
	}

	if status >= http.StatusInternalServerError {
		h.log.Error().
			Err(err).
			Str("request_id", middleware.GetRequestID(c)).
			Str("path", c.FullPath()).
			Msg("Request failed")
		coded = &errors.Error{Code: coded.Code, Message: "internal server error"}
	}

	c.AbortWithStatusJSON(status, gin.H{"error": coded})
}

// requireRole rejects callers holding none of roles.
func requireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !actor(c).HasAnyRole(roles) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": errors.Unauthorized("requires one of the roles: " + strings.Join(roles, ", ")),
			})
			return
		}
		c.Next()
	}
}

// requireUUID answers 404 for an :id that cannot name a stored resource.
func requireUUID(resource string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.Param("id"); id != "" {
			if _, err := uuid.Parse(id); err != nil {
				c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": errors.NotFound(resource, id)})
				return
			}
		}
		c.Next()
	}
}

func actor(c *gin.Context) service.Actor {
	id, _ := middleware.GetIdentity(c)
	return service.Actor{ID: id.UserID, Roles: id.Roles}
}

func pagination(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.Query("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(c.Query("page_size"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = 50
	}
	return page, pageSize
}

func optionalQuery(c *gin.Context, key string) *string {
	v := strings.TrimSpace(c.Query(key))
	if v == "" {
		return nil
	}
	return &v
}
