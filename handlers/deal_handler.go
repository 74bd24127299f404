package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"sponsorhub-backend/core/deal"
	"sponsorhub-backend/models"
	"sponsorhub-backend/services"
)

// IdempotencyHeader lets clients retry proposal and submission writes safely.
const IdempotencyHeader = "Idempotency-Key"

const sseKeepAlive = 25 * time.Second

// DealHandler serves the deal lifecycle endpoints.
type DealHandler struct {
	*BaseHandler
	deals *services.DealService
	hub   *services.EventHub
}

// NewDealHandler creates a new deal handler
func NewDealHandler(deals *services.DealService, hub *services.EventHub, log *zap.Logger) *DealHandler {
	return &DealHandler{
		BaseHandler: NewBaseHandler(log),
		deals:       deals,
		hub:         hub,
	}
}

// HandleCreateDeal opens a deal with a counterparty of the opposite role.
func (h *DealHandler) HandleCreateDeal(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	var req models.CreateDealRequest
	if !h.bindJSON(c, &req) {
		return
	}
	d, err := h.deals.CreateDeal(c.Request.Context(), actor, req.CounterpartyID, req.Message, req.Value)
	if err != nil {
		h.sendError(c, err)
		return
	}
	h.sendSuccess(c, http.StatusCreated, d)
}

// HandleListDeals lists the caller's deals, or all deals for admins.
func (h *DealHandler) HandleListDeals(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	filter := deal.DealFilter{
		PartyID: c.Query("party"),
		Stage:   deal.Stage(c.Query("stage")),
		Limit:   queryInt(c, "limit", 50),
	}
	deals, err := h.deals.ListDeals(c.Request.Context(), actor, filter)
	if err != nil {
		h.sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.NewSuccessResponseWithMeta(deals, map[string]interface{}{"count": len(deals)}))
}

// HandleGetDeal returns one deal.
func (h *DealHandler) HandleGetDeal(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	d, err := h.deals.GetDeal(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		h.sendError(c, err)
		return
	}
	h.sendSuccess(c, http.StatusOK, d)
}

// HandleRespond moves a new deal into negotiation.
func (h *DealHandler) HandleRespond(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	d, err := h.deals.Respond(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		h.sendError(c, err)
		return
	}
	h.sendSuccess(c, http.StatusOK, d)
}

// HandleDecline marks a deal rejected.
func (h *DealHandler) HandleDecline(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	d, err := h.deals.Decline(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		h.sendError(c, err)
		return
	}
	h.sendSuccess(c, http.StatusOK, d)
}

// HandleProposeTerms appends a proposal for the caller.
func (h *DealHandler) HandleProposeTerms(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	var req models.ProposeTermsRequest
	if !h.bindJSON(c, &req) {
		return
	}
	p, err := h.deals.ProposeTerms(c.Request.Context(), actor, c.Param("id"), req.Amount, req.Deadline, c.GetHeader(IdempotencyHeader))
	if err != nil {
		h.sendError(c, err)
		return
	}
	h.sendSuccess(c, http.StatusCreated, p)
}

// HandleLatestTerms returns both parties' latest proposals and whether they match.
func (h *DealHandler) HandleLatestTerms(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	pair, err := h.deals.FetchLatestPair(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		h.sendError(c, err)
		return
	}
	h.sendSuccess(c, http.StatusOK, pair)
}

// HandleConfirmAgreement records the caller's confirmation of the matching terms.
func (h *DealHandler) HandleConfirmAgreement(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	status, err := h.deals.ConfirmAgreement(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		h.sendError(c, err)
		return
	}
	h.sendSuccess(c, http.StatusOK, status)
}

// HandleSubmitContent records a deliverable link.
func (h *DealHandler) HandleSubmitContent(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	var req models.SubmitContentRequest
	if !h.bindJSON(c, &req) {
		return
	}
	sub, err := h.deals.SubmitContent(c.Request.Context(), actor, c.Param("id"), req.URL, c.GetHeader(IdempotencyHeader))
	if err != nil {
		h.sendError(c, err)
		return
	}
	h.sendSuccess(c, http.StatusCreated, sub)
}

// HandleListSubmissions returns the submission history, oldest first.
func (h *DealHandler) HandleListSubmissions(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	subs, err := h.deals.ListSubmissions(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		h.sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.NewSuccessResponseWithMeta(subs, map[string]interface{}{"count": len(subs)}))
}

// HandleLatestSubmission returns the newest submission, or null when none exists.
func (h *DealHandler) HandleLatestSubmission(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	sub, err := h.deals.LatestSubmission(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		h.sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.APIResponse{Success: true, Data: sub})
}

// HandleGetSubmission returns one submission with its review.
func (h *DealHandler) HandleGetSubmission(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	sub, err := h.deals.GetSubmission(c.Request.Context(), actor, c.Param("id"), c.Param("sid"))
	if err != nil {
		h.sendError(c, err)
		return
	}
	h.sendSuccess(c, http.StatusOK, sub)
}

// HandleApproveSubmission accepts a deliverable.
func (h *DealHandler) HandleApproveSubmission(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	sub, d, err := h.deals.ApproveSubmission(c.Request.Context(), actor, c.Param("id"), c.Param("sid"))
	if err != nil {
		h.sendError(c, err)
		return
	}
	h.sendSuccess(c, http.StatusOK, gin.H{"submission": sub, "deal": d})
}

// HandleRejectSubmission sends a deliverable back for rework.
func (h *DealHandler) HandleRejectSubmission(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	var req models.RejectSubmissionRequest
	if !h.bindJSON(c, &req) {
		return
	}
	sub, d, err := h.deals.RejectSubmission(c.Request.Context(), actor, c.Param("id"), c.Param("sid"), req.Reason)
	if err != nil {
		h.sendError(c, err)
		return
	}
	h.sendSuccess(c, http.StatusOK, gin.H{"submission": sub, "deal": d})
}

// HandleListMessages returns the deal thread, oldest first.
func (h *DealHandler) HandleListMessages(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	msgs, err := h.deals.ListMessages(c.Request.Context(), actor, c.Param("id"), queryInt(c, "limit", 100))
	if err != nil {
		h.sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.NewSuccessResponseWithMeta(msgs, map[string]interface{}{"count": len(msgs)}))
}

// HandleSendMessage posts to the deal thread.
func (h *DealHandler) HandleSendMessage(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	var req models.MessageRequest
	if !h.bindJSON(c, &req) {
		return
	}
	msg, err := h.deals.SendMessage(c.Request.Context(), actor, c.Param("id"), req.Body)
	if err != nil {
		h.sendError(c, err)
		return
	}
	h.sendSuccess(c, http.StatusCreated, msg)
}

// HandleReleasePayment is the admin override for payout release.
func (h *DealHandler) HandleReleasePayment(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	d, err := h.deals.ReleasePayment(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		h.sendError(c, err)
		return
	}
	h.sendSuccess(c, http.StatusOK, d)
}

// HandleEvents streams deal events over SSE. Clients that do not accept
// text/event-stream get the recent events as a JSON list.
func (h *DealHandler) HandleEvents(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	dealID := c.Param("id")
	if !strings.Contains(c.GetHeader("Accept"), "text/event-stream") {
		events, err := h.deals.Events(c.Request.Context(), actor, dealID)
		if err != nil {
			h.sendError(c, err)
			return
		}
		c.JSON(http.StatusOK, models.NewSuccessResponseWithMeta(events, map[string]interface{}{"count": len(events)}))
		return
	}

	// Subscribe before replaying so nothing published in between is lost.
	ch, cancel := h.hub.Subscribe(dealID)
	defer cancel()
	backlog, err := h.deals.Events(c.Request.Context(), actor, dealID)
	if err != nil {
		h.sendError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	for _, evt := range backlog {
		if err := writeEvent(c.Writer, evt); err != nil {
			return
		}
	}
	c.Writer.Flush()
	fresh := afterBacklog(backlog)

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()
	done := c.Request.Context().Done()
	for {
		select {
		case <-done:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if !fresh(evt) {
				continue
			}
			if err := writeEvent(c.Writer, evt); err != nil {
				return
			}
			c.Writer.Flush()
		case <-ticker.C:
			if _, err := io.WriteString(c.Writer, ": keepalive\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}

// afterBacklog reports whether a live event was published after the replayed backlog.
// Events that landed in both the subscription and the backlog are sent once.
func afterBacklog(backlog []deal.Event) func(deal.Event) bool {
	var last int64
	for _, evt := range backlog {
		if evt.Seq > last {
			last = evt.Seq
		}
	}
	return func(evt deal.Event) bool { return evt.Seq > last }
}

func writeEvent(w io.Writer, evt deal.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: deal\ndata: %s\n\n", payload)
	return err
}
