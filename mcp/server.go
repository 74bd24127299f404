package mcp

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"sponsorhub-backend/core/deal"
	"sponsorhub-backend/services"
)

const (
	serverName    = "SponsorHub MCP Server"
	serverVersion = "1.0.0"
)

// Server exposes the deal workflow as MCP tools. Calls run as the actor carried on
// the request context, falling back to the session the server was built with.
type Server struct {
	mcpServer *server.MCPServer
	deals     *services.DealService
	actor     deal.Actor
	log       *zap.Logger
	tools     []string
}

// NewServer registers every deal tool. actor may be zero when every request
// carries its own session, as over HTTP.
func NewServer(deals *services.DealService, actor deal.Actor, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		mcpServer: server.NewMCPServer(serverName, serverVersion, server.WithToolCapabilities(true)),
		deals:     deals,
		actor:     actor,
		log:       log,
	}
	s.registerTools()
	return s
}

// MCPServer returns the underlying server for transport setup.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Tools lists the registered tool names in registration order.
func (s *Server) Tools() []string {
	return append([]string(nil), s.tools...)
}

func (s *Server) actorFor(ctx context.Context) deal.Actor {
	if actor, ok := ActorFromContext(ctx); ok {
		return actor
	}
	return s.actor
}

func (s *Server) add(tool mcp.Tool, handler server.ToolHandlerFunc) {
	s.tools = append(s.tools, tool.Name)
	s.mcpServer.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := handler(ctx, req)
		if err != nil {
			s.log.Error("tool failed", zap.String("tool", tool.Name), zap.Error(err))
		} else if res != nil && res.IsError {
			s.log.Info("tool rejected", zap.String("tool", tool.Name), zap.String("actor_id", s.actorFor(ctx).ID))
		}
		return res, err
	})
}

func (s *Server) registerTools() {
	dealID := mcp.WithString("deal_id", mcp.Required(), mcp.Description("ID of the deal"))

	s.add(mcp.NewTool("list_deals",
		mcp.WithDescription("List your deals, newest first"),
		mcp.WithString("stage", mcp.Description("Only deals in this stage, e.g. \"Negotiating Terms\"")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of deals to return")),
	), s.handleListDeals)

	s.add(mcp.NewTool("get_deal",
		mcp.WithDescription("Get one deal with its stage and version"),
		dealID,
	), s.handleGetDeal)

	s.add(mcp.NewTool("respond_to_deal",
		mcp.WithDescription("Accept a deal request and start negotiating terms"),
		dealID,
	), s.handleRespond)

	s.add(mcp.NewTool("decline_deal",
		mcp.WithDescription("Decline a deal before its content is approved"),
		dealID,
	), s.handleDecline)

	s.add(mcp.NewTool("propose_terms",
		mcp.WithDescription("Propose a price and deadline for a deal in negotiation"),
		dealID,
		mcp.WithNumber("amount", mcp.Required(), mcp.Description("Whole currency units, greater than zero")),
		mcp.WithString("deadline", mcp.Required(), mcp.Description("Delivery date, YYYY-MM-DD")),
		mcp.WithString("idempotency_key", mcp.Description("Retry key; a repeated key returns the first proposal")),
	), s.handleProposeTerms)

	s.add(mcp.NewTool("latest_terms",
		mcp.WithDescription("Get both parties' latest proposals and whether they match"),
		dealID,
	), s.handleLatestTerms)

	s.add(mcp.NewTool("confirm_agreement",
		mcp.WithDescription("Confirm the matching terms. The deal moves to escrow once both parties confirm"),
		dealID,
	), s.handleConfirmAgreement)

	s.add(mcp.NewTool("submit_content",
		mcp.WithDescription("Submit the content link for review"),
		dealID,
		mcp.WithString("url", mcp.Required(), mcp.Description("http(s) link to the delivered content")),
		mcp.WithString("idempotency_key", mcp.Description("Retry key; a repeated key returns the first submission")),
	), s.handleSubmitContent)

	s.add(mcp.NewTool("latest_submission",
		mcp.WithDescription("Get the newest submission of a deal"),
		dealID,
	), s.handleLatestSubmission)

	s.add(mcp.NewTool("approve_submission",
		mcp.WithDescription("Approve the pending submission"),
		dealID,
		mcp.WithString("submission_id", mcp.Required(), mcp.Description("ID of the pending submission")),
	), s.handleApproveSubmission)

	s.add(mcp.NewTool("reject_submission",
		mcp.WithDescription("Send the pending submission back for rework"),
		dealID,
		mcp.WithString("submission_id", mcp.Required(), mcp.Description("ID of the pending submission")),
		mcp.WithString("reason", mcp.Required(), mcp.Description("What needs to change")),
	), s.handleRejectSubmission)

	s.add(mcp.NewTool("list_messages",
		mcp.WithDescription("Read the deal thread, oldest first"),
		dealID,
		mcp.WithNumber("limit", mcp.Description("Maximum number of messages")),
	), s.handleListMessages)

	s.add(mcp.NewTool("send_message",
		mcp.WithDescription("Post a message to the deal thread"),
		dealID,
		mcp.WithString("body", mcp.Required(), mcp.Description("Message text")),
	), s.handleSendMessage)
}

func (s *Server) handleListDeals(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := deal.DealFilter{
		Stage: deal.Stage(req.GetString("stage", "")),
		Limit: int(req.GetFloat("limit", 0)),
	}
	deals, err := s.deals.ListDeals(ctx, s.actorFor(ctx), filter)
	if err != nil {
		return errorResult(classify("list_deals", err)), nil
	}
	return jsonResult(map[string]interface{}{"deals": deals, "total_count": len(deals)})
}

func (s *Server) handleGetDeal(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("deal_id")
	if err != nil {
		return errorResult(missingField("get_deal", "deal_id")), nil
	}
	d, err := s.deals.GetDeal(ctx, s.actorFor(ctx), id)
	if err != nil {
		return errorResult(classify("get_deal", err)), nil
	}
	return jsonResult(d)
}

func (s *Server) handleRespond(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("deal_id")
	if err != nil {
		return errorResult(missingField("respond_to_deal", "deal_id")), nil
	}
	d, err := s.deals.Respond(ctx, s.actorFor(ctx), id)
	if err != nil {
		return errorResult(classify("respond_to_deal", err)), nil
	}
	return jsonResult(d)
}

func (s *Server) handleDecline(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("deal_id")
	if err != nil {
		return errorResult(missingField("decline_deal", "deal_id")), nil
	}
	d, err := s.deals.Decline(ctx, s.actorFor(ctx), id)
	if err != nil {
		return errorResult(classify("decline_deal", err)), nil
	}
	return jsonResult(d)
}

func (s *Server) handleProposeTerms(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	const tool = "propose_terms"
	id, err := req.RequireString("deal_id")
	if err != nil {
		return errorResult(missingField(tool, "deal_id")), nil
	}
	amount, err := req.RequireFloat("amount")
	if err != nil {
		return errorResult(missingField(tool, "amount")), nil
	}
	deadline, err := req.RequireString("deadline")
	if err != nil {
		return errorResult(missingField(tool, "deadline")), nil
	}
	p, err := s.deals.ProposeTerms(ctx, s.actorFor(ctx), id, amount, deadline, req.GetString("idempotency_key", ""))
	if err != nil {
		return errorResult(classify(tool, err)), nil
	}
	return jsonResult(p)
}

func (s *Server) handleLatestTerms(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("deal_id")
	if err != nil {
		return errorResult(missingField("latest_terms", "deal_id")), nil
	}
	pair, err := s.deals.FetchLatestPair(ctx, s.actorFor(ctx), id)
	if err != nil {
		return errorResult(classify("latest_terms", err)), nil
	}
	return jsonResult(pair)
}

func (s *Server) handleConfirmAgreement(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("deal_id")
	if err != nil {
		return errorResult(missingField("confirm_agreement", "deal_id")), nil
	}
	status, err := s.deals.ConfirmAgreement(ctx, s.actorFor(ctx), id)
	if err != nil {
		return errorResult(classify("confirm_agreement", err)), nil
	}
	return jsonResult(status)
}

func (s *Server) handleSubmitContent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	const tool = "submit_content"
	id, err := req.RequireString("deal_id")
	if err != nil {
		return errorResult(missingField(tool, "deal_id")), nil
	}
	url, err := req.RequireString("url")
	if err != nil {
		return errorResult(missingField(tool, "url")), nil
	}
	sub, err := s.deals.SubmitContent(ctx, s.actorFor(ctx), id, url, req.GetString("idempotency_key", ""))
	if err != nil {
		return errorResult(classify(tool, err)), nil
	}
	return jsonResult(sub)
}

func (s *Server) handleLatestSubmission(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("deal_id")
	if err != nil {
		return errorResult(missingField("latest_submission", "deal_id")), nil
	}
	sub, err := s.deals.LatestSubmission(ctx, s.actorFor(ctx), id)
	if err != nil {
		return errorResult(classify("latest_submission", err)), nil
	}
	return jsonResult(map[string]interface{}{"submission": sub})
}

func (s *Server) handleApproveSubmission(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	const tool = "approve_submission"
	id, err := req.RequireString("deal_id")
	if err != nil {
		return errorResult(missingField(tool, "deal_id")), nil
	}
	subID, err := req.RequireString("submission_id")
	if err != nil {
		return errorResult(missingField(tool, "submission_id")), nil
	}
	sub, d, err := s.deals.ApproveSubmission(ctx, s.actorFor(ctx), id, subID)
	if err != nil {
		return errorResult(classify(tool, err)), nil
	}
	return jsonResult(map[string]interface{}{"submission": sub, "deal": d})
}

func (s *Server) handleRejectSubmission(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	const tool = "reject_submission"
	id, err := req.RequireString("deal_id")
	if err != nil {
		return errorResult(missingField(tool, "deal_id")), nil
	}
	subID, err := req.RequireString("submission_id")
	if err != nil {
		return errorResult(missingField(tool, "submission_id")), nil
	}
	sub, d, err := s.deals.RejectSubmission(ctx, s.actorFor(ctx), id, subID, req.GetString("reason", ""))
	if err != nil {
		return errorResult(classify(tool, err)), nil
	}
	return jsonResult(map[string]interface{}{"submission": sub, "deal": d})
}

func (s *Server) handleListMessages(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("deal_id")
	if err != nil {
		return errorResult(missingField("list_messages", "deal_id")), nil
	}
	msgs, err := s.deals.ListMessages(ctx, s.actorFor(ctx), id, int(req.GetFloat("limit", 0)))
	if err != nil {
		return errorResult(classify("list_messages", err)), nil
	}
	return jsonResult(map[string]interface{}{"messages": msgs, "total_count": len(msgs)})
}

func (s *Server) handleSendMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	const tool = "send_message"
	id, err := req.RequireString("deal_id")
	if err != nil {
		return errorResult(missingField(tool, "deal_id")), nil
	}
	msg, err := s.deals.SendMessage(ctx, s.actorFor(ctx), id, req.GetString("body", ""))
	if err != nil {
		return errorResult(classify(tool, err)), nil
	}
	return jsonResult(msg)
}
