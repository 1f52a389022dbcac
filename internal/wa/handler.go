package wa

import (
	"context"
	"log/slog"

	"mpesa-bot/internal/convo"
	"mpesa-bot/internal/metrics"
	"mpesa-bot/internal/repo"

	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"
)

// Handler bridges inbound WhatsApp messages to the conversation engine and
// sends the engine's reply back to the chat. It also writes the message audit
// trail when a repository is configured.
type Handler struct {
	wa      *Client
	engine  *convo.Engine
	repo    repo.Repository
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler builds a message handler. The repository is optional.
func NewHandler(waClient *Client, engine *convo.Engine, repository repo.Repository, logger *slog.Logger, metricRegistry *metrics.Metrics) *Handler {
	return &Handler{
		wa:      waClient,
		engine:  engine,
		repo:    repository,
		logger:  logger.With("component", "wa_handler"),
		metrics: metricRegistry,
	}
}

// ProcessMessage satisfies MessageProcessor.
func (h *Handler) ProcessMessage(ctx context.Context, evt *events.Message) {
	text := extractText(evt.Message)
	if text == "" {
		return
	}

	if h.metrics != nil {
		h.metrics.WAIncomingMessages.WithLabelValues("text").Inc()
	}

	// The sender's bare number doubles as the session key and, for Kenyan
	// numbers, the default payment phone.
	userID := evt.Info.Sender.ToNonAD().User
	h.logger.Info("processing message", "user_id", userID, "text", text)

	userDBID := h.auditUser(ctx, evt, userID)
	h.auditMessage(ctx, userDBID, "in", text)

	reply, err := h.engine.HandleMessage(ctx, userID, text)
	if err != nil {
		h.logger.Error("handle message", "user_id", userID, "error", err)
		reply = "Sorry, something went wrong on my side. Please try again."
	}
	if reply == "" {
		return
	}

	if err := h.wa.SendText(WithReply(ctx, evt), evt.Info.Chat, reply); err != nil {
		h.logger.Error("send reply", "user_id", userID, "error", err)
		return
	}
	h.auditMessage(ctx, userDBID, "out", reply)
}

func (h *Handler) auditUser(ctx context.Context, evt *events.Message, userID string) string {
	if h.repo == nil {
		return ""
	}
	jid := evt.Info.Sender.ToNonAD().String()
	name := evt.Info.PushName
	profile := repo.UserProfile{WAID: userID, WAJID: &jid}
	if name != "" {
		profile.DisplayName = &name
	}
	user, err := h.repo.UpsertUserByWA(ctx, profile)
	if err != nil {
		h.logger.Error("upsert user", "user_id", userID, "error", err)
		return ""
	}
	return user.ID
}

func (h *Handler) auditMessage(ctx context.Context, userDBID, direction, text string) {
	if h.repo == nil || userDBID == "" {
		return
	}
	record := repo.MessageRecord{
		UserID:    userDBID,
		Direction: direction,
		Type:      "text",
		Content:   &text,
	}
	if err := h.repo.InsertMessage(ctx, record); err != nil {
		h.logger.Error("insert message", "direction", direction, "error", err)
	}
}

func extractText(msg *waProto.Message) string {
	switch {
	case msg == nil:
		return ""
	case msg.GetConversation() != "":
		return msg.GetConversation()
	case msg.ExtendedTextMessage != nil:
		return msg.GetExtendedTextMessage().GetText()
	default:
		return ""
	}
}
