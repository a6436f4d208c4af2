package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/salesrelay/salesrelay/internal/observability/metrics"
	"github.com/salesrelay/salesrelay/pkg/logging"
)

var webhookTracer = otel.Tracer("salesrelay.internal.messaging.webhook")

// AckMessage is the plain-text body returned to the transport on success.
const AckMessage = "Message processed successfully"

// inboundProcessor runs the conversation pipeline for one inbound message.
type inboundProcessor interface {
	HandleInbound(ctx context.Context, senderID, body string) error
}

// Handler handles messaging webhook requests.
type Handler struct {
	webhookSecret string
	processor     inboundProcessor
	metrics       *metrics.RelayMetrics
	logger        *logging.Logger
}

// NewHandler creates a new messaging handler.
func NewHandler(webhookSecret string, processor inboundProcessor, m *metrics.RelayMetrics, logger *logging.Logger) *Handler {
	if processor == nil {
		panic("messaging: processor cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		webhookSecret: webhookSecret,
		processor:     processor,
		metrics:       m,
		logger:        logger,
	}
}

// WhatsAppWebhook handles POST /bot requests from the channel transport.
// The pipeline runs synchronously; the response is the acknowledgment.
func (h *Handler) WhatsAppWebhook(w http.ResponseWriter, r *http.Request) {
	ctx, span := webhookTracer.Start(r.Context(), "messaging.whatsapp.webhook")
	defer span.End()
	start := time.Now()

	if h.webhookSecret != "" {
		if !ValidateTwilioSignature(r, h.webhookSecret, buildAbsoluteURL(r)) {
			h.logger.Warn("invalid twilio signature")
			h.metrics.ObserveInbound("unauthorized")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			span.RecordError(errors.New("invalid twilio signature"))
			return
		}
	}

	msg, err := ParseInboundWebhook(r)
	if err != nil {
		h.logger.Error("failed to parse webhook", "error", err)
		h.metrics.ObserveInbound("bad_request")
		http.Error(w, "Bad Request", http.StatusBadRequest)
		span.RecordError(err)
		return
	}
	span.SetAttributes(
		attribute.String("salesrelay.message_sid", msg.MessageSid),
		attribute.String("salesrelay.from", msg.From),
	)

	// Body may legitimately be empty (media-only messages); only the sender
	// identity is required to run the pipeline.
	if msg.From == "" {
		err := errors.New("missing sender identity")
		h.logger.Error("invalid webhook payload", "error", err)
		h.metrics.ObserveInbound("bad_request")
		http.Error(w, "Bad Request", http.StatusBadRequest)
		span.RecordError(err)
		return
	}

	if err := h.processor.HandleInbound(ctx, msg.From, msg.Body); err != nil {
		h.logger.Error("pipeline failed", "error", err, "from", msg.From)
		h.metrics.ObserveInbound("error")
		http.Error(w, "Failed to process message", http.StatusInternalServerError)
		span.RecordError(err)
		return
	}

	h.metrics.ObserveInbound("ok")
	h.metrics.ObservePipelineLatency(time.Since(start).Seconds())
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(AckMessage))
}

// HealthCheck returns a simple health check response.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]string{
		"status": "ok",
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}
