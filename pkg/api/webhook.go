package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/squadron-dev/squadron/pkg/events"
	"github.com/squadron-dev/squadron/pkg/github"
)

// maxWebhookBody caps a delivery at GitHub's own 25 MB payload limit.
const maxWebhookBody = 25 << 20

// handleWebhook receives one GitHub delivery: verify the HMAC signature,
// reject deliveries for foreign installations or repositories, and enqueue.
// 202 accepted, 400 bad signature or payload, 503 queue full.
func (s *Server) handleWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	if !github.VerifySignature(s.opts.WebhookSecret, body, c.GetHeader("X-Hub-Signature-256")) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "signature verification failed"})
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}
	if !s.deliveryForUs(payload) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unexpected installation or repository"})
		return
	}

	action, _ := payload["action"].(string)
	ev := &events.GitHubEvent{
		DeliveryID: c.GetHeader("X-GitHub-Delivery"),
		Type:       c.GetHeader("X-GitHub-Event"),
		Action:     action,
		Payload:    payload,
	}
	if s.opts.Router == nil || !s.opts.Router.Enqueue(ev) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event queue full"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "delivery_id": ev.DeliveryID})
}

// deliveryForUs rejects deliveries whose installation or repository does not
// match the configuration. Fields absent from the payload are not checked;
// ping deliveries carry neither.
func (s *Server) deliveryForUs(payload map[string]any) bool {
	if s.opts.InstallationID != 0 {
		if inst, ok := payload["installation"].(map[string]any); ok {
			if id, ok := inst["id"].(float64); ok && int64(id) != s.opts.InstallationID {
				return false
			}
		}
	}
	if s.opts.Store == nil {
		return true
	}
	project := s.opts.Store.Current().Project
	expected := project.Owner + "/" + project.Repo
	if expected == "/" {
		return true
	}
	if repo, ok := payload["repository"].(map[string]any); ok {
		if full, ok := repo["full_name"].(string); ok && full != expected {
			return false
		}
	}
	return true
}
