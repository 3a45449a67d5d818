package sync

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/pluginregistry/server/internal/domain"
)

// Triggerer starts a rebuild
type Triggerer interface {
	Trigger()
}

// WebhookHandler handles GitHub webhook events
type WebhookHandler struct {
	secret       []byte
	trigger      Triggerer
	repositories func() ([]domain.SourceRepository, error)
	logger       *slog.Logger
}

// PushEvent represents a GitHub push event payload
type PushEvent struct {
	Ref        string `json:"ref"`
	Before     string `json:"before"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
		CloneURL string `json:"clone_url"`
		HTMLURL  string `json:"html_url"`
		SSHURL   string `json:"ssh_url"`
	} `json:"repository"`
	Pusher struct {
		Name string `json:"name"`
	} `json:"pusher"`
	Commits []struct {
		ID string `json:"id"`
	} `json:"commits"`
}

// NewWebhookHandler creates a new webhook handler. Pushes trigger a rebuild
// only for repositories in the configured list.
func NewWebhookHandler(secret string, trigger Triggerer, repositories func() ([]domain.SourceRepository, error), logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		secret:       []byte(secret),
		trigger:      trigger,
		repositories: repositories,
		logger:       logger,
	}
}

// ServeHTTP handles incoming webhook requests
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 10*1024*1024)) // 10MB limit
	if err != nil {
		h.logger.Error("failed to read webhook body", "error", err)
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("X-Hub-Signature-256")
	if !h.validateSignature(signature, body) {
		h.logger.Warn("invalid webhook signature",
			"remote_addr", r.RemoteAddr,
		)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	deliveryID := r.Header.Get("X-GitHub-Delivery")

	h.logger.Info("webhook received",
		"event", eventType,
		"delivery_id", deliveryID,
	)

	if eventType != "push" {
		h.logger.Debug("ignoring non-push event", "event", eventType)
		writeStatus(w, "ignored", "not a push event")
		return
	}

	var event PushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.logger.Error("failed to parse push event", "error", err)
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	tracked, err := h.tracked(event)
	if err != nil {
		h.logger.Error("failed to load repositories", "error", err)
		http.Error(w, "repository list unavailable", http.StatusInternalServerError)
		return
	}
	if !tracked {
		h.logger.Debug("ignoring push to untracked repository",
			"repository", event.Repository.FullName,
		)
		writeStatus(w, "ignored", "repository not tracked")
		return
	}

	h.logger.Info("push event for tracked repository",
		"repository", event.Repository.FullName,
		"ref", event.Ref,
		"before", shortSHA(event.Before),
		"after", shortSHA(event.After),
		"commit_count", len(event.Commits),
		"pusher", event.Pusher.Name,
	)

	h.trigger.Trigger()

	writeStatus(w, "accepted", "")
}

func (h *WebhookHandler) tracked(event PushEvent) (bool, error) {
	repos, err := h.repositories()
	if err != nil {
		return false, err
	}

	pushed := make(map[string]bool, 3)
	for _, u := range []string{event.Repository.CloneURL, event.Repository.HTMLURL, event.Repository.SSHURL} {
		if u != "" {
			pushed[normalizeURL(u)] = true
		}
	}
	for _, repo := range repos {
		if pushed[normalizeURL(repo.URL)] {
			return true, nil
		}
	}
	return false, nil
}

func (h *WebhookHandler) validateSignature(signature string, body []byte) bool {
	if signature == "" {
		return false
	}

	// Signature format: sha256=<hex>
	parts := strings.SplitN(signature, "=", 2)
	if len(parts) != 2 || parts[0] != "sha256" {
		return false
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	expectedMAC := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(parts[1]), []byte(expectedMAC))
}

// normalizeURL folds the spellings GitHub and repository lists use for the
// same repository
func normalizeURL(u string) string {
	u = strings.ToLower(strings.TrimSpace(u))
	u = strings.TrimRight(u, "/")
	return strings.TrimSuffix(u, ".git")
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

func writeStatus(w http.ResponseWriter, status, reason string) {
	resp := map[string]string{"status": status}
	if reason != "" {
		resp["reason"] = reason
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
