package sync

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "s3cret"

type countingTrigger struct {
	n atomic.Int32
}

func (c *countingTrigger) Trigger() { c.n.Add(1) }

func sign(body string) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func pushBody(cloneURL, htmlURL string) string {
	var event PushEvent
	event.Ref = "refs/heads/main"
	event.Before = "0123456789abcdef"
	event.After = "abc"
	event.Repository.FullName = "owner/Plugin"
	event.Repository.CloneURL = cloneURL
	event.Repository.HTMLURL = htmlURL
	data, _ := json.Marshal(event)
	return string(data)
}

func deliver(h http.Handler, event, body, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", strings.NewReader(body))
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-GitHub-Delivery", "delivery-1")
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func newTestWebhook(trigger Triggerer) *WebhookHandler {
	return NewWebhookHandler(testSecret, trigger, staticRepos(
		"https://github.com/owner/Plugin.git",
		"https://github.com/owner/Other",
	), discardLogger())
}

func TestWebhook_TrackedPushTriggers(t *testing.T) {
	trigger := &countingTrigger{}
	h := newTestWebhook(trigger)

	tests := []struct {
		name     string
		cloneURL string
		htmlURL  string
	}{
		{"clone url", "https://github.com/owner/Plugin.git", "https://github.com/owner/Plugin"},
		{"html url only", "", "https://github.com/Owner/Other"},
		{"trailing slash", "https://github.com/owner/Other.git/", ""},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := pushBody(tt.cloneURL, tt.htmlURL)
			rec := deliver(h, "push", body, sign(body))

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Contains(t, rec.Body.String(), "accepted")
			assert.Equal(t, int32(i+1), trigger.n.Load())
		})
	}
}

func TestWebhook_Ignored(t *testing.T) {
	trigger := &countingTrigger{}
	h := newTestWebhook(trigger)

	body := pushBody("https://github.com/someone/Unrelated.git", "")
	rec := deliver(h, "push", body, sign(body))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "not tracked")

	body = `{"zen":"Keep it logically awesome."}`
	rec = deliver(h, "ping", body, sign(body))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "not a push event")

	assert.Zero(t, trigger.n.Load())
}

func TestWebhook_RejectsBadRequests(t *testing.T) {
	trigger := &countingTrigger{}
	h := newTestWebhook(trigger)
	body := pushBody("https://github.com/owner/Plugin.git", "")

	tests := []struct {
		name      string
		body      string
		signature string
		want      int
	}{
		{"missing signature", body, "", http.StatusUnauthorized},
		{"wrong signature", body, sign(body + "x"), http.StatusUnauthorized},
		{"wrong scheme", body, strings.Replace(sign(body), "sha256", "sha1", 1), http.StatusUnauthorized},
		{"malformed payload", "{", sign("{"), http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := deliver(h, "push", tt.body, tt.signature)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/webhooks/github", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	assert.Zero(t, trigger.n.Load())
}

func TestNormalizeURL(t *testing.T) {
	want := "https://github.com/owner/plugin"
	for _, u := range []string{
		"https://github.com/owner/Plugin",
		"https://github.com/owner/Plugin.git",
		"https://github.com/owner/Plugin/",
		" HTTPS://GITHUB.COM/owner/plugin.git ",
	} {
		require.Equal(t, want, normalizeURL(u), u)
	}
}

func TestShortSHA(t *testing.T) {
	assert.Equal(t, "01234567", shortSHA("0123456789abcdef"))
	assert.Equal(t, "abc", shortSHA("abc"))
	assert.Empty(t, shortSHA(""))
}
