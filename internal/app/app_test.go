package app

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	paloma "github.com/palomabot/paloma"
	"github.com/palomabot/paloma/internal/config"
)

func newTestApp(cfg config.Config) *App {
	tracker := paloma.NewTaskTracker(context.Background(), nil)
	return New(cfg, nil, nil, nil, nil, nil, nil, tracker, nil)
}

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestHandleVerify(t *testing.T) {
	cfg := config.Default()
	cfg.WhatsApp.VerifyToken = "vtok"
	a := newTestApp(cfg)

	req := httptest.NewRequest(http.MethodGet,
		"/webhook?hub.mode=subscribe&hub.verify_token=vtok&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()
	a.handleVerify(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != "12345" {
		t.Errorf("verify = %d %q, want the challenge echoed", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet,
		"/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil)
	rec = httptest.NewRecorder()
	a.handleVerify(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("bad token = %d, want 403", rec.Code)
	}
}

func TestHandleWebhookRejectsBadSignature(t *testing.T) {
	cfg := config.Default()
	cfg.WhatsApp.AppSecret = "sec"
	a := newTestApp(cfg)

	body := []byte(`{"entry":[]}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign(body, "wrong-secret"))
	rec := httptest.NewRecorder()
	a.handleWebhook(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("bad signature = %d, want 403", rec.Code)
	}
}

func TestHandleWebhookAcksUnparsableBody(t *testing.T) {
	// The provider retries non-200 responses; garbage must still be acked.
	a := newTestApp(config.Default())

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	a.handleWebhook(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("unparsable body = %d, want 200", rec.Code)
	}
}

func TestHandleWebhookDropsUnknownPrincipal(t *testing.T) {
	cfg := config.Default()
	cfg.WhatsApp.Principal = "34600111222"
	a := newTestApp(cfg)

	body := []byte(`{"entry":[{"changes":[{"value":{"messages":[
	  {"id":"wamid.1","from":"15550001111","type":"text","text":{"body":"hi"}}
	]}}]}]}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	a.handleWebhook(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("code = %d", rec.Code)
	}
	// The stranger's message is dropped before the (nil) pipeline is touched.
	if !a.tracker.Shutdown(2 * time.Second) {
		t.Error("dispatch did not finish")
	}
}
