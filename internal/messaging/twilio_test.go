package messaging

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestParseInboundWebhook(t *testing.T) {
	form := url.Values{}
	form.Set("MessageSid", "SM42")
	form.Set("From", " whatsapp:+15550001111 ")
	form.Set("To", "whatsapp:+15559990000")
	form.Set("Body", "Привет!")

	req := httptest.NewRequest(http.MethodPost, "/bot", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	msg, err := ParseInboundWebhook(req)
	if err != nil {
		t.Fatalf("parse webhook: %v", err)
	}
	if msg.MessageSid != "SM42" {
		t.Fatalf("unexpected sid: %s", msg.MessageSid)
	}
	if msg.From != "whatsapp:+15550001111" {
		t.Fatalf("expected trimmed from, got %q", msg.From)
	}
	if msg.Body != "Привет!" {
		t.Fatalf("unexpected body: %q", msg.Body)
	}
}

func TestValidateTwilioSignature(t *testing.T) {
	form := url.Values{}
	form.Set("From", "whatsapp:+15550001111")
	form.Set("Body", "hello")
	webhookURL := "https://relay.example.com/bot"

	newReq := func(signature string) *http.Request {
		req := httptest.NewRequest(http.MethodPost, webhookURL, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if signature != "" {
			req.Header.Set("X-Twilio-Signature", signature)
		}
		return req
	}

	valid := computeSignature(buildSignaturePayload(webhookURL, form), "secret-token")
	if !ValidateTwilioSignature(newReq(valid), "secret-token", webhookURL) {
		t.Fatal("expected valid signature to pass")
	}
	if ValidateTwilioSignature(newReq(valid), "other-token", webhookURL) {
		t.Fatal("expected signature for a different token to fail")
	}
	if ValidateTwilioSignature(newReq("garbage"), "secret-token", webhookURL) {
		t.Fatal("expected garbage signature to fail")
	}
	if ValidateTwilioSignature(newReq(""), "secret-token", webhookURL) {
		t.Fatal("expected missing signature to fail")
	}
}

func TestBuildSignaturePayloadSortsKeys(t *testing.T) {
	form := url.Values{}
	form.Set("Zeta", "2")
	form.Set("Alpha", "1")
	payload := buildSignaturePayload("https://relay.example.com/bot", form)
	if payload != "https://relay.example.com/botAlpha1Zeta2" {
		t.Fatalf("unexpected payload: %s", payload)
	}
}
