package phone

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func newTwilioFixture(t *testing.T) (*TwilioProvider, *[]url.Values) {
	t.Helper()
	var requests []url.Values
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		form, _ := url.ParseQuery(string(body))
		requests = append(requests, form)
		if user, pass, ok := r.BasicAuth(); !ok || user != "AC123" || pass != "tok" {
			t.Errorf("bad basic auth: %s/%s", user, pass)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sid":"CA42","status":"queued"}`))
	}))
	t.Cleanup(api.Close)

	provider, err := NewTwilioProvider(TwilioConfig{
		AccountSID: "AC123",
		AuthToken:  "tok",
		From:       "+15550100",
	})
	if err != nil {
		t.Fatal(err)
	}
	provider.SetBaseURL(api.URL)
	return provider, &requests
}

func TestTwilioPlaceCall(t *testing.T) {
	provider, requests := newTwilioFixture(t)

	call, err := provider.PlaceCall(context.Background(), "+15550199", CallOptions{Greeting: "Hello."})
	if err != nil {
		t.Fatalf("PlaceCall() error = %v", err)
	}
	if len(*requests) != 1 {
		t.Fatalf("api requests = %d", len(*requests))
	}
	form := (*requests)[0]
	if form.Get("To") != "+15550199" || form.Get("From") != "+15550100" {
		t.Errorf("call params: %v", form)
	}

	if err := call.Hangup(); err != nil {
		t.Errorf("Hangup() error = %v", err)
	}
	if got := (*requests)[1].Get("Status"); got != "completed" {
		t.Errorf("hangup status param = %q", got)
	}
}

func TestTwilioWebhookFlow(t *testing.T) {
	provider, _ := newTwilioFixture(t)

	session, err := provider.PlaceCall(context.Background(), "+15550199", CallOptions{Greeting: "Agent calling."})
	if err != nil {
		t.Fatal(err)
	}
	call := session.(*twilioCall)

	webhook := httptest.NewServer(provider.Webhook())
	defer webhook.Close()

	// Before Say, the TwiML pauses and redirects.
	resp, err := http.Post(webhook.URL+"/twiml?call="+call.id, "application/x-www-form-urlencoded", nil)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "<Redirect") {
		t.Errorf("pre-prompt twiml = %s", body)
	}

	if err := session.Say(context.Background(), "Run delete_file?"); err != nil {
		t.Fatal(err)
	}
	resp, err = http.Post(webhook.URL+"/twiml?call="+call.id, "application/x-www-form-urlencoded", nil)
	if err != nil {
		t.Fatal(err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	twiml := string(body)
	if !strings.Contains(twiml, "Run delete_file?") || !strings.Contains(twiml, "<Gather") {
		t.Errorf("prompt twiml = %s", twiml)
	}

	var got []string
	remove := session.PatchTools([]string{ToolAccept, ToolDecline}, func(tool string, _ json.RawMessage) {
		got = append(got, tool)
	})
	defer remove()

	resp, err = http.Post(webhook.URL+"/gather?call="+call.id, "application/x-www-form-urlencoded",
		strings.NewReader("Digits=1"))
	if err != nil {
		t.Fatal(err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "<Hangup/>") {
		t.Errorf("gather twiml = %s", body)
	}
	if len(got) != 1 || got[0] != ToolAccept {
		t.Errorf("handler calls = %v", got)
	}

	// Unknown digit replays the prompt instead of settling.
	resp, err = http.Post(webhook.URL+"/gather?call="+call.id, "application/x-www-form-urlencoded",
		strings.NewReader("Digits=7"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if len(got) != 1 {
		t.Errorf("unexpected verdicts: %v", got)
	}
}

func TestTwilioDeclineDigit(t *testing.T) {
	provider, _ := newTwilioFixture(t)
	session, err := provider.PlaceCall(context.Background(), "+15550199", CallOptions{})
	if err != nil {
		t.Fatal(err)
	}
	call := session.(*twilioCall)

	var got []string
	session.PatchTools([]string{ToolAccept, ToolDecline}, func(tool string, _ json.RawMessage) {
		got = append(got, tool)
	})

	webhook := httptest.NewServer(provider.Webhook())
	defer webhook.Close()
	resp, err := http.Post(webhook.URL+"/gather?call="+call.id, "application/x-www-form-urlencoded",
		strings.NewReader("Digits=2"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if len(got) != 1 || got[0] != ToolDecline {
		t.Errorf("handler calls = %v", got)
	}
}

func TestTwilioConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  TwilioConfig
	}{
		{"missing sid", TwilioConfig{AuthToken: "t", From: "+1"}},
		{"missing token", TwilioConfig{AccountSID: "AC", From: "+1"}},
		{"missing from", TwilioConfig{AccountSID: "AC", AuthToken: "t"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewTwilioProvider(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}
