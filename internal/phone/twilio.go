package phone

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TwilioConfig configures the Twilio call provider.
type TwilioConfig struct {
	// AccountSID and AuthToken authenticate against the Twilio REST API
	// (both required).
	AccountSID string
	AuthToken  string

	// From is the caller id for outbound calls.
	From string

	// PublicURL is the externally reachable base URL where the webhook
	// handler is mounted, e.g. https://warden.example.com/phone.
	PublicURL string

	// HTTPClient overrides the API client, for tests.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// TwilioProvider places verification calls over the Twilio Voice API.
// The callee hears the prompt and answers on the keypad: 1 accepts,
// 2 declines. Keypresses arrive on the webhook handler and settle the
// patched verification tools.
type TwilioProvider struct {
	accountSID string
	authToken  string
	from       string
	baseURL    string
	publicURL  string
	client     *http.Client
	logger     *slog.Logger

	mu    sync.Mutex
	calls map[string]*twilioCall
}

// NewTwilioProvider creates a Twilio-backed call provider.
func NewTwilioProvider(cfg TwilioConfig) (*TwilioProvider, error) {
	if cfg.AccountSID == "" {
		return nil, fmt.Errorf("twilio: account SID is required")
	}
	if cfg.AuthToken == "" {
		return nil, fmt.Errorf("twilio: auth token is required")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("twilio: from number is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TwilioProvider{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		from:       cfg.From,
		baseURL:    fmt.Sprintf("https://api.twilio.com/2010-04-01/Accounts/%s", cfg.AccountSID),
		publicURL:  strings.TrimSuffix(cfg.PublicURL, "/"),
		client:     client,
		logger:     logger.With("component", "twilio"),
		calls:      make(map[string]*twilioCall),
	}, nil
}

// SetBaseURL overrides the Twilio API endpoint, for tests.
func (p *TwilioProvider) SetBaseURL(u string) {
	p.baseURL = strings.TrimSuffix(u, "/")
}

type twilioCall struct {
	provider *TwilioProvider
	id       string
	sid      string
	greeting string

	mu      sync.Mutex
	prompt  string
	handler func(tool string, args json.RawMessage)
	ended   bool
}

// PlaceCall dials the target. Twilio fetches the spoken TwiML from the
// webhook handler once the callee answers.
func (p *TwilioProvider) PlaceCall(ctx context.Context, to string, opts CallOptions) (CallSession, error) {
	id := uuid.NewString()
	params := url.Values{
		"To":      {to},
		"From":    {p.from},
		"Url":     {p.publicURL + "/twiml?call=" + id},
		"Timeout": {"30"},
	}
	resp, err := p.apiRequest(ctx, "/Calls.json", params)
	if err != nil {
		return nil, fmt.Errorf("twilio: initiate call: %w", err)
	}
	var result struct {
		SID string `json:"sid"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("twilio: parse response: %w", err)
	}

	call := &twilioCall{provider: p, id: id, sid: result.SID, greeting: opts.Greeting}
	p.mu.Lock()
	p.calls[id] = call
	p.mu.Unlock()
	p.logger.Info("verification call placed", "call_id", id, "sid", result.SID)
	return call, nil
}

// Say records the prompt Twilio will speak when it fetches the TwiML.
func (c *twilioCall) Say(ctx context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return fmt.Errorf("twilio: call ended")
	}
	c.prompt = text
	return nil
}

// PatchTools installs the verdict handler. Keypad digit 1 maps to the
// first named tool, digit 2 to the second.
func (c *twilioCall) PatchTools(names []string, handler func(tool string, args json.RawMessage)) (remove func()) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.handler = nil
		c.mu.Unlock()
	}
}

// Hangup ends the call and forgets it.
func (c *twilioCall) Hangup() error {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return nil
	}
	c.ended = true
	c.mu.Unlock()

	p := c.provider
	p.mu.Lock()
	delete(p.calls, c.id)
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := p.apiRequest(ctx, fmt.Sprintf("/Calls/%s.json", c.sid), url.Values{"Status": {"completed"}})
	if err != nil && !strings.Contains(err.Error(), "404") {
		return fmt.Errorf("twilio: hangup: %w", err)
	}
	return nil
}

// Webhook returns the handler Twilio calls back into. Mount it at the
// path PublicURL points to. Requests are authenticated with the
// X-Twilio-Signature HMAC when a public URL is configured.
func (p *TwilioProvider) Webhook() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/twiml", p.handleTwiml)
	mux.HandleFunc("/gather", p.handleGather)
	return mux
}

func (p *TwilioProvider) lookupCall(r *http.Request) *twilioCall {
	id := r.URL.Query().Get("call")
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[id]
}

// handleTwiml speaks the greeting and prompt, then gathers one digit.
func (p *TwilioProvider) handleTwiml(w http.ResponseWriter, r *http.Request) {
	if !p.verifySignature(r) {
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}
	call := p.lookupCall(r)
	if call == nil {
		http.Error(w, "unknown call", http.StatusNotFound)
		return
	}
	call.mu.Lock()
	prompt := call.prompt
	call.mu.Unlock()

	if prompt == "" {
		// The callee answered before the verifier spoke. Pause briefly and
		// have Twilio fetch the TwiML again.
		writeTwiml(w, `<Response><Pause length="2"/><Redirect method="POST">`+
			escapeXML(p.publicURL+"/twiml?call="+call.id)+`</Redirect></Response>`)
		return
	}
	text := strings.TrimSpace(call.greeting + " " + prompt + " Press 1 to approve, 2 to decline.")
	writeTwiml(w, `<Response><Gather numDigits="1" action="`+
		escapeXML(p.publicURL+"/gather?call="+call.id)+`" method="POST"><Say>`+
		escapeXML(text)+`</Say></Gather><Say>No input received. Goodbye.</Say></Response>`)
}

// handleGather maps the pressed digit to a verification tool.
func (p *TwilioProvider) handleGather(w http.ResponseWriter, r *http.Request) {
	if !p.verifySignature(r) {
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}
	call := p.lookupCall(r)
	if call == nil {
		http.Error(w, "unknown call", http.StatusNotFound)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	var tool string
	switch r.PostForm.Get("Digits") {
	case "1":
		tool = ToolAccept
	case "2":
		tool = ToolDecline
	}
	if tool == "" {
		writeTwiml(w, `<Response><Say>Sorry, press 1 to approve or 2 to decline.</Say><Redirect method="POST">`+
			escapeXML(p.publicURL+"/twiml?call="+call.id)+`</Redirect></Response>`)
		return
	}

	call.mu.Lock()
	handler := call.handler
	call.mu.Unlock()
	if handler != nil {
		handler(tool, nil)
	}
	writeTwiml(w, `<Response><Say>Thank you. Goodbye.</Say><Hangup/></Response>`)
}

func writeTwiml(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/xml")
	_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?>`+body)
}

// verifySignature checks the X-Twilio-Signature HMAC-SHA1 over the full
// request URL plus the sorted POST parameters. Requests are accepted
// unauthenticated only when no public URL is configured (local tests).
func (p *TwilioProvider) verifySignature(r *http.Request) bool {
	if p.publicURL == "" {
		return true
	}
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}
	if err := r.ParseForm(); err != nil {
		return false
	}

	payload := p.publicURL + r.URL.Path
	if r.URL.RawQuery != "" {
		payload += "?" + r.URL.RawQuery
	}
	keys := make([]string, 0, len(r.PostForm))
	for k := range r.PostForm {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		payload += k + r.PostForm.Get(k)
	}

	mac := hmac.New(sha1.New, []byte(p.authToken))
	mac.Write([]byte(payload))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

func (p *TwilioProvider) apiRequest(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+endpoint, bytes.NewBufferString(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(p.accountSID, p.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func escapeXML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "'", "&apos;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	return s
}
