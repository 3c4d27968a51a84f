package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sunway24/dealbridge/internal/auth"
	"github.com/sunway24/dealbridge/internal/dispatch"
	"github.com/sunway24/dealbridge/internal/docstore"
	"github.com/sunway24/dealbridge/internal/stream"
)

type stubDispatcher struct {
	mu      sync.Mutex
	dealIDs []string
	kinds   []docstore.Kind

	deal   func(dealID string) (dispatch.Result, error)
	upload func(dealID string, kind docstore.Kind) (dispatch.Result, error)
}

func (s *stubDispatcher) HandleDealEvent(ctx context.Context, dealID string) (dispatch.Result, error) {
	s.mu.Lock()
	s.dealIDs = append(s.dealIDs, dealID)
	s.mu.Unlock()
	if s.deal != nil {
		return s.deal(dealID)
	}
	return dispatch.Result{Trigger: dispatch.TriggerStage, DealID: dealID, Stage: "NEW", Outcome: dispatch.OutcomeSuccess}, nil
}

func (s *stubDispatcher) HandleArtifactUploaded(ctx context.Context, dealID string, kind docstore.Kind) (dispatch.Result, error) {
	s.mu.Lock()
	s.dealIDs = append(s.dealIDs, dealID)
	s.kinds = append(s.kinds, kind)
	s.mu.Unlock()
	if s.upload != nil {
		return s.upload(dealID, kind)
	}
	return dispatch.Result{Trigger: dispatch.TriggerUpload, DealID: dealID, Kind: kind, Outcome: dispatch.OutcomeSuccess}, nil
}

func (s *stubDispatcher) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.dealIDs...)
}

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

func newTestServer(t *testing.T, api *API) *apiClient {
	t.Helper()
	api.WithRateLimit(100, 100)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &apiClient{baseURL: srv.URL, client: srv.Client(), t: t}
}

func newTestAPI(t *testing.T, d *stubDispatcher) *apiClient {
	t.Helper()
	return newTestServer(t, New(d, stream.New(), ReadyProbe{}, nil, "test"))
}

func (c *apiClient) postRaw(path, contentType, body string, headers map[string]string) *http.Response {
	c.t.Helper()
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, strings.NewReader(body))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		c.t.Fatalf("marshal body: %v", err)
	}
	return c.postRaw(path, "application/json", string(payload), headers)
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func dealUpdateBody(id any) map[string]any {
	return map[string]any{"data": map[string]any{"FIELDS": map[string]any{"ID": id}}}
}

func TestDealUpdateOutcomes(t *testing.T) {
	cases := []struct {
		name    string
		result  dispatch.Result
		err     error
		code    int
		status  string
		message string
	}{
		{
			name:    "success",
			result:  dispatch.Result{DealID: "501", Stage: "UC_EWKB0I", Outcome: dispatch.OutcomeSuccess, Artifact: dispatch.ArtifactSent},
			code:    http.StatusOK,
			status:  "success",
			message: "Notification sent for deal 501",
		},
		{
			name:    "unchanged",
			result:  dispatch.Result{DealID: "501", Outcome: dispatch.OutcomeNoOp},
			code:    http.StatusOK,
			status:  "info",
			message: "Stage unchanged",
		},
		{
			name:    "unresolved",
			result:  dispatch.Result{DealID: "501", ContactID: "17", Outcome: dispatch.OutcomeRecipientUnresolved},
			code:    http.StatusOK,
			status:  "warning",
			message: "No Telegram user for contact 17",
		},
		{
			name:    "deal not found",
			result:  dispatch.Result{DealID: "501", Outcome: dispatch.OutcomeDealNotFound},
			code:    http.StatusNotFound,
			status:  "error",
			message: "Deal not found",
		},
		{
			name:    "incomplete deal",
			result:  dispatch.Result{DealID: "501", Outcome: dispatch.OutcomeIncompleteDeal},
			code:    http.StatusBadRequest,
			status:  "error",
			message: "Missing data",
		},
		{
			name:   "invalid input",
			err:    dispatch.ErrInvalidInput,
			code:   http.StatusBadRequest,
			status: "error",
		},
		{
			name:    "upstream failure",
			err:     fmt.Errorf("%w: stage notification: %v", dispatch.ErrUpstream, errors.New("sendMessage: Forbidden: bot was blocked by the user")),
			code:    http.StatusInternalServerError,
			status:  "error",
			message: upstreamFailureText,
		},
		{
			name:    "unexpected error",
			err:     errors.New("boom"),
			code:    http.StatusInternalServerError,
			status:  "error",
			message: "internal error",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := &stubDispatcher{deal: func(string) (dispatch.Result, error) {
				res := tc.result
				res.Trigger = dispatch.TriggerStage
				return res, tc.err
			}}
			api := newTestAPI(t, d)

			resp := api.post("/webhook/deal_update", dealUpdateBody("501"), nil)
			if resp.StatusCode != tc.code {
				t.Fatalf("status code = %d, want %d", resp.StatusCode, tc.code)
			}
			body := decode[map[string]any](t, resp)
			if body["status"] != tc.status {
				t.Fatalf("status = %v, want %s", body["status"], tc.status)
			}
			if tc.message != "" && body["message"] != tc.message {
				t.Fatalf("message = %v, want %s", body["message"], tc.message)
			}
			if tc.name == "success" {
				if body["stage"] != "UC_EWKB0I" || body["artifact"] != "sent" {
					t.Fatalf("unexpected success body: %v", body)
				}
			}
		})
	}
}

func TestDealUpdateExtractsDealID(t *testing.T) {
	cases := []struct {
		name        string
		contentType string
		body        string
		want        string
	}{
		{"nested json", "application/json", `{"data":{"FIELDS":{"ID":"501"}}}`, "501"},
		{"numeric id", "application/json", `{"data":{"FIELDS":{"ID":502}}}`, "502"},
		{"flat json", "application/json", `{"FIELDS":{"ID":"503"}}`, "503"},
		{"form", "application/x-www-form-urlencoded", "event=ONCRMDEALUPDATE&data%5BFIELDS%5D%5BID%5D=504", "504"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := &stubDispatcher{}
			api := newTestAPI(t, d)
			resp := api.postRaw("/webhook/deal_update", tc.contentType, tc.body, nil)
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status code = %d", resp.StatusCode)
			}
			if got := d.calls(); len(got) != 1 || got[0] != tc.want {
				t.Fatalf("dispatched %v, want [%s]", got, tc.want)
			}
		})
	}
}

func TestDealUpdateRejectsBadPayload(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		message string
	}{
		{"missing id", `{"data":{"FIELDS":{}}}`, "No deal ID"},
		{"null id", `{"FIELDS":{"ID":null}}`, "No deal ID"},
		{"upload shape", `{"deal_id":"501"}`, "No deal ID"},
		{"not json", `deal=501`, "Invalid request body"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := &stubDispatcher{}
			api := newTestAPI(t, d)
			resp := api.postRaw("/webhook/deal_update", "application/json", tc.body, nil)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status code = %d, want 400", resp.StatusCode)
			}
			body := decode[map[string]any](t, resp)
			if body["message"] != tc.message {
				t.Fatalf("message = %v, want %s", body["message"], tc.message)
			}
			if len(d.calls()) != 0 {
				t.Fatalf("dispatcher must not run")
			}
		})
	}
}

func TestUploadWebhooks(t *testing.T) {
	cases := []struct {
		name    string
		path    string
		kind    docstore.Kind
		outcome dispatch.Outcome
		code    int
		status  string
		message string
	}{
		{"invoice sent", "/webhook/invoice_uploaded", docstore.KindInvoice, dispatch.OutcomeSuccess, http.StatusOK, "success", "Invoice sent for deal 77"},
		{"photos sent", "/webhook/photos_uploaded", docstore.KindPhotos, dispatch.OutcomeSuccess, http.StatusOK, "success", "Photos sent for deal 77"},
		{"photos guard", "/webhook/photos_uploaded", docstore.KindPhotos, dispatch.OutcomeNotInStage, http.StatusOK, "info", "Deal not in warehouse stage"},
		{"invoice failed", "/webhook/invoice_uploaded", docstore.KindInvoice, dispatch.OutcomeArtifactFailed, http.StatusInternalServerError, "error", "Failed to send invoice"},
		{"photos failed", "/webhook/photos_uploaded", docstore.KindPhotos, dispatch.OutcomeArtifactFailed, http.StatusInternalServerError, "error", "Failed to send photos"},
		{"unresolved", "/webhook/invoice_uploaded", docstore.KindInvoice, dispatch.OutcomeRecipientUnresolved, http.StatusOK, "warning", "No Telegram user for contact 9"},
		{"not found", "/webhook/photos_uploaded", docstore.KindPhotos, dispatch.OutcomeDealNotFound, http.StatusNotFound, "error", "Deal not found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var gotKind docstore.Kind
			d := &stubDispatcher{upload: func(dealID string, kind docstore.Kind) (dispatch.Result, error) {
				gotKind = kind
				return dispatch.Result{Trigger: dispatch.TriggerUpload, DealID: dealID, ContactID: "9", Kind: kind, Outcome: tc.outcome}, nil
			}}
			api := newTestAPI(t, d)

			resp := api.post(tc.path, map[string]any{"deal_id": "77"}, nil)
			if resp.StatusCode != tc.code {
				t.Fatalf("status code = %d, want %d", resp.StatusCode, tc.code)
			}
			body := decode[map[string]any](t, resp)
			if body["status"] != tc.status || body["message"] != tc.message {
				t.Fatalf("body = %v, want %s %q", body, tc.status, tc.message)
			}
			if gotKind != tc.kind {
				t.Fatalf("kind = %s, want %s", gotKind, tc.kind)
			}
		})
	}
}

func TestUploadWebhookAcceptsFieldsShape(t *testing.T) {
	d := &stubDispatcher{}
	api := newTestAPI(t, d)

	resp := api.post("/webhook/invoice_uploaded", map[string]any{"FIELDS": map[string]any{"ID": 88}}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d", resp.StatusCode)
	}
	if got := d.calls(); len(got) != 1 || got[0] != "88" {
		t.Fatalf("dispatched %v", got)
	}
}

func TestWebhookRequiresPost(t *testing.T) {
	api := newTestAPI(t, &stubDispatcher{})
	resp := api.get("/webhook/deal_update", nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status code = %d, want 405", resp.StatusCode)
	}
	if resp.Header.Get("Allow") != http.MethodPost {
		t.Fatalf("Allow = %q", resp.Header.Get("Allow"))
	}
}

func TestServiceEndpoints(t *testing.T) {
	api := newTestAPI(t, &stubDispatcher{})

	root := decode[map[string]any](t, api.get("/", nil, nil))
	if root["status"] != "active" {
		t.Fatalf("root status = %v", root["status"])
	}
	if eps, ok := root["endpoints"].([]any); !ok || len(eps) != 3 {
		t.Fatalf("root endpoints = %v", root["endpoints"])
	}

	health := decode[map[string]any](t, api.get("/health", nil, nil))
	if health["status"] != "healthy" {
		t.Fatalf("health status = %v", health["status"])
	}

	resp := api.get("/nope", nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown path status = %d", resp.StatusCode)
	}

	resp = api.get("/metrics", nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestReadyReflectsBackend(t *testing.T) {
	cases := []struct {
		name  string
		probe ReadyProbe
		code  int
	}{
		{"no backend", ReadyProbe{}, http.StatusOK},
		{"healthy backend", ReadyProbe{Backend: pinger{}}, http.StatusOK},
		{"failing backend", ReadyProbe{Backend: pinger{err: errors.New("connection refused")}}, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			api := newTestServer(t, New(&stubDispatcher{}, nil, tc.probe, nil, "test"))
			resp := api.get("/readyz", nil, nil)
			resp.Body.Close()
			if resp.StatusCode != tc.code {
				t.Fatalf("status code = %d, want %d", resp.StatusCode, tc.code)
			}
		})
	}
}

func TestWebhookTokenEnforcement(t *testing.T) {
	const secret = "webhook-secret"
	d := &stubDispatcher{}
	api := newTestServer(t, New(d, stream.New(), ReadyProbe{}, auth.NewWebhookVerifier(secret), "test"))

	token, err := auth.GenerateWebhookToken(secret, "bitrix", time.Hour)
	if err != nil {
		t.Fatalf("GenerateWebhookToken: %v", err)
	}
	other, err := auth.GenerateWebhookToken("other-secret", "bitrix", time.Hour)
	if err != nil {
		t.Fatalf("GenerateWebhookToken: %v", err)
	}

	payload, _ := json.Marshal(dealUpdateBody("501"))
	cases := []struct {
		name    string
		path    string
		headers map[string]string
		code    int
	}{
		{"missing token", "/webhook/deal_update", nil, http.StatusUnauthorized},
		{"wrong secret", "/webhook/deal_update", map[string]string{"Authorization": "Bearer " + other}, http.StatusUnauthorized},
		{"wrong scheme", "/webhook/deal_update", map[string]string{"Authorization": "Basic abc"}, http.StatusUnauthorized},
		{"bearer", "/webhook/deal_update", map[string]string{"Authorization": "Bearer " + token}, http.StatusOK},
		{"query token", "/webhook/deal_update?token=" + url.QueryEscape(token), nil, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := api.postRaw(tc.path, "application/json", string(payload), tc.headers)
			resp.Body.Close()
			if resp.StatusCode != tc.code {
				t.Fatalf("status code = %d, want %d", resp.StatusCode, tc.code)
			}
		})
	}
	if got := len(d.calls()); got != 2 {
		t.Fatalf("dispatcher calls = %d, want 2", got)
	}

	resp := api.get("/health", nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health must stay public, got %d", resp.StatusCode)
	}
}

func TestStreamDeliversEvents(t *testing.T) {
	events := stream.New()
	api := newTestServer(t, New(&stubDispatcher{}, events, ReadyProbe{}, nil, "test"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, api.baseURL+"/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := api.client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	deadline := time.Now().Add(2 * time.Second)
	for events.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	events.Publish(stream.Event{Type: stream.TypeDispatch, DealID: "501", Outcome: "success"})

	reader := bufio.NewReader(resp.Body)
	var eventLine string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if strings.HasPrefix(line, "event: ") {
			eventLine = strings.TrimSpace(strings.TrimPrefix(line, "event: "))
			continue
		}
		if strings.HasPrefix(line, "data: ") {
			var evt stream.Event
			if err := json.Unmarshal(bytes.TrimSpace([]byte(strings.TrimPrefix(line, "data: "))), &evt); err != nil {
				t.Fatalf("decode event: %v", err)
			}
			if eventLine != stream.TypeDispatch || evt.DealID != "501" {
				t.Fatalf("unexpected event %s %+v", eventLine, evt)
			}
			return
		}
	}
}
