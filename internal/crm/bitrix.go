package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/sunway24/dealbridge/internal/obs"
)

const maxResponseBytes = 4 << 20

// Client talks to a Bitrix24 inbound webhook ("https://portal/rest/<user>/<key>/").
type Client struct {
	baseURL string
	http    *http.Client

	namesMu sync.Mutex
	names   map[string]string
}

// NewClient builds a Bitrix24 client. A nil http client gets one with the given timeout.
func NewClient(baseURL string, timeout time.Duration, hc *http.Client) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, fmt.Errorf("%w: bitrix webhook url is empty", ErrInvalidInput)
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{baseURL: baseURL, http: hc, names: make(map[string]string)}, nil
}

// ContactByPhone returns the first contact whose PHONE matches the exact spelling given.
func (c *Client) ContactByPhone(ctx context.Context, phone string) (*Contact, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return nil, ErrInvalidInput
	}
	res, ok, err := c.call(ctx, "crm.contact.list", map[string]any{
		"filter": map[string]any{"PHONE": phone},
		"select": contactSelect,
	})
	if err != nil || !ok {
		return nil, err
	}
	items := res.Array()
	if len(items) == 0 {
		return nil, nil
	}
	contact := parseContact(items[0])
	return &contact, nil
}

// Contact fetches one contact by id.
func (c *Client) Contact(ctx context.Context, contactID string) (*Contact, error) {
	contactID = strings.TrimSpace(contactID)
	if contactID == "" {
		return nil, ErrInvalidInput
	}
	res, ok, err := c.call(ctx, "crm.contact.get", map[string]any{"id": contactID})
	if err != nil || !ok || !res.IsObject() {
		return nil, err
	}
	contact := parseContact(res)
	return &contact, nil
}

// Deal fetches one deal by id.
func (c *Client) Deal(ctx context.Context, dealID string) (*Deal, error) {
	dealID = strings.TrimSpace(dealID)
	if dealID == "" {
		return nil, ErrInvalidInput
	}
	res, ok, err := c.call(ctx, "crm.deal.get", map[string]any{"ID": dealID, "select": dealSelect})
	if err != nil || !ok || !res.IsObject() {
		return nil, err
	}
	deal := parseDeal(res)
	return &deal, nil
}

// ActiveDeals lists the contact's open deals.
func (c *Client) ActiveDeals(ctx context.Context, contactID string) ([]Deal, error) {
	return c.listDeals(ctx, contactID, "N")
}

// ArchivedDeals lists the contact's closed deals.
func (c *Client) ArchivedDeals(ctx context.Context, contactID string) ([]Deal, error) {
	return c.listDeals(ctx, contactID, "Y")
}

func (c *Client) listDeals(ctx context.Context, contactID, closed string) ([]Deal, error) {
	contactID = strings.TrimSpace(contactID)
	if contactID == "" {
		return nil, ErrInvalidInput
	}
	res, ok, err := c.call(ctx, "crm.deal.list", map[string]any{
		"filter": map[string]any{"CONTACT_ID": contactID, "CLOSED": closed},
		"select": dealSelect,
	})
	if err != nil || !ok {
		return nil, err
	}
	var deals []Deal
	res.ForEach(func(_, v gjson.Result) bool {
		if v.IsObject() {
			deals = append(deals, parseDeal(v))
		}
		return true
	})
	return deals, nil
}

// FieldItemName maps a list field item id to its label via crm.deal.fields.
// Results are cached for the process lifetime; failures fall back to the raw id.
func (c *Client) FieldItemName(ctx context.Context, fieldID, itemID string) string {
	if fieldID == "" || itemID == "" {
		return itemID
	}
	key := fieldID + "/" + itemID
	c.namesMu.Lock()
	if name, ok := c.names[key]; ok {
		c.namesMu.Unlock()
		return name
	}
	c.namesMu.Unlock()

	res, ok, err := c.call(ctx, "crm.deal.fields", nil)
	if err != nil || !ok {
		return itemID
	}
	name := itemID
	res.Get(fieldID + ".items").ForEach(func(_, item gjson.Result) bool {
		if item.Get("ID").String() == itemID {
			if v := item.Get("VALUE").String(); v != "" {
				name = v
			}
			return false
		}
		return true
	})

	c.namesMu.Lock()
	c.names[key] = name
	c.namesMu.Unlock()
	return name
}

// call posts params to method and returns the "result" member. ok is false for any
// non-200, transport or decoding failure; err is only set when ctx is done.
func (c *Client) call(ctx context.Context, method string, params any) (res gjson.Result, ok bool, err error) {
	ctx, span := obs.Tracer().Start(ctx, "crm."+method)
	defer span.End()
	span.SetAttributes(attribute.String("crm.method", method))

	start := time.Now()
	defer func() {
		obs.ObserveCRM(method, ok, time.Since(start))
		if !ok {
			span.SetStatus(codes.Error, "crm call failed")
		}
	}()

	if params == nil {
		params = map[string]any{}
	}
	body, err := json.Marshal(params)
	if err != nil {
		return gjson.Result{}, false, fmt.Errorf("%w: encode %s params: %v", ErrInvalidInput, method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+method, bytes.NewReader(body))
	if err != nil {
		return gjson.Result{}, false, fmt.Errorf("%w: build %s request: %v", ErrInvalidInput, method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(ctxErr, context.DeadlineExceeded) {
			return gjson.Result{}, false, ctxErr
		}
		obs.Error("crm_request_failed", map[string]any{"method": method, "error": err})
		return gjson.Result{}, false, nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		obs.Error("crm_read_failed", map[string]any{"method": method, "error": err})
		return gjson.Result{}, false, nil
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode != http.StatusOK {
		obs.Error("crm_bad_status", map[string]any{"method": method, "status": resp.StatusCode, "body": truncate(string(raw), 512)})
		return gjson.Result{}, false, nil
	}
	if !gjson.ValidBytes(raw) {
		obs.Error("crm_malformed_response", map[string]any{"method": method})
		return gjson.Result{}, false, nil
	}
	doc := gjson.ParseBytes(raw)
	if e := doc.Get("error"); e.Exists() {
		obs.Error("crm_api_error", map[string]any{"method": method, "error": e.String(), "description": doc.Get("error_description").String()})
		return gjson.Result{}, false, nil
	}
	res = doc.Get("result")
	if !res.Exists() {
		obs.Error("crm_malformed_response", map[string]any{"method": method, "reason": "missing result"})
		return gjson.Result{}, false, nil
	}
	return res, true, nil
}

func parseDeal(v gjson.Result) Deal {
	d := Deal{
		ID:          v.Get("ID").String(),
		Title:       v.Get("TITLE").String(),
		Stage:       v.Get("STAGE_ID").String(),
		ContactID:   v.Get("CONTACT_ID").String(),
		Opportunity: v.Get("OPPORTUNITY").String(),
		Currency:    v.Get("CURRENCY_ID").String(),
		CreatedAt:   v.Get("DATE_CREATE").String(),
		ModifiedAt:  v.Get("DATE_MODIFY").String(),
	}
	v.ForEach(func(key, val gjson.Result) bool {
		k := key.String()
		if !strings.HasPrefix(k, "UF_") {
			return true
		}
		if d.Fields == nil {
			d.Fields = make(map[string]string)
		}
		d.Fields[k] = flatten(val)
		return true
	})
	return d
}

func parseContact(v gjson.Result) Contact {
	c := Contact{
		ID:       v.Get("ID").String(),
		Name:     v.Get("NAME").String(),
		LastName: v.Get("LAST_NAME").String(),
	}
	for _, p := range v.Get("PHONE.#.VALUE").Array() {
		if s := p.String(); s != "" {
			c.Phones = append(c.Phones, s)
		}
	}
	for _, e := range v.Get("EMAIL.#.VALUE").Array() {
		if s := e.String(); s != "" {
			c.Emails = append(c.Emails, s)
		}
	}
	return c
}

func flatten(v gjson.Result) string {
	if !v.IsArray() {
		if v.Type == gjson.Null {
			return ""
		}
		return v.String()
	}
	var parts []string
	for _, item := range v.Array() {
		if s := flatten(item); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ", ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
