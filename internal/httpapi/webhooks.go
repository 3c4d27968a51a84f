package httpapi

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/sunway24/dealbridge/internal/audit"
	"github.com/sunway24/dealbridge/internal/dispatch"
	"github.com/sunway24/dealbridge/internal/docstore"
	"github.com/sunway24/dealbridge/internal/obs"
)

// Webhook reply statuses.
const (
	statusSuccess = "success"
	statusWarning = "warning"
	statusInfo    = "info"
	statusError   = "error"
)

var (
	errNoDealID    = errors.New("No deal ID")
	errInvalidBody = errors.New("Invalid request body")
)

// Deal id locations, tried in order. Form keys are the flattened spelling the CRM
// uses for outbound webhooks (data[FIELDS][ID]=...).
var (
	dealUpdateJSONPaths = []string{"data.FIELDS.ID", "FIELDS.ID"}
	dealUpdateFormKeys  = []string{"data[FIELDS][ID]", "FIELDS[ID]"}
	uploadJSONPaths     = []string{"deal_id", "FIELDS.ID"}
	uploadFormKeys      = []string{"deal_id", "FIELDS[ID]"}
)

// DealUpdate handles the CRM deal-changed webhook.
func (a *API) DealUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	dealID, err := readDealID(r, dealUpdateJSONPaths, dealUpdateFormKeys)
	if err != nil {
		a.rejectPayload(w, r, "deal_update", err)
		return
	}
	res, err := a.dispatcher.HandleDealEvent(r.Context(), dealID)
	a.auditDispatch(r, res, err)
	if err != nil {
		writeDispatchError(w, r, err)
		return
	}
	writeDealResult(w, res)
}

func (a *API) uploadHandler(kind docstore.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		dealID, err := readDealID(r, uploadJSONPaths, uploadFormKeys)
		if err != nil {
			a.rejectPayload(w, r, string(kind)+"_uploaded", err)
			return
		}
		res, err := a.dispatcher.HandleArtifactUploaded(r.Context(), dealID, kind)
		a.auditDispatch(r, res, err)
		if err != nil {
			writeDispatchError(w, r, err)
			return
		}
		writeUploadResult(w, res, kind)
	}
}

func (a *API) rejectPayload(w http.ResponseWriter, r *http.Request, hook string, err error) {
	obs.Warn("webhook_rejected", map[string]any{
		"request_id": RequestIDFromContext(r.Context()),
		"webhook":    hook,
		"error":      err,
	})
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeStatus(w, http.StatusRequestEntityTooLarge, statusError, "Request body too large", nil)
		return
	}
	writeStatus(w, http.StatusBadRequest, statusError, err.Error(), nil)
}

func (a *API) auditDispatch(r *http.Request, res dispatch.Result, err error) {
	fields := map[string]any{
		"delivery_id": res.DeliveryID,
		"deal_id":     res.DealID,
		"outcome":     string(res.Outcome),
	}
	if res.Kind != "" {
		fields["kind"] = string(res.Kind)
	}
	if err != nil {
		fields["error"] = err
	}
	_ = audit.LogEvent(r.Context(), "webhook_"+string(res.Trigger), fields)
}

// readDealID extracts the deal id from a JSON or form-encoded body.
func readDealID(r *http.Request, jsonPaths, formKeys []string) (string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxBodyBytes); err != nil {
			return "", err
		}
		return firstForm(r.PostForm, formKeys)
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return "", err
	}
	if mediaType == "application/x-www-form-urlencoded" {
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return "", errInvalidBody
		}
		return firstForm(values, formKeys)
	}

	if !gjson.ValidBytes(body) {
		return "", errInvalidBody
	}
	doc := gjson.ParseBytes(body)
	for _, p := range jsonPaths {
		v := doc.Get(p)
		if !v.Exists() || v.Type == gjson.Null {
			continue
		}
		if id := strings.TrimSpace(v.String()); id != "" {
			return id, nil
		}
	}
	return "", errNoDealID
}

func firstForm(values url.Values, keys []string) (string, error) {
	for _, k := range keys {
		if id := strings.TrimSpace(values.Get(k)); id != "" {
			return id, nil
		}
	}
	return "", errNoDealID
}

const upstreamFailureText = "upstream service unavailable"

func writeDispatchError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, dispatch.ErrInvalidInput):
		writeStatus(w, http.StatusBadRequest, statusError, err.Error(), nil)
	case errors.Is(err, dispatch.ErrUpstream):
		obs.Error("webhook_upstream_failed", map[string]any{"request_id": RequestIDFromContext(r.Context()), "error": err})
		writeStatus(w, http.StatusInternalServerError, statusError, upstreamFailureText, nil)
	default:
		obs.Error("webhook_failed", map[string]any{"request_id": RequestIDFromContext(r.Context()), "error": err})
		writeStatus(w, http.StatusInternalServerError, statusError, "internal error", nil)
	}
}

// writeCommon covers the outcomes both trigger paths share. It reports false when
// the caller must write the reply itself.
func writeCommon(w http.ResponseWriter, res dispatch.Result) bool {
	extra := map[string]any{"delivery_id": res.DeliveryID}
	switch res.Outcome {
	case dispatch.OutcomeDealNotFound:
		writeStatus(w, http.StatusNotFound, statusError, "Deal not found", extra)
	case dispatch.OutcomeIncompleteDeal:
		writeStatus(w, http.StatusBadRequest, statusError, "Missing data", extra)
	case dispatch.OutcomeRecipientUnresolved:
		writeStatus(w, http.StatusOK, statusWarning, fmt.Sprintf("No Telegram user for contact %s", res.ContactID), extra)
	default:
		return false
	}
	return true
}

func writeDealResult(w http.ResponseWriter, res dispatch.Result) {
	if writeCommon(w, res) {
		return
	}
	extra := map[string]any{"delivery_id": res.DeliveryID}
	switch res.Outcome {
	case dispatch.OutcomeNoOp:
		writeStatus(w, http.StatusOK, statusInfo, "Stage unchanged", extra)
	case dispatch.OutcomeSuccess:
		extra["stage"] = res.Stage
		if res.Artifact != dispatch.ArtifactNone {
			extra["artifact"] = string(res.Artifact)
		}
		writeStatus(w, http.StatusOK, statusSuccess, fmt.Sprintf("Notification sent for deal %s", res.DealID), extra)
	default:
		writeStatus(w, http.StatusInternalServerError, statusError, "internal error", extra)
	}
}

func writeUploadResult(w http.ResponseWriter, res dispatch.Result, kind docstore.Kind) {
	if writeCommon(w, res) {
		return
	}
	noun := "invoice"
	if kind == docstore.KindPhotos {
		noun = "photos"
	}
	extra := map[string]any{"delivery_id": res.DeliveryID}
	switch res.Outcome {
	case dispatch.OutcomeNotInStage:
		writeStatus(w, http.StatusOK, statusInfo, "Deal not in warehouse stage", extra)
	case dispatch.OutcomeArtifactFailed:
		extra["artifact"] = string(res.Artifact)
		writeStatus(w, http.StatusInternalServerError, statusError, "Failed to send "+noun, extra)
	case dispatch.OutcomeSuccess:
		title := strings.ToUpper(noun[:1]) + noun[1:]
		writeStatus(w, http.StatusOK, statusSuccess, fmt.Sprintf("%s sent for deal %s", title, res.DealID), extra)
	default:
		writeStatus(w, http.StatusInternalServerError, statusError, "internal error", extra)
	}
}

func writeStatus(w http.ResponseWriter, code int, status, msg string, extra map[string]any) {
	payload := map[string]any{"status": status, "message": msg}
	for k, v := range extra {
		if v != "" {
			payload[k] = v
		}
	}
	writeJSON(w, code, payload)
}
