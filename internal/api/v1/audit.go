package v1

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fundroom/fundroom/internal/audit"
	"github.com/fundroom/fundroom/internal/server/middleware"
)

// AuditExportHandler streams a tenant's chain-of-custody as JSON or CSV. It is
// a plain chi handler rather than a huma operation because the CSV branch
// writes rows straight to the response.
//
// Query parameters: format (json|csv), document_id, from, to (RFC 3339), limit.
type AuditExportHandler struct {
	exporter AuditExporter
}

func NewAuditExportHandler(exporter AuditExporter) *AuditExportHandler {
	return &AuditExportHandler{exporter: exporter}
}

func (h *AuditExportHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := middleware.TenantIDFromContext(r.Context())
	if !ok {
		http.Error(w, `{"title":"Forbidden","status":403,"detail":"missing tenant context"}`, http.StatusForbidden)
		return
	}

	opts, format, err := parseExportQuery(r)
	if err != nil {
		http.Error(w, `{"title":"Bad Request","status":400,"detail":"`+err.Error()+`"}`, http.StatusBadRequest)
		return
	}

	res, err := h.exporter.Export(r.Context(), tenantID, opts)
	if err != nil {
		log.Error().Err(err).Str("tenant_id", tenantID.String()).Msg("audit export failed")
		http.Error(w, `{"title":"Internal Server Error","status":500,"detail":"export failed"}`, http.StatusInternalServerError)
		return
	}

	switch format {
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="audit-export.csv"`)
		err = res.WriteCSV(w)
	default:
		w.Header().Set("Content-Type", "application/json")
		err = res.WriteJSON(w)
	}
	if err != nil {
		// Headers are gone; all we can do is log.
		log.Error().Err(err).Str("tenant_id", tenantID.String()).Msg("audit export write failed")
	}
}

func parseExportQuery(r *http.Request) (audit.ExportOptions, string, error) {
	q := r.URL.Query()
	var opts audit.ExportOptions

	format := q.Get("format")
	switch format {
	case "", "json":
		format = "json"
	case "csv":
	default:
		return opts, "", errInvalidParam("format")
	}

	if v := q.Get("document_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return opts, "", errInvalidParam("document_id")
		}
		opts.ResourceID = id
	}

	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return opts, "", errInvalidParam("from")
		}
		opts.From = t
	}

	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return opts, "", errInvalidParam("to")
		}
		opts.To = t
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return opts, "", errInvalidParam("limit")
		}
		opts.Limit = n
	}

	return opts, format, nil
}

type errInvalidParam string

func (e errInvalidParam) Error() string { return "invalid " + string(e) + " parameter" }
