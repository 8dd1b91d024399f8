package masterdata

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/medstock/internal/platform/httpx"
	"github.com/odyssey-erp/medstock/internal/shared"
)

// Handler manages master data endpoints.
type Handler struct {
	logger  *slog.Logger
	service Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers master data routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/locations", h.listLocations)
	r.Get("/locations/{id}", h.showLocation)
}

type locationListResponse struct {
	Items []Location `json:"items"`
	Total int        `json:"total"`
}

func (h *Handler) listLocations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := ListFilters{Kind: LocationKind(q.Get("kind")), Search: q.Get("q")}
	if v := q.Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			httpx.RespondError(w, shared.Invalid("active", "must be a boolean"))
			return
		}
		filters.IsActive = &active
	}
	for name, dst := range map[string]*int{"limit": &filters.Limit, "offset": &filters.Offset} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				httpx.RespondError(w, shared.Invalid(name, "must be an integer"))
				return
			}
			*dst = n
		}
	}
	items, total, err := h.service.ListLocations(r.Context(), filters)
	if err != nil {
		h.logger.Error("list locations", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if items == nil {
		items = []Location{}
	}
	httpx.JSON(w, http.StatusOK, locationListResponse{Items: items, Total: total})
}

func (h *Handler) showLocation(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.RespondError(w, shared.Invalid("id", "invalid location ID"))
		return
	}
	loc, err := h.service.GetLocation(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, loc)
}
