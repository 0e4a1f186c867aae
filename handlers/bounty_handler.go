package handlers

import (
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"bountyboard-backend/core/bounty"
	"bountyboard-backend/docs"
	"bountyboard-backend/metrics"
	"bountyboard-backend/models"
	"bountyboard-backend/services"
)

// BountyHandler serves the gateway API: backlog and by-id reads, metadata
// writes and submissions.
type BountyHandler struct {
	*BaseHandler
	gateway *services.GatewayService
	qr      *services.QRCodeService
}

// NewBountyHandler creates a new bounty handler
func NewBountyHandler(gateway *services.GatewayService, qr *services.QRCodeService) *BountyHandler {
	return &BountyHandler{
		BaseHandler: NewBaseHandler(),
		gateway:     gateway,
		qr:          qr,
	}
}

// RegisterRoutes mounts every gateway route on mux.
func (h *BountyHandler) RegisterRoutes(mux *http.ServeMux, health *HealthHandler) {
	mux.HandleFunc("/api/bounties", h.HandleBacklog)
	mux.HandleFunc("/api/bounty", h.HandleCreate)
	mux.HandleFunc("/api/bounty/", h.HandleBounty)
	mux.HandleFunc("/api/my-bounties/", h.HandleMyBounties)
	mux.HandleFunc("/api/docs/openapi.json", h.HandleOpenAPI)
	mux.Handle("/metrics", metrics.Handler())
	if health != nil {
		mux.HandleFunc("/healthz", health.HandleHealth)
	}
	mux.HandleFunc("/", h.HandleIndex)
}

// HandleIndex lists the API.
func (h *BountyHandler) HandleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		h.sendError(w, http.StatusNotFound, "not found")
		return
	}
	h.sendJSON(w, http.StatusOK, map[string]interface{}{
		"service":       "bounty board gateway",
		"backlog_delay": h.gateway.BacklogDelay().String(),
		"endpoints": []string{
			"GET /api/bounties",
			"POST /api/bounty",
			"GET /api/bounty/{id}",
			"PUT /api/bounty/{id}",
			"POST /api/bounty/{id}/submit",
			"GET /api/bounty/{id}/submissions",
			"GET /api/bounty/{id}/qrcode",
			"GET /api/my-bounties/{creator}",
			"GET /api/docs/openapi.json",
			"GET /mcp/tools",
			"POST /mcp/call",
			"GET /healthz",
			"GET /metrics",
		},
	})
}

// HandleBacklog handles the delayed backlog listing.
// @Summary Backlog of open bounties
// @Tags Bounties
// @Produce json
// @Param limit query int false "page size (max 500)"
// @Param before query string false "next value from the previous page"
// @Success 200 {object} models.BountyListResponse
// @Router /api/bounties [get]
func (h *BountyHandler) HandleBacklog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.sendError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	limit, err := h.parseLimit(r)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	var before *bounty.PageKey
	if raw := r.URL.Query().Get("before"); raw != "" {
		if before, err = bounty.ParsePageKey(raw); err != nil {
			h.sendDomainError(w, err)
			return
		}
	}
	list, err := h.gateway.BacklogPage(r.Context(), before, limit)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	resp := models.BountyListResponse{Bounties: list, Total: len(list)}
	if len(list) == limit {
		resp.Next = bounty.KeyOf(list[len(list)-1]).String()
	}
	h.sendJSON(w, http.StatusOK, resp)
}

// HandleMyBounties lists one creator's open bounties without the delay.
// @Summary Open bounties of one creator
// @Tags Bounties
// @Produce json
// @Router /api/my-bounties/{creator} [get]
func (h *BountyHandler) HandleMyBounties(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.sendError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	creator, err := bounty.ParseAddress(strings.TrimPrefix(r.URL.Path, "/api/my-bounties/"))
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	limit, err := h.parseLimit(r)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	list, err := h.gateway.ByCreator(r.Context(), creator, limit)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendJSON(w, http.StatusOK, models.BountyListResponse{Bounties: list, Total: len(list)})
}

// HandleCreate attaches metadata to a ledger bounty.
// @Summary Attach metadata
// @Tags Bounties
// @Accept json
// @Produce json
// @Param body body models.CreateBountyRequest true "metadata"
// @Router /api/bounty [post]
func (h *BountyHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.sendError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	var req models.CreateBountyRequest
	if err := h.parseJSON(r, &req); err != nil {
		h.sendDomainError(w, err)
		return
	}
	id, err := bounty.ParseID(req.ID)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	in := services.MetadataInput{
		ID:          id,
		Title:       req.Title,
		Description: req.Description,
		Attachments: req.Attachments,
		Amount:      req.Amount,
	}
	if req.CreatorAddress != "" {
		if in.CreatorAddress, err = bounty.ParseAddress(req.CreatorAddress); err != nil {
			h.sendDomainError(w, err)
			return
		}
	}
	m, err := h.gateway.AttachMetadata(r.Context(), in)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendJSON(w, http.StatusCreated, m)
}

// HandleBounty dispatches /api/bounty/{id} and its sub-resources.
func (h *BountyHandler) HandleBounty(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/bounty/"), "/")
	parts := strings.Split(rest, "/")
	id, err := bounty.ParseID(parts[0])
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}
	if len(parts) > 2 {
		h.sendError(w, http.StatusNotFound, "not found")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		h.handleGet(w, r, id)
	case action == "" && r.Method == http.MethodPut:
		h.handleUpdate(w, r, id)
	case action == "submit" && r.Method == http.MethodPost:
		h.handleSubmit(w, r, id)
	case action == "submissions" && r.Method == http.MethodGet:
		h.handleSubmissions(w, r, id)
	case action == "qrcode" && r.Method == http.MethodGet:
		h.handleQRCode(w, r, id)
	case action == "" || action == "submit" || action == "submissions" || action == "qrcode":
		h.sendError(w, http.StatusMethodNotAllowed, "Method not allowed")
	default:
		h.sendError(w, http.StatusNotFound, "not found")
	}
}

func (h *BountyHandler) handleGet(w http.ResponseWriter, r *http.Request, id bounty.ID) {
	m, err := h.gateway.Get(r.Context(), id)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendJSON(w, http.StatusOK, m)
}

func (h *BountyHandler) handleUpdate(w http.ResponseWriter, r *http.Request, id bounty.ID) {
	var req models.UpdateBountyRequest
	if err := h.parseJSON(r, &req); err != nil {
		h.sendDomainError(w, err)
		return
	}
	caller, err := callerIdentity(r, req.CreatorAddress)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	m, err := h.gateway.UpdateMetadata(r.Context(), id, caller, req.Title, req.Description, req.Attachments)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendJSON(w, http.StatusOK, m)
}

func (h *BountyHandler) handleSubmit(w http.ResponseWriter, r *http.Request, id bounty.ID) {
	var req models.SubmitWorkRequest
	if err := h.parseJSON(r, &req); err != nil {
		h.sendDomainError(w, err)
		return
	}
	wallet, err := bounty.ParseAddress(req.WalletAddress)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	sub, err := h.gateway.Submit(r.Context(), id, wallet, req.Result)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendJSON(w, http.StatusCreated, models.SubmitWorkResponse{
		SubmissionID: sub.ID,
		BountyID:     id,
		Sequence:     sub.Sequence,
		Message:      "submission recorded; the creator picks the winner on the ledger",
	})
}

func (h *BountyHandler) handleSubmissions(w http.ResponseWriter, r *http.Request, id bounty.ID) {
	m, subs, err := h.gateway.Submissions(r.Context(), id)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	if subs == nil {
		subs = []bounty.Submission{}
	}
	h.sendJSON(w, http.StatusOK, models.SubmissionsResponse{
		BountyID:    id,
		Status:      m.Status,
		ResolvedAt:  m.ResolvedAt(),
		Submissions: subs,
		Total:       len(subs),
	})
}

func (h *BountyHandler) handleQRCode(w http.ResponseWriter, r *http.Request, id bounty.ID) {
	size := 256
	if raw := r.URL.Query().Get("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 64 || n > 1024 {
			h.sendError(w, http.StatusBadRequest, "size must be between 64 and 1024")
			return
		}
		size = n
	}
	m, err := h.gateway.Get(r.Context(), id)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	png, err := h.qr.GenerateQRCode(h.qr.ShareURL(id, m.Title), size)
	if err != nil {
		log.Printf("qrcode for %s: %v", id.Short(), err)
		h.sendError(w, http.StatusInternalServerError, "failed to generate QR code")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

// HandleOpenAPI serves the registered API description.
func (h *BountyHandler) HandleOpenAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.sendError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	doc, err := docs.JSON()
	if err != nil {
		h.sendError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render docs: %v", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(doc))
}
