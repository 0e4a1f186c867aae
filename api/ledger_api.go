package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bountyboard-backend/core/bounty"
	"bountyboard-backend/core/ledger"
	"bountyboard-backend/handlers"
	"bountyboard-backend/middleware"
	"bountyboard-backend/models"
)

// IdentityHeader names the caller of a ledger mutation.
const IdentityHeader = handlers.IdentityHeader

// LedgerAPI exposes a ledger over HTTP: bounty mutations, token
// authorization and the event stream (range reads and SSE tailing).
type LedgerAPI struct {
	ledger *ledger.Ledger
	faucet bool
}

// NewLedgerAPI creates a new ledger API. faucet enables the dev-only mint route.
func NewLedgerAPI(l *ledger.Ledger, faucet bool) *LedgerAPI {
	return &LedgerAPI{ledger: l, faucet: faucet}
}

// RegisterRoutes mounts the ledger routes on mux.
func (api *LedgerAPI) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ledger/bounties", api.HandleCreate)
	mux.HandleFunc("/ledger/bounties/", api.HandleBounty)
	mux.HandleFunc("/ledger/events", api.HandleEvents)
	mux.HandleFunc("/ledger/events/cursor", api.HandleCursor)
	mux.HandleFunc("/ledger/token/approve", api.HandleApprove)
	mux.HandleFunc("/ledger/token/balance/", api.HandleBalance)
	if api.faucet {
		mux.HandleFunc("/ledger/token/mint", api.HandleMint)
	}
}

func sendError(w http.ResponseWriter, err error) {
	middleware.Error(w, handlers.StatusFor(err), err.Error())
}

func caller(r *http.Request) (bounty.Address, error) {
	raw := strings.TrimSpace(r.Header.Get(IdentityHeader))
	if raw == "" {
		return "", fmt.Errorf("%w: %s header required", bounty.ErrInvalidAddress, IdentityHeader)
	}
	return bounty.ParseAddress(raw)
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: malformed JSON body: %v", bounty.ErrInvalidInput, err)
	}
	return nil
}

// HandleCreate handles POST /ledger/bounties.
func (api *LedgerAPI) HandleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		middleware.Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	who, err := caller(r)
	if err != nil {
		sendError(w, err)
		return
	}
	var req models.CreateLedgerBountyRequest
	if err := decodeBody(r, &req); err != nil {
		sendError(w, err)
		return
	}
	id, err := api.ledger.Create(r.Context(), who, req.Amount)
	if err != nil {
		sendError(w, err)
		return
	}
	log.Printf("ledger: %s created %s (amount=%d)", who.Short(), id.Short(), req.Amount)
	middleware.JSON(w, http.StatusCreated, models.CreateLedgerBountyResponse{ID: id})
}

// HandleBounty handles GET /ledger/bounties/{id} and the release and cancel
// actions below it.
func (api *LedgerAPI) HandleBounty(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/ledger/bounties/"), "/"), "/")
	id, err := bounty.ParseID(parts[0])
	if err != nil {
		sendError(w, err)
		return
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	} else if len(parts) > 2 {
		middleware.Error(w, http.StatusNotFound, "not found")
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			middleware.Error(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		b, ok := api.ledger.Get(r.Context(), id)
		if !ok {
			sendError(w, bounty.ErrNotFound)
			return
		}
		middleware.JSON(w, http.StatusOK, b)
	case "release":
		if r.Method != http.MethodPost {
			middleware.Error(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		who, err := caller(r)
		if err != nil {
			sendError(w, err)
			return
		}
		var req models.ReleaseRequest
		if err := decodeBody(r, &req); err != nil {
			sendError(w, err)
			return
		}
		recipient, err := bounty.ParseAddress(req.Recipient)
		if err != nil {
			sendError(w, fmt.Errorf("%w: %v", bounty.ErrInvalidRecipient, err))
			return
		}
		if err := api.ledger.Release(r.Context(), who, id, recipient); err != nil {
			sendError(w, err)
			return
		}
		b, _ := api.ledger.Get(r.Context(), id)
		middleware.JSON(w, http.StatusOK, b)
	case "cancel":
		if r.Method != http.MethodPost {
			middleware.Error(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		who, err := caller(r)
		if err != nil {
			sendError(w, err)
			return
		}
		if err := api.ledger.Cancel(r.Context(), who, id); err != nil {
			sendError(w, err)
			return
		}
		b, _ := api.ledger.Get(r.Context(), id)
		middleware.JSON(w, http.StatusOK, b)
	default:
		middleware.Error(w, http.StatusNotFound, "not found")
	}
}

// parseEventFilter reads the range and field filters from the query string.
func parseEventFilter(r *http.Request) (bounty.EventFilter, error) {
	q := r.URL.Query()
	var f bounty.EventFilter
	var err error
	parseUint := func(key string) (uint64, error) {
		raw := strings.TrimSpace(q.Get(key))
		if raw == "" {
			return 0, nil
		}
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s must be a non-negative integer", bounty.ErrInvalidInput, key)
		}
		return n, nil
	}
	if f.From, err = parseUint("from"); err != nil {
		return f, err
	}
	if f.Before, err = parseUint("before"); err != nil {
		return f, err
	}
	limit, err := parseUint("limit")
	if err != nil {
		return f, err
	}
	f.Limit = int(limit)

	if raw := strings.TrimSpace(q.Get("kind")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			k, err := bounty.ParseEventKind(part)
			if err != nil {
				return f, err
			}
			f.Kinds = append(f.Kinds, k)
		}
	}
	if raw := q.Get("bounty_id"); raw != "" {
		if f.BountyID, err = bounty.ParseID(raw); err != nil {
			return f, err
		}
	}
	if raw := q.Get("creator"); raw != "" {
		if f.Creator, err = bounty.ParseAddress(raw); err != nil {
			return f, err
		}
	}
	if raw := q.Get("recipient"); raw != "" {
		if f.Recipient, err = bounty.ParseAddress(raw); err != nil {
			return f, err
		}
	}
	return f, nil
}

// HandleEvents serves range reads, or tails the stream over SSE when the
// client asks for text/event-stream.
func (api *LedgerAPI) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		middleware.Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	filter, err := parseEventFilter(r)
	if err != nil {
		sendError(w, err)
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		api.streamEvents(w, r, filter)
		return
	}

	head := api.ledger.Events().Head()
	events, err := api.ledger.Events().Range(r.Context(), filter)
	if err != nil {
		sendError(w, err)
		return
	}
	// Next is where a follow-up read resumes: after the last returned event
	// when the limit cut the page short, otherwise past everything scanned.
	next := head + 1
	if filter.Before > 0 && filter.Before < next {
		next = filter.Before
	}
	if n := len(events); n > 0 {
		last := events[n-1].Position + 1
		if (filter.Limit > 0 && n >= filter.Limit) || last > next {
			next = last
		}
	}
	if next < filter.From {
		next = filter.From
	}
	middleware.JSON(w, http.StatusOK, models.EventsResponse{Events: events, Total: len(events), Next: next})
}

func (api *LedgerAPI) streamEvents(w http.ResponseWriter, r *http.Request, filter bounty.EventFilter) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		middleware.Error(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	from := filter.From
	if from == 0 {
		if last, err := strconv.ParseUint(r.Header.Get("Last-Event-ID"), 10, 64); err == nil {
			from = last + 1
		}
	}
	if from != 0 && from < api.ledger.Events().Base() {
		sendError(w, bounty.ErrCursorTooOld)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(": stream open\n\n"))
	flusher.Flush()

	err := api.ledger.Events().Follow(r.Context(), from, func(evt bounty.Event) error {
		if filter.Before > 0 && evt.Position >= filter.Before {
			return errStreamDone
		}
		if !filter.Matches(evt) {
			return nil
		}
		b, err := json.Marshal(evt)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Position, evt.Kind, b)
		flusher.Flush()
		return nil
	})
	switch {
	case err == nil, errors.Is(err, errStreamDone), r.Context().Err() != nil:
	default:
		b, _ := json.Marshal(map[string]string{"error": err.Error()})
		fmt.Fprintf(w, "event: error\ndata: %s\n\n", b)
		flusher.Flush()
	}
}

var errStreamDone = errors.New("stream reached upper bound")

// HandleCursor answers GET /ledger/events/cursor?since=RFC3339.
func (api *LedgerAPI) HandleCursor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		middleware.Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	raw := strings.TrimSpace(r.URL.Query().Get("since"))
	since, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		sendError(w, fmt.Errorf("%w: since must be RFC3339", bounty.ErrInvalidInput))
		return
	}
	middleware.JSON(w, http.StatusOK, models.CursorResponse{Position: api.ledger.Events().CursorAt(since)})
}

// HandleApprove sets the caller's allowance for the escrow account.
func (api *LedgerAPI) HandleApprove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		middleware.Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	who, err := caller(r)
	if err != nil {
		sendError(w, err)
		return
	}
	var req models.AmountRequest
	if err := decodeBody(r, &req); err != nil {
		sendError(w, err)
		return
	}
	if err := api.ledger.Approve(r.Context(), who, req.Amount); err != nil {
		sendError(w, err)
		return
	}
	middleware.JSON(w, http.StatusOK, api.balance(who))
}

// HandleBalance reports balance and allowance for one address.
func (api *LedgerAPI) HandleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		middleware.Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	addr, err := bounty.ParseAddress(strings.TrimPrefix(r.URL.Path, "/ledger/token/balance/"))
	if err != nil {
		sendError(w, err)
		return
	}
	middleware.JSON(w, http.StatusOK, api.balance(addr))
}

// HandleMint credits test supply. Only mounted with the dev faucet enabled.
func (api *LedgerAPI) HandleMint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		middleware.Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req models.AmountRequest
	if err := decodeBody(r, &req); err != nil {
		sendError(w, err)
		return
	}
	to, err := bounty.ParseAddress(req.To)
	if err != nil {
		sendError(w, err)
		return
	}
	if err := api.ledger.Mint(r.Context(), to, req.Amount); err != nil {
		sendError(w, err)
		return
	}
	log.Printf("ledger: faucet minted %d to %s", req.Amount, to.Short())
	middleware.JSON(w, http.StatusOK, api.balance(to))
}

func (api *LedgerAPI) balance(addr bounty.Address) models.BalanceResponse {
	return models.BalanceResponse{
		Address:   addr,
		Balance:   api.ledger.Balance(addr),
		Allowance: api.ledger.Allowance(addr),
	}
}
