package spacebridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/hazyhaar/spacebridge/faults"
	"github.com/hazyhaar/spacebridge/ledger"
	"github.com/hazyhaar/spacebridge/observability"
	"github.com/hazyhaar/spacebridge/registry"
	"github.com/hazyhaar/spacebridge/relay"
	"github.com/hazyhaar/spacebridge/shield"
)

// Handler returns the HTTP API.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	for _, mw := range shield.APIStack(s.limiter, s.logger) {
		r.Use(mw)
	}
	r.Use(observability.RequestLog(s.db, s.logger))

	r.Get("/health", s.health)

	r.Route("/api", func(r chi.Router) {
		// long-lived, outside the request timeout
		r.Get("/bridges/{id}/stream", s.streamBridge)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.cfg.RequestTimeout))

			r.Post("/crawls", s.ingestCrawl)
			r.Post("/sites", s.trackSite)
			r.Get("/sites", s.listSites)
			r.Get("/sites/{id}", s.getSite)
			r.Get("/schedule", s.schedule)

			r.Get("/bridges", s.listBridges)
			r.Get("/bridges/{id}", s.getBridge)
			r.Post("/bridges/{id}/chat", s.chat)

			r.Post("/allocations", s.allocate)
			r.Post("/allocations/queue", s.enqueue)
			r.Get("/allocations", s.listAllocations)
			r.Get("/allocations/{id}", s.getAllocation)
			r.Delete("/allocations/{id}", s.release)
			r.Delete("/slots/{id}", s.releaseSlot)

			r.Get("/accounts/{id}", s.getAccount)
			r.Get("/accounts/{id}/transactions", s.listTransactions)
			r.Get("/accounts/{id}/stakes", s.listStakes)
			r.Post("/transfers", s.transfer)
			r.Post("/stakes", s.stake)
			r.Delete("/stakes/{id}", s.unstake)
			r.Post("/listings", s.createListing)
			r.Get("/listings", s.listListings)
			r.Post("/listings/{id}/purchase", s.purchase)
			r.Delete("/listings/{id}", s.cancelListing)
			r.Get("/supply", s.supply)

			r.Get("/stats", s.stats)
			r.Get("/events", s.recentEvents)
			r.Get("/jobs", s.jobs)
		})
	})
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// statusOf maps the faults taxonomy to HTTP statuses.
func statusOf(err error) int {
	var (
		ce *faults.CapacityError
		be *faults.BalanceError
		oe *faults.OwnershipError
		mb *http.MaxBytesError
	)
	switch {
	case errors.As(err, &ce):
		return http.StatusConflict
	case errors.As(err, &be):
		return http.StatusPaymentRequired
	case errors.As(err, &oe):
		return http.StatusForbidden
	case faults.IsNotFound(err):
		return http.StatusNotFound
	case faults.IsTransient(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, faults.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.As(err, &mb):
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusInternalServerError
}

func (s *Service) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusOf(err)
	if code >= 500 {
		shield.GetLogger(r.Context()).Error("spacebridge: request failed", "status", code, "error", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var mb *http.MaxBytesError
		if errors.As(err, &mb) {
			return err
		}
		return faults.Invalid("decode body: %v", err)
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return def
	}
	return v
}

func (s *Service) health(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok", "bridges": len(s.alloc.Bridges())}
	if s.relay != nil {
		body["relay"] = s.relay.State()
	}
	if s.breaker != nil {
		body["optimizer_circuit"] = s.breaker.State().String()
	}
	writeJSON(w, http.StatusOK, body)
}

// --- registry ---

func (s *Service) ingestCrawl(w http.ResponseWriter, r *http.Request) {
	var req registry.CrawlResult
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	site, err := s.registry.Ingest(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, site)
}

func (s *Service) trackSite(w http.ResponseWriter, r *http.Request) {
	var req registry.TrackRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	site, err := s.registry.Track(r.Context(), req.URL, req.FrequencyHours, req.OwnerID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, site)
}

func (s *Service) listSites(w http.ResponseWriter, r *http.Request) {
	sites, err := s.registry.List(r.Context(), r.URL.Query().Get("domain"), queryInt(r, "limit", 100))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sites)
}

func (s *Service) getSite(w http.ResponseWriter, r *http.Request) {
	site, err := s.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, site)
}

func (s *Service) schedule(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Schedule(queryInt(r, "limit", 50)))
}

// --- allocator ---

func (s *Service) listBridges(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.alloc.Bridges())
}

func (s *Service) getBridge(w http.ResponseWriter, r *http.Request) {
	b, err := s.alloc.Bridge(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type allocateRequest struct {
	ConsumerID    string `json:"consumer_id"`
	BytesRequired int64  `json:"bytes_required"`
}

func (s *Service) allocate(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	al, err := s.alloc.Allocate(r.Context(), req.ConsumerID, req.BytesRequired)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, al)
}

func (s *Service) enqueue(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	q, err := s.alloc.Enqueue(r.Context(), req.ConsumerID, req.BytesRequired)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, q)
}

func (s *Service) listAllocations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	writeJSON(w, http.StatusOK, s.alloc.Allocations(q.Get("consumer_id"), q.Get("active") == "true"))
}

func (s *Service) getAllocation(w http.ResponseWriter, r *http.Request) {
	al, err := s.alloc.Allocation(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, al)
}

func (s *Service) release(w http.ResponseWriter, r *http.Request) {
	al, err := s.alloc.Release(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, al)
}

func (s *Service) releaseSlot(w http.ResponseWriter, r *http.Request) {
	err := s.alloc.ReleaseSlot(r.Context(), r.URL.Query().Get("consumer_id"), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- ledger ---

func (s *Service) getAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.ledger.Account(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (s *Service) listTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := s.ledger.Transactions(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("status"),
		queryInt(r, "limit", 50))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

func (s *Service) listStakes(w http.ResponseWriter, r *http.Request) {
	stakes, err := s.ledger.Stakes(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("status"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stakes)
}

func (s *Service) transfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From   string          `json:"from"`
		To     string          `json:"to"`
		Amount decimal.Decimal `json:"amount"`
		Memo   string          `json:"memo"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	tx, err := s.ledger.Transfer(r.Context(), req.From, req.To, req.Amount, req.Memo)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

func (s *Service) stake(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID string          `json:"account_id"`
		Amount    decimal.Decimal `json:"amount"`
		LockDays  int             `json:"lock_days"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := s.ledger.Stake(r.Context(), req.AccountID, req.Amount, req.LockDays)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (s *Service) unstake(w http.ResponseWriter, r *http.Request) {
	st, err := s.ledger.Unstake(r.Context(), r.URL.Query().Get("account_id"), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Service) createListing(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SellerID string          `json:"seller_id"`
		Kind     string          `json:"kind"`
		AssetID  string          `json:"asset_id"`
		Price    decimal.Decimal `json:"price"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Kind == "" {
		req.Kind = ledger.AssetSlot
	}
	l, err := s.ledger.List(r.Context(), req.SellerID, req.Kind, req.AssetID, req.Price)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

func (s *Service) listListings(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = ledger.ListingActive
	}
	ls, err := s.ledger.Listings(r.Context(), status, queryInt(r, "limit", 100))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ls)
}

func (s *Service) purchase(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BuyerID string `json:"buyer_id"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	receipt, err := s.ledger.Purchase(r.Context(), chi.URLParam(r, "id"), req.BuyerID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Service) cancelListing(w http.ResponseWriter, r *http.Request) {
	l, err := s.ledger.CancelListing(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("seller_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Service) supply(w http.ResponseWriter, r *http.Request) {
	sup, err := s.ledger.Supply(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sup)
}

func (s *Service) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Service) recentEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := s.eventLog.Recent(r.Context(), r.URL.Query().Get("subject"), queryInt(r, "limit", 50))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, evs)
}

func (s *Service) jobs(w http.ResponseWriter, r *http.Request) {
	runs, err := s.pulse.Latest(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// --- relay ---

func (s *Service) chat(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		s.writeError(w, r, faults.Invalid("relay is disabled"))
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := s.alloc.Bridge(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		From string `json:"from"`
		Text string `json:"text"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Text == "" {
		s.writeError(w, r, faults.Invalid("text is required"))
		return
	}
	if err := s.relay.Chat(r.Context(), id, req.From, req.Text); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"bridge_id": id, "pending": s.relay.Pending(id)})
}

// streamBridge relays a bridge's messages as server-sent events through a
// dedicated relay client, until the caller goes away.
func (s *Service) streamBridge(w http.ResponseWriter, r *http.Request) {
	if s.newTransport == nil {
		s.writeError(w, r, faults.Invalid("relay is disabled"))
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := s.alloc.Bridge(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, fmt.Errorf("spacebridge: streaming unsupported"))
		return
	}
	member := r.URL.Query().Get("consumer_id")
	if member == "" {
		member = "anonymous"
	}

	ctx := r.Context()
	msgs := make(chan []byte, 64)
	client := relay.New(s.newTransport(), s.cfg.Relay, relay.WithLogger(s.logger), relay.WithName(member))
	defer client.Close()
	client.Subscribe(id, func(m relay.Message) {
		body, err := json.Marshal(m)
		if err != nil {
			return
		}
		select {
		case msgs <- body:
		default:
			shield.GetLogger(ctx).Warn("spacebridge: stream consumer too slow, message dropped", "bridge_id", id)
		}
	})
	client.Start(ctx)
	if err := client.Join(ctx, id, member); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": joined %s\n\n", id)
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case body := <-msgs:
			fmt.Fprintf(w, "data: %s\n\n", body)
			flusher.Flush()
		}
	}
}
