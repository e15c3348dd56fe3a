package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pbaille/chccat/internal/cat"
	"github.com/pbaille/chccat/internal/config"
	"github.com/pbaille/chccat/internal/dif"
	"github.com/pbaille/chccat/internal/domain"
	"github.com/pbaille/chccat/internal/exposure"
	"github.com/pbaille/chccat/internal/itembank"
	"github.com/pbaille/chccat/internal/logging"
	"github.com/pbaille/chccat/internal/metrics"
	"github.com/pbaille/chccat/internal/session"
	"github.com/pbaille/chccat/internal/store"
)

// Server handles HTTP requests for test administration and item analysis
type Server struct {
	store    *store.Store
	engine   *session.Engine
	ledger   *exposure.Ledger
	cfg      *config.Config
	form     *itembank.Form
	log      *zap.Logger
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	addr     string

	mu   sync.Mutex
	live map[string]*session.Administration
}

type Option func(*Server)

// WithForm applies a form's allow-lists and anchors to every new session
func WithForm(f *itembank.Form) Option { return func(s *Server) { s.form = f } }

func WithLogger(log *zap.Logger) Option { return func(s *Server) { s.log = log } }

// WithMetrics exposes g on /metrics and reports DIF flags to m
func WithMetrics(m *metrics.Metrics, g prometheus.Gatherer) Option {
	return func(s *Server) { s.metrics, s.gatherer = m, g }
}

// New creates a new API server
func New(st *store.Store, engine *session.Engine, ledger *exposure.Ledger, cfg *config.Config, addr string, opts ...Option) *Server {
	s := &Server{
		store:  st,
		engine: engine,
		ledger: ledger,
		cfg:    cfg,
		addr:   addr,
		live:   make(map[string]*session.Administration),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logging.OrNop(s.log)
	return s
}

// Routes builds the HTTP handler
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(withCORS)

	r.Get("/health", s.health)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.listSessions)
		r.Post("/", s.createSession)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Get("/item", s.currentItem)
			r.Post("/responses", s.submitResponse)
			r.Post("/integrity", s.setIntegrity)
			r.Post("/abort", s.abortSession)
			r.Get("/report", s.getReport)
		})
	})

	r.Get("/dif", s.runDIF)
	r.Get("/exposure", s.getExposure)

	r.Route("/exclusions", func(r chi.Router) {
		r.Get("/", s.listExclusions)
		r.Post("/", s.excludeItem)
		r.Delete("/{itemID}", s.includeItem)
	})

	return r
}

// Run starts the HTTP server and shuts it down when ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting server", zap.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return s.ledger.Flush(shutdownCtx)
}

// withCORS adds CORS headers for the administration frontend
func withCORS(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CreateSessionRequest is the request body for starting an administration
type CreateSessionRequest struct {
	Meta domain.SessionMeta `json:"meta"`
}

// ItemResponse is returned whenever the client needs the next item.
// Item is nil and Done is true once the battery is finished.
type ItemResponse struct {
	SessionID string        `json:"session_id"`
	Domain    domain.Domain `json:"domain,omitempty"`
	Item      *domain.Item  `json:"item,omitempty"`
	Done      bool          `json:"done"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Meta.AgeYears < 0 {
		writeError(w, http.StatusBadRequest, "ageYears must not be negative")
		return
	}

	excluded, err := s.store.ExcludedIDs()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.form != nil {
		req.Meta.FormID = s.form.ID
	}
	sess, err := s.store.CreateSession(req.Meta)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	adm, err := s.engine.Begin(sess.ID, sess.Meta, s.form, excluded)
	if err != nil {
		if _, derr := s.store.DiscardSession(sess.ID); derr != nil {
			s.log.Warn("discard session", zap.String("session", sess.ID), zap.Error(derr))
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.mu.Lock()
	s.live[sess.ID] = adm
	s.mu.Unlock()

	s.writeNext(w, r, http.StatusCreated, adm)
}

func (s *Server) administration(w http.ResponseWriter, r *http.Request) (*session.Administration, bool) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	adm, ok := s.live[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "no running session "+id)
		return nil, false
	}
	return adm, true
}

func (s *Server) currentItem(w http.ResponseWriter, r *http.Request) {
	adm, ok := s.administration(w, r)
	if !ok {
		return
	}
	s.writeNext(w, r, http.StatusOK, adm)
}

func (s *Server) submitResponse(w http.ResponseWriter, r *http.Request) {
	adm, ok := s.administration(w, r)
	if !ok {
		return
	}
	var resp domain.Response
	if err := json.NewDecoder(r.Body).Decode(&resp); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(resp.ItemID) == "" {
		writeError(w, http.StatusBadRequest, "itemId is required")
		return
	}
	if err := adm.Submit(r.Context(), resp); err != nil {
		s.writeSessionError(w, err)
		return
	}
	s.writeNext(w, r, http.StatusOK, adm)
}

func (s *Server) writeNext(w http.ResponseWriter, r *http.Request, status int, adm *session.Administration) {
	it, err := adm.Current(r.Context())
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	if it == nil {
		// finished sessions are served from the store from now on
		s.mu.Lock()
		delete(s.live, adm.ID())
		s.mu.Unlock()
	}
	writeJSON(w, status, ItemResponse{
		SessionID: adm.ID(),
		Domain:    adm.Domain(),
		Item:      it,
		Done:      it == nil,
	})
}

func (s *Server) setIntegrity(w http.ResponseWriter, r *http.Request) {
	adm, ok := s.administration(w, r)
	if !ok {
		return
	}
	var in domain.Integrity
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	adm.SetIntegrity(in)
	w.WriteHeader(http.StatusNoContent)
}

// AbortRequest is the request body for aborting a session
type AbortRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) abortSession(w http.ResponseWriter, r *http.Request) {
	adm, ok := s.administration(w, r)
	if !ok {
		return
	}
	var req AbortRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Reason == "" {
		req.Reason = "aborted by client"
	}
	if err := adm.Abort(r.Context(), req.Reason); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.mu.Lock()
	delete(s.live, adm.ID())
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": string(adm.Status())})
}

// getReport serves the report of a live administration, or the FINAL_REPORT
// event of a stored one.
func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	adm, ok := s.live[id]
	s.mu.Unlock()
	if ok {
		report, err := adm.Report()
		if err != nil {
			s.writeSessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}

	events, err := s.store.Events(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == domain.EventFinalReport {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write(events[i].Payload)
			return
		}
	}
	writeError(w, http.StatusNotFound, "no report for session "+id)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	completed := r.URL.Query().Get("completed") == "true"

	sessions, err := s.store.ListSessions(completed, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"limit":    limit,
		"offset":   offset,
	})
}

// DIFResponse is a screening result with the levels it compared and every
// level of the grouping variable.
type DIFResponse struct {
	*dif.Result
	GroupKey string      `json:"groupKey"`
	Ref      string      `json:"ref"`
	Focal    string      `json:"focal"`
	Levels   []dif.Level `json:"levels"`
}

// runDIF screens one domain. Query parameters: domain, group_key, ref,
// focal, strata and format (json or csv). Omitted ref and focal default to
// the two largest groups.
func (s *Server) runDIF(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	d := domain.Domain(q.Get("domain"))
	if !d.Valid() {
		writeError(w, http.StatusBadRequest, "unknown domain "+string(d))
		return
	}
	key := q.Get("group_key")
	if key == "" {
		key = s.cfg.DIF.GroupKey
	}
	strata := s.cfg.DIF.Strata
	if v := q.Get("strata"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "strata must be an integer")
			return
		}
		strata = n
	}
	if strata < 2 {
		writeError(w, http.StatusBadRequest, dif.ErrTooFewStrata.Error())
		return
	}

	rows, err := s.store.ResponseRows(d)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := DIFResponse{GroupKey: key, Levels: dif.Levels(rows, key)}

	ref, focal, err := dif.ResolveLevels(rows, key, q.Get("ref"), q.Get("focal"))
	out.Ref, out.Focal = ref, focal

	var res *dif.Result
	if errors.Is(err, dif.ErrTooFewLevels) {
		res = &dif.Result{Insufficient: true, Note: err.Error()}
	} else {
		screener := dif.New(
			dif.WithMinRespondents(s.cfg.DIF.MinRespondents),
			dif.WithFlagThreshold(s.cfg.DIF.FlagThreshold),
			dif.WithLogger(s.log),
		)
		res, err = screener.Run(dif.Input{
			Rows:        rows,
			Strata:      strata,
			RefFilter:   dif.GroupIs(key, ref),
			FocalFilter: dif.GroupIs(key, focal),
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !res.Insufficient {
			s.metrics.SetFlagged(string(d), res.Flagged())
		}
	}

	if q.Get("format") == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		if err := dif.WriteCSV(w, res); err != nil {
			s.log.Warn("write DIF csv", zap.Error(err))
		}
		return
	}
	out.Result = res
	writeJSON(w, http.StatusOK, out)
}

// ExposureRow is one item of the exposure listing
type ExposureRow struct {
	ItemID string `json:"itemId"`
	Count  int    `json:"count"`
}

func (s *Server) getExposure(w http.ResponseWriter, r *http.Request) {
	limit, _ := pagination(r)
	snap := s.ledger.Snapshot()

	rows := make([]ExposureRow, 0, len(snap))
	for id, n := range snap {
		rows = append(rows, ExposureRow{ItemID: id, Count: n})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Count != rows[j].Count {
			return rows[i].Count > rows[j].Count
		}
		return rows[i].ItemID < rows[j].ItemID
	})
	if len(rows) > limit {
		rows = rows[:limit]
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": rows,
		"cap":   s.cfg.Select.MaxExposurePerItem,
	})
}

func (s *Server) listExclusions(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.Exclusions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"exclusions": list})
}

// ExcludeRequest is the request body for excluding an item
type ExcludeRequest struct {
	ItemID string `json:"itemId"`
	Reason string `json:"reason"`
}

func (s *Server) excludeItem(w http.ResponseWriter, r *http.Request) {
	var req ExcludeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.ItemID) == "" || strings.TrimSpace(req.Reason) == "" {
		writeError(w, http.StatusBadRequest, "itemId and reason are required")
		return
	}
	ex, err := s.store.Exclude(req.ItemID, req.Reason)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, ex)
}

func (s *Server) includeItem(w http.ResponseWriter, r *http.Request) {
	ok, err := s.store.Include(chi.URLParam(r, "itemID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "item is not excluded")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, cat.ErrBadOutcome):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrFinished),
		errors.Is(err, session.ErrNotCompleted),
		errors.Is(err, cat.ErrInvalidState),
		errors.Is(err, cat.ErrUnexpectedItem):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.Error("session request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 20

	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
