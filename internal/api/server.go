package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"shout-server/internal/config"
	"shout-server/internal/ident"
	"shout-server/internal/models"
	"shout-server/internal/poll"
	"shout-server/internal/telemetry"
)

// StatusLog is the slice of the store the handlers write and read.
type StatusLog interface {
	AppendEvent(ctx context.Context, ev models.Event) error
	LatestEvent(ctx context.Context, key string) (models.Event, bool, error)
	PurgeEvents(ctx context.Context, olderThan time.Time) (int64, error)
}

// TokenPurse authorizes worker callbacks and hands out the token attached
// to dispatched jobs.
type TokenPurse interface {
	InitTokens(ctx context.Context, first string) (bool, error)
	RotateTokens(ctx context.Context, next string) error
	CurrentTokens(ctx context.Context) ([]string, error)
}

// Publisher dispatches shout jobs to the worker transport.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, attrs map[string]string) error
}

// GroupEnsurer prepares the transport's consumer group, used by /init.
type GroupEnsurer interface {
	EnsureGroup(ctx context.Context) error
}

// Limiter throttles submissions per browser.
type Limiter interface {
	Allow(ctx context.Context, browserID string) (bool, error)
}

// Server wires the HTTP handlers for the shout front end.
type Server struct {
	cfg     config.Config
	log     StatusLog
	purse   TokenPurse
	pub     Publisher
	groups  GroupEnsurer
	limiter Limiter
	poller  *poll.Poller
}

// New constructs the API server. limiter and groups may be nil.
func New(cfg config.Config, log StatusLog, purse TokenPurse, pub Publisher, groups GroupEnsurer, limiter Limiter) *Server {
	return &Server{
		cfg:     cfg,
		log:     log,
		purse:   purse,
		pub:     pub,
		groups:  groups,
		limiter: limiter,
		poller:  poll.New(log, cfg.PollBudget, cfg.PollBackoffMin, cfg.PollBackoffMax),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/connect", s.handleConnect)
	r.Post("/shout", s.handleShout)
	r.Post("/shout_status", s.handleShoutStatus)
	r.Post("/post_shout_status", s.handlePostShoutStatus)
	r.Get("/rotate_token", s.handleRotateToken)
	r.Get("/purge", s.handlePurge)
	r.Get("/init", s.handleInit)
	return r
}

// statusResponse is the payload contract shared by every poll-shaped reply.
// Sensitive fields always travel in POST bodies, never in URLs, so they
// stay out of HTTP logs.
type statusResponse struct {
	ShoutID  string       `json:"shoutId"`
	Status   string       `json:"status"`
	Result   string       `json:"result,omitempty"`
	Error    string       `json:"error,omitempty"`
	NextLink *models.Link `json:"nextLink,omitempty"`
}

// handleConnect mints a browser id and tells the client how to submit
// shouts. The id rides inside an opaque action token.
func (s *Server) handleConnect(w http.ResponseWriter, _ *http.Request) {
	token := url.Values{"browserId": {ident.NewRandomID()}}.Encode()
	writeJSON(w, http.StatusOK, map[string]models.Link{
		"shoutLink": {Target: "shout", Method: "POST", Token: token},
	})
}

// handleShout creates a shout request: log the new event, dispatch the job,
// then poll once synchronously so a fast completion shows up in the very
// first response.
func (s *Server) handleShout(w http.ResponseWriter, r *http.Request) {
	token, err := url.ParseQuery(r.FormValue("token"))
	if err != nil || token.Get("browserId") == "" {
		http.Error(w, "invalid token", http.StatusBadRequest)
		return
	}
	browserID := token.Get("browserId")
	shoutID := r.FormValue("shoutId")
	if shoutID == "" {
		http.Error(w, "shoutId is required", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(r.Context(), browserID)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	host, _ := os.Hostname()
	key := models.CombineIDs(browserID, shoutID)
	if err := s.log.AppendEvent(r.Context(), models.Event{
		Key:    key,
		Status: models.StatusNew,
		Host:   host,
	}); err != nil {
		http.Error(w, "failed to record shout", http.StatusInternalServerError)
		return
	}

	tokens, err := s.purse.CurrentTokens(r.Context())
	if err != nil || len(tokens) == 0 {
		// The new event stays behind and ages out with the purge.
		http.Error(w, "dispatch unavailable", http.StatusInternalServerError)
		return
	}
	callbackQuery := url.Values{"browserId": {browserID}, "shoutId": {shoutID}}.Encode()
	deadline := time.Now().Add(s.cfg.ShoutDeadline).Unix()
	attrs := map[string]string{
		"deadline":        strconv.FormatInt(deadline, 10),
		"postStatusUrl":   s.cfg.CallbackBaseURL + "/post_shout_status?" + callbackQuery,
		"postStatusToken": tokens[0],
	}
	if err := s.pub.Publish(r.Context(), s.cfg.Topic, []byte(r.FormValue("text")), attrs); err != nil {
		http.Error(w, "dispatch failed", http.StatusInternalServerError)
		return
	}
	telemetry.ShoutsSubmitted.Inc()

	s.respondPoll(w, r, browserID, shoutID, models.StatusNew)
}

// handleShoutStatus resumes polling from a continuation token.
func (s *Server) handleShoutStatus(w http.ResponseWriter, r *http.Request) {
	token, err := url.ParseQuery(r.FormValue("token"))
	if err != nil || token.Get("browserId") == "" || token.Get("shoutId") == "" {
		http.Error(w, "invalid token", http.StatusBadRequest)
		return
	}
	last, err := models.ParseStatus(token.Get("status"))
	if err != nil {
		http.Error(w, "invalid token", http.StatusBadRequest)
		return
	}
	s.respondPoll(w, r, token.Get("browserId"), token.Get("shoutId"), last)
}

// respondPoll runs one bounded wait and writes the shared response shape:
// 200 with a result or error for terminal statuses, 202 with a nextLink
// continuation for everything else.
func (s *Server) respondPoll(w http.ResponseWriter, r *http.Request, browserID, shoutID string, last models.Status) {
	telemetry.PollRequests.Inc()
	res, err := s.poller.Wait(r.Context(), models.CombineIDs(browserID, shoutID), last)
	if err != nil {
		// Client disconnected mid-poll; abandoning is fine, only reads
		// happened.
		return
	}

	resp := statusResponse{
		ShoutID: shoutID,
		Status:  res.Status.String(),
		Result:  res.Result,
		Error:   res.Err,
	}
	if res.Terminal {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	resp.NextLink = &models.Link{
		Target: "shout_status",
		Method: "POST",
		Token: url.Values{
			"browserId": {browserID},
			"shoutId":   {shoutID},
			"status":    {res.Status.String()},
		}.Encode(),
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// handlePostShoutStatus accepts a status report from a worker. The worker
// must present a token that is still in the purse; otherwise nothing is
// written.
func (s *Server) handlePostShoutStatus(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.purse.CurrentTokens(r.Context())
	if err != nil {
		http.Error(w, "authorization unavailable", http.StatusInternalServerError)
		return
	}
	presented := r.FormValue("token")
	if presented == "" || !contains(tokens, presented) {
		telemetry.CallbackRejects.Inc()
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	browserID := r.URL.Query().Get("browserId")
	shoutID := r.URL.Query().Get("shoutId")
	if browserID == "" || shoutID == "" {
		http.Error(w, "browserId and shoutId are required", http.StatusBadRequest)
		return
	}
	status, err := models.ParseStatus(r.FormValue("status"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ev := models.Event{
		Key:    models.CombineIDs(browserID, shoutID),
		Status: status,
		Host:   r.FormValue("host"),
	}
	if status == models.StatusError || status == models.StatusFatal {
		ev.Error = r.FormValue("result")
	} else {
		ev.Result = r.FormValue("result")
	}
	if err := s.log.AppendEvent(r.Context(), ev); err != nil {
		http.Error(w, "failed to record status", http.StatusInternalServerError)
		return
	}
	telemetry.CallbackAccepts.Inc()
	writeJSON(w, http.StatusOK, map[string]string{})
}

// handleRotateToken rotates a fresh token into the purse. Workers holding
// the previous token keep succeeding until it falls off the end.
func (s *Server) handleRotateToken(w http.ResponseWriter, r *http.Request) {
	if err := s.purse.RotateTokens(r.Context(), ident.NewRandomID()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok.\n"))
}

// handlePurge removes status rows past the retention window. Meant to be
// hit by a cron.
func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	cutoff := time.Now().Add(-s.cfg.Retention)
	n, err := s.log.PurgeEvents(r.Context(), cutoff)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	telemetry.EventsPurged.Add(float64(n))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(fmt.Sprintf("purged %d.\n", n)))
}

// handleInit is called once by an admin: ensure the transport's consumer
// group exists and seed the token purse. Safe to call again.
func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	var errs []string
	if s.groups != nil {
		if err := s.groups.EnsureGroup(r.Context()); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if _, err := s.purse.InitTokens(r.Context(), ident.NewRandomID()); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		http.Error(w, strings.Join(errs, "\n"), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
