package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"reminders/internal/domain"
	"reminders/internal/reminder"
	"reminders/internal/scheduler"
	"reminders/internal/serialization"
	"reminders/internal/transport"
)

const maxBodyBytes = 1 << 20

// Reminders is the command side the API talks to.
type Reminders interface {
	Schedule(ctx context.Context, owner string, cmd domain.Schedule) (reminder.Receipt, error)
	Cancel(ctx context.Context, owner string, cmd domain.Cancel) (reminder.Receipt, error)
	State(ctx context.Context, owner string) (domain.State, error)
	Handle(ctx context.Context, owner string, msg domain.Message) (any, error)
}

type Options struct {
	// Debug mounts the pprof handlers under /debug/pprof.
	Debug bool
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Now     func() time.Time
}

type Server struct {
	r     *chi.Mux
	rem   Reminders
	codec *serialization.Codec
	now   func() time.Time
}

func NewServer(rem Reminders, codec *serialization.Codec) http.Handler {
	return NewServerWithOptions(rem, codec, Options{})
}

func NewServerWithOptions(rem Reminders, codec *serialization.Codec, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, rem: rem, codec: codec, now: opts.Now}
	if s.now == nil {
		s.now = time.Now
	}

	r.Get("/health", s.health)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	} else {
		r.Get("/metrics", s.metrics)
	}

	r.Route("/api/reminders/{owner}", func(r chi.Router) {
		r.Post("/commands", s.command)
		r.Post("/schedules", s.createSchedule)
		r.Get("/schedules", s.listSchedules)
		r.Get("/schedules/{id}", s.getSchedule)
		r.Delete("/schedules/{id}", s.cancelSchedule)
	})

	// Debug routes (pprof)
	if opts.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("reminders_up 1\n"))
}

// command accepts a codec-encoded command. The manifest header names the
// record; the reply carries the ack (or the state) in the same form.
func (s *Server) command(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	tag := r.Header.Get(transport.HeaderManifest)
	if tag == "" {
		http.Error(w, transport.HeaderManifest+" header is required", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	msg, err := s.codec.Decode(tag, body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	reply, err := s.rem.Handle(r.Context(), owner, msg)
	if err != nil {
		writeError(w, err)
		return
	}
	if reply == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	env, err := s.codec.Registry().Serialize(reply)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("content-type", "application/octet-stream")
	w.Header().Set(transport.HeaderSerializer, strconv.Itoa(int(env.SerializerID)))
	if env.Manifest != "" {
		w.Header().Set(transport.HeaderManifest, env.Manifest)
	}
	w.WriteHeader(http.StatusOK)
	w.Write(env.Body)
}

type createScheduleReq struct {
	TaskID         string          `json:"task_id"`
	Recipient      string          `json:"recipient"`
	Payload        json.RawMessage `json:"payload"`
	TriggerAt      *time.Time      `json:"trigger_at"`
	Delay          string          `json:"delay"`
	Cron           string          `json:"cron"`
	RepeatInterval string          `json:"repeat_interval"`
	Ack            json.RawMessage `json:"ack"`
}

type createScheduleResp struct {
	TaskID    string          `json:"task_id"`
	TriggerAt time.Time       `json:"trigger_at"`
	Ack       json.RawMessage `json:"ack,omitempty"`
}

type entryView struct {
	TaskID         string    `json:"task_id"`
	Recipient      string    `json:"recipient"`
	Payload        any       `json:"payload"`
	TriggerAt      time.Time `json:"trigger_at"`
	RepeatInterval string    `json:"repeat_interval,omitempty"`
}

func viewOf(e domain.Entry) entryView {
	v := entryView{
		TaskID:    e.TaskID,
		Recipient: e.Recipient.String(),
		Payload:   e.Message,
		TriggerAt: e.TriggerAt,
	}
	if e.Repeating() {
		v.RepeatInterval = e.RepeatInterval.String()
	}
	return v
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleReq
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Recipient == "" {
		http.Error(w, "recipient is required", 400)
		return
	}
	recipient, err := domain.ParseAddress(req.Recipient)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if !hasValue(req.Payload) {
		http.Error(w, "payload is required", 400)
		return
	}

	triggerAt, err := s.triggerTime(req)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	var every time.Duration
	if req.RepeatInterval != "" {
		if every, err = time.ParseDuration(req.RepeatInterval); err != nil {
			http.Error(w, "invalid repeat_interval: "+err.Error(), 400)
			return
		}
	}

	cmd := domain.Schedule{
		TaskID:         req.TaskID,
		Recipient:      recipient,
		Message:        req.Payload,
		TriggerAt:      triggerAt,
		RepeatInterval: every,
	}
	if hasValue(req.Ack) {
		cmd.Ack = req.Ack
	}

	receipt, err := s.rem.Schedule(r.Context(), chi.URLParam(r, "owner"), cmd)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := createScheduleResp{TaskID: receipt.TaskID, TriggerAt: domain.Normalize(triggerAt)}
	if ack, ok := receipt.Ack.(json.RawMessage); ok {
		resp.Ack = ack
	}
	writeJSON(w, http.StatusCreated, resp)
}

// hasValue reports whether a raw JSON field was set to something other
// than null.
func hasValue(raw json.RawMessage) bool {
	return len(raw) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func (s *Server) triggerTime(req createScheduleReq) (time.Time, error) {
	set := 0
	for _, b := range []bool{req.TriggerAt != nil, req.Delay != "", req.Cron != ""} {
		if b {
			set++
		}
	}
	if set != 1 {
		return time.Time{}, errors.New("exactly one of trigger_at, delay or cron is required")
	}

	switch {
	case req.TriggerAt != nil:
		return req.TriggerAt.UTC(), nil
	case req.Delay != "":
		d, err := time.ParseDuration(req.Delay)
		if err != nil {
			return time.Time{}, errors.New("invalid delay: " + err.Error())
		}
		return s.now().UTC().Add(d), nil
	default:
		// Validate cron expression
		if err := scheduler.ValidateCronExpression(req.Cron); err != nil {
			return time.Time{}, errors.New("invalid cron expression: " + err.Error())
		}
		return scheduler.NextRunTime(req.Cron, s.now().UTC())
	}
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	st, err := s.rem.State(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]entryView, 0, st.Len())
	for _, e := range st.Sorted() {
		views = append(views, viewOf(e))
	}
	writeJSON(w, 200, views)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	st, err := s.rem.State(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		writeError(w, err)
		return
	}
	e, ok := st.Get(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "not found", 404)
		return
	}
	writeJSON(w, 200, viewOf(e))
}

func (s *Server) cancelSchedule(w http.ResponseWriter, r *http.Request) {
	cmd := domain.Cancel{TaskID: chi.URLParam(r, "id")}
	if _, err := s.rem.Cancel(r.Context(), chi.URLParam(r, "owner"), cmd); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, reminder.ErrTriggerInPast),
		errors.Is(err, reminder.ErrInvalidInterval),
		errors.Is(err, reminder.ErrMissingPayload),
		errors.Is(err, reminder.ErrMissingRecipient),
		errors.Is(err, reminder.ErrInvalidOwner),
		errors.Is(err, domain.ErrInvalidAddress):
		return http.StatusUnprocessableEntity
	case errors.Is(err, serialization.ErrUnsupported),
		errors.Is(err, serialization.ErrMalformed),
		errors.Is(err, serialization.ErrNoSerializer):
		return http.StatusBadRequest
	case errors.Is(err, reminder.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= 500 {
		log.Error().Err(err).Int("status", code).Msg("request failed")
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
