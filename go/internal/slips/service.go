package slips

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/slipserver/go/internal/filelock"
	"github.com/mcdev12/slipserver/go/internal/session"
)

// CookieName carries the table session token.
const CookieName = "slip_session"

// Handler is what the service needs from the app layer.
type Handler interface {
	Handle(ctx context.Context, sess *session.TableSession, sub Submission) (Outcome, error)
}

// Service exposes the slips App over HTTP.
type Service struct {
	app   Handler
	store *session.Store
}

// NewService creates a new slips service
func NewService(app Handler, store *session.Store) *Service {
	return &Service{
		app:   app,
		store: store,
	}
}

// RegisterRoutes registers the slip routes
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/nextSlip", s.HandleNextSlip)
	mux.HandleFunc("/login", s.HandleLogin)
}

// HandleNextSlip handles POST /nextSlip
func (s *Service) HandleNextSlip(w http.ResponseWriter, r *http.Request) {
	s.handle(w, r, false)
}

// HandleLogin handles POST /login, which always starts at round 0.
func (s *Service) HandleLogin(w http.ResponseWriter, r *http.Request) {
	s.handle(w, r, true)
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request, login bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sub, err := parseSubmission(r, login)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("rejected submission")
		writeOutcome(w, http.StatusBadRequest, errorOutcome(err))
		return
	}

	token := ""
	if c, err := r.Cookie(CookieName); err == nil {
		token = c.Value
	}
	sess, created := s.store.LoadOrNew(token)
	if created {
		http.SetCookie(w, &http.Cookie{
			Name:     CookieName,
			Value:    sess.ID.String(),
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}

	sess.Lock()
	out, err := s.app.Handle(r.Context(), sess, sub)
	sess.Unlock()

	writeOutcome(w, statusFor(err), out)
}

func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, filelock.ErrLockUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrMissingField),
		errors.Is(err, ErrMalformedField),
		errors.Is(err, ErrOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, ErrSessionUnknown):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeOutcome(w http.ResponseWriter, status int, out Outcome) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(out); err != nil {
		log.Error().Err(err).Msg("failed to encode outcome")
	}
}

// parseSubmission reads a JSON body or form fields. group, table and round are
// required; slipresult and forcedRound are optional here.
func parseSubmission(r *http.Request, login bool) (Submission, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		return parseJSON(r, login)
	}

	if err := r.ParseForm(); err != nil {
		return Submission{}, fmt.Errorf("%w: %v", ErrMalformedField, err)
	}

	var sub Submission
	var err error
	if sub.Group, err = formInt(r, "group", true); err != nil {
		return Submission{}, err
	}
	if sub.Table, err = formInt(r, "table", true); err != nil {
		return Submission{}, err
	}
	if !login {
		if sub.Round, err = formInt(r, "round", true); err != nil {
			return Submission{}, err
		}
	}
	if sub.ForcedRound, err = formInt(r, "forcedRound", false); err != nil {
		return Submission{}, err
	}
	sub.SlipResult = r.PostFormValue("slipresult")
	return sub, nil
}

func parseJSON(r *http.Request, login bool) (Submission, error) {
	var body struct {
		Group       *int   `json:"group"`
		Table       *int   `json:"table"`
		Round       *int   `json:"round"`
		SlipResult  string `json:"slipresult"`
		ForcedRound int    `json:"forcedRound"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return Submission{}, fmt.Errorf("%w: %v", ErrMalformedField, err)
	}
	switch {
	case body.Group == nil:
		return Submission{}, fmt.Errorf("%w: group", ErrMissingField)
	case body.Table == nil:
		return Submission{}, fmt.Errorf("%w: table", ErrMissingField)
	case body.Round == nil && !login:
		return Submission{}, fmt.Errorf("%w: round", ErrMissingField)
	}
	sub := Submission{
		Group:       *body.Group,
		Table:       *body.Table,
		SlipResult:  body.SlipResult,
		ForcedRound: body.ForcedRound,
	}
	if !login {
		sub.Round = *body.Round
	}
	return sub, nil
}

func formInt(r *http.Request, key string, required bool) (int, error) {
	raw := strings.TrimSpace(r.PostFormValue(key))
	if raw == "" {
		if required {
			return 0, fmt.Errorf("%w: %s", ErrMissingField, key)
		}
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrMalformedField, key, raw)
	}
	return v, nil
}
