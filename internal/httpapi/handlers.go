package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"hushfeed.org/internal/actor"
	"hushfeed.org/internal/audit"
	"hushfeed.org/internal/jobs"
	"hushfeed.org/internal/keyring"
	"hushfeed.org/internal/obs"
	"hushfeed.org/internal/policy"
	"hushfeed.org/internal/recrypt"
	"hushfeed.org/internal/session"
	"hushfeed.org/internal/trust"
)

// ReadyProbe reports readiness; with a DB configured it pings it.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over the session lifecycle manager and the
// recryption queue.
type API struct {
	mux        *http.ServeMux
	sessions   *session.Service
	rules      policy.Rulesets
	queue      jobs.Queue
	authn      *Authenticator
	readyProbe ReadyProbe
	version    string
}

func New(sessions *session.Service, rules policy.Rulesets, queue jobs.Queue, authn *Authenticator, rp ReadyProbe, version string) *API {
	a := &API{
		mux:        http.NewServeMux(),
		sessions:   sessions,
		rules:      rules,
		queue:      queue,
		authn:      authn,
		readyProbe: rp,
		version:    version,
	}

	a.mux.HandleFunc("/healthz", a.healthz)
	a.mux.HandleFunc("/readyz", a.ready)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/sessions", a.handleSessions)
	a.mux.HandleFunc("/v1/sessions/recipients", a.handleRecipients)
	a.mux.HandleFunc("/v1/posts", a.handlePosts)
	a.mux.HandleFunc("/v1/trust-events", a.handleTrustEvents)
	a.mux.HandleFunc("/v1/keys/rotate", a.handleRotate)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	return a
}

// Handler returns the fully wrapped handler chain.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = MaxBodyBytes(h, 1<<20)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "hushfeed-api",
		"version": a.version,
	})
}

func (a *API) ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// --- session lifecycle ---

type recipientKeyRequest struct {
	RecipientDid  string `json:"recipient_did"`
	UserKeyPairID string `json:"user_key_pair_id"`
	EncryptedDek  []byte `json:"encrypted_dek"`
}

type createSessionRequest struct {
	Recipients      []recipientKeyRequest `json:"recipients"`
	ExpirationHours int                   `json:"expiration_hours"`
}

func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createSession(w, r)
	case http.MethodGet:
		a.getSession(w, r)
	case http.MethodDelete:
		a.revokeSession(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet, http.MethodDelete)
	}
}

func (a *API) createSession(w http.ResponseWriter, r *http.Request) {
	act, did, ok := a.requireUser(w, r)
	if !ok {
		return
	}
	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.authorize(w, r, act, policy.ActionCreate, policy.SubjectSession, policy.Record{"authorDid": did}); err != nil {
		return
	}

	recipients := make([]session.RecipientKey, 0, len(req.Recipients))
	for _, rec := range req.Recipients {
		recipients = append(recipients, session.RecipientKey{
			RecipientDid:  strings.TrimSpace(rec.RecipientDid),
			UserKeyPairID: rec.UserKeyPairID,
			EncryptedDek:  rec.EncryptedDek,
		})
	}
	id, err := a.sessions.CreateSession(r.Context(), did, recipients, req.ExpirationHours)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "session.create", map[string]any{
		"session_id": id,
		"recipients": len(recipients),
	})
	writeJSON(w, http.StatusCreated, map[string]any{"session_id": id})
}

func (a *API) getSession(w http.ResponseWriter, r *http.Request) {
	act, did, ok := a.requireUser(w, r)
	if !ok {
		return
	}
	if err := a.authorize(w, r, act, policy.ActionGet, policy.SubjectSession, policy.Record{"authorDid": did}); err != nil {
		return
	}
	key, err := a.sessions.GetSession(r.Context(), did)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionKeyResponse(key))
}

func (a *API) revokeSession(w http.ResponseWriter, r *http.Request) {
	act, did, ok := a.requireUser(w, r)
	if !ok {
		return
	}
	if err := a.authorize(w, r, act, policy.ActionRevoke, policy.SubjectSession, policy.Record{"authorDid": did}); err != nil {
		return
	}
	if err := a.sessions.RevokeSession(r.Context(), did); err != nil {
		handleDomainError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "session.revoke", nil)
	w.WriteHeader(http.StatusNoContent)
}

type addRecipientRequest struct {
	RecipientDid  string `json:"recipient_did"`
	UserKeyPairID string `json:"user_key_pair_id"`
	EncryptedDek  []byte `json:"encrypted_dek"`
}

func (a *API) handleRecipients(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	act, did, ok := a.requireUser(w, r)
	if !ok {
		return
	}
	var req addRecipientRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.authorize(w, r, act, policy.ActionAddRecipient, policy.SubjectSession, policy.Record{"authorDid": did}); err != nil {
		return
	}
	if err := a.sessions.AddRecipient(r.Context(), did, req.RecipientDid, req.EncryptedDek, req.UserKeyPairID); err != nil {
		handleDomainError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "session.add_recipient", map[string]any{
		"recipient_did": req.RecipientDid,
	})
	w.WriteHeader(http.StatusNoContent)
}

// --- posts ---

type createPostRequest struct {
	ReplyRef   string `json:"reply_ref"`
	Ciphertext []byte `json:"ciphertext"`
}

func (a *API) handlePosts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createPost(w, r)
	case http.MethodGet:
		a.listPosts(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) createPost(w http.ResponseWriter, r *http.Request) {
	act, did, ok := a.requireUser(w, r)
	if !ok {
		return
	}
	var req createPostRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.authorize(w, r, act, policy.ActionCreate, policy.SubjectPost, policy.Record{"authorDid": did}); err != nil {
		return
	}
	p, err := a.sessions.CreatePost(r.Context(), did, strings.TrimSpace(req.ReplyRef), req.Ciphertext)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/posts/"+p.ID)
	writeJSON(w, http.StatusCreated, postResponse(p))
}

type listPostsResponse struct {
	Posts       []map[string]any `json:"posts"`
	SessionKeys []map[string]any `json:"session_keys"`
	Cursor      string           `json:"cursor,omitempty"`
}

func (a *API) listPosts(w http.ResponseWriter, r *http.Request) {
	act, _, ok := a.requireUser(w, r)
	if !ok {
		return
	}
	q := session.ListPostsQuery{
		ReplyRef: strings.TrimSpace(r.URL.Query().Get("reply_ref")),
		Cursor:   strings.TrimSpace(r.URL.Query().Get("cursor")),
	}
	for _, author := range r.URL.Query()["author"] {
		if author = strings.TrimSpace(author); author != "" {
			q.AuthorDids = append(q.AuthorDids, author)
		}
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		q.Limit = n
	}

	res, err := a.sessions.ListPosts(r.Context(), act, q)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	resp := listPostsResponse{
		Posts:       make([]map[string]any, 0, len(res.Posts)),
		SessionKeys: make([]map[string]any, 0, len(res.SessionKeys)),
		Cursor:      res.Cursor,
	}
	for _, p := range res.Posts {
		resp.Posts = append(resp.Posts, postResponse(p))
	}
	for _, k := range res.SessionKeys {
		resp.SessionKeys = append(resp.SessionKeys, sessionKeyResponse(k))
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- trust events and rotation ---

type trustEventRequest struct {
	AuthorDid     string `json:"author_did"`
	RecipientDid  string `json:"recipient_did"`
	Trusted       bool   `json:"trusted"`
	CurrentOnly   bool   `json:"current_only"`
	LookbackHours int    `json:"lookback_hours"`
}

// handleTrustEvents accepts trust-graph change notifications from peer
// services and enqueues the matching recryption job. The response only says
// the job was accepted; the work itself runs in the worker.
func (a *API) handleTrustEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	act, ok := a.requireActor(w, r)
	if !ok {
		return
	}
	var req trustEventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.AuthorDid) == "" || strings.TrimSpace(req.RecipientDid) == "" {
		writeError(w, r, http.StatusBadRequest, "author_did and recipient_did are required")
		return
	}
	action := policy.ActionCreate
	if !req.Trusted {
		action = policy.ActionDelete
	}
	if err := a.authorize(w, r, act, action, policy.SubjectTrustedUser, policy.Record{"authorDid": req.AuthorDid}); err != nil {
		return
	}

	var err error
	if req.Trusted {
		err = a.queue.Publish(r.Context(), jobs.JobAddRecipient, recrypt.AddRecipientPayload{
			AuthorDid:     req.AuthorDid,
			RecipientDid:  req.RecipientDid,
			CurrentOnly:   req.CurrentOnly,
			LookbackHours: req.LookbackHours,
		})
	} else {
		err = a.queue.Publish(r.Context(), jobs.JobDeleteSessionKeys, recrypt.DeletePayload{
			AuthorDid:    req.AuthorDid,
			RecipientDid: req.RecipientDid,
		})
	}
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "trust.event", map[string]any{
		"author_did":    req.AuthorDid,
		"recipient_did": req.RecipientDid,
		"trusted":       req.Trusted,
	})
	w.WriteHeader(http.StatusAccepted)
}

type rotateRequest struct {
	PrevKeyPairID  string `json:"prev_key_pair_id"`
	NewKeyPairID   string `json:"new_key_pair_id"`
	PrevPrivateKey []byte `json:"prev_private_key"`
	NewPublicKey   []byte `json:"new_public_key"`
}

func (a *API) handleRotate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	act, ok := a.requireActor(w, r)
	if !ok {
		return
	}
	var req rotateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.PrevKeyPairID == "" || req.NewKeyPairID == "" {
		writeError(w, r, http.StatusBadRequest, "prev_key_pair_id and new_key_pair_id are required")
		return
	}
	if err := a.authorize(w, r, act, policy.ActionUpdate, policy.SubjectKey, policy.Record{"keyPairId": req.PrevKeyPairID}); err != nil {
		return
	}
	if err := recrypt.EnqueueRotation(r.Context(), a.queue, req.PrevKeyPairID, req.NewKeyPairID, req.PrevPrivateKey, req.NewPublicKey); err != nil {
		handleDomainError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "keys.rotate", map[string]any{
		"prev_key_pair_id": req.PrevKeyPairID,
		"new_key_pair_id":  req.NewKeyPairID,
	})
	w.WriteHeader(http.StatusAccepted)
}

// --- helpers ---

func (a *API) requireActor(w http.ResponseWriter, r *http.Request) (actor.Actor, bool) {
	act, ok := actor.FromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return actor.Actor{}, false
	}
	return act, true
}

func (a *API) requireUser(w http.ResponseWriter, r *http.Request) (actor.Actor, string, bool) {
	act, ok := a.requireActor(w, r)
	if !ok {
		return actor.Actor{}, "", false
	}
	if act.Type != actor.TypeUser || act.DID == "" {
		writeError(w, r, http.StatusForbidden, "not authorized")
		return actor.Actor{}, "", false
	}
	return act, act.DID, true
}

// authorize runs one policy check and writes the response on failure.
// Denials stay low-detail; engine faults surface as 500s.
func (a *API) authorize(w http.ResponseWriter, r *http.Request, act actor.Actor, action policy.Action, subject policy.Subject, recs ...policy.Record) error {
	err := a.rules.Authorize(act, action, subject, recs...)
	if err == nil {
		return nil
	}
	if policy.IsDenial(err) {
		obs.PolicyDenials.Inc()
		_ = audit.LogEvent(r.Context(), "policy.deny", map[string]any{
			"action":  string(action),
			"subject": string(subject),
		})
		writeError(w, r, http.StatusForbidden, "not authorized")
		return err
	}
	writeError(w, r, http.StatusInternalServerError, "internal error")
	return err
}

func sessionKeyResponse(k session.SessionKey) map[string]any {
	return map[string]any{
		"session_id":       k.SessionID,
		"recipient_did":    k.RecipientDid,
		"user_key_pair_id": k.UserKeyPairID,
		"encrypted_dek":    k.EncryptedDek,
		"created_at":       k.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func postResponse(p session.Post) map[string]any {
	return map[string]any{
		"id":         p.ID,
		"session_id": p.SessionID,
		"author_did": p.AuthorDid,
		"reply_ref":  p.ReplyRef,
		"ciphertext": p.Ciphertext,
		"created_at": p.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrValidation):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case policy.IsDenial(err):
		writeError(w, r, http.StatusForbidden, "not authorized")
	case errors.Is(err, trust.ErrUnavailable), errors.Is(err, keyring.ErrUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "upstream unavailable")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{"error": msg}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
