package epoxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
)

// Routes served by NewHandler.
const (
	routePreAccept = "/epoxy/v1/pre-accept"
	routeAccept    = "/epoxy/v1/accept"
	routeCommit    = "/epoxy/v1/commit"
	routePrepare   = "/epoxy/v1/prepare"
	routeDownload  = "/epoxy/v1/download-instances"
	routeConfig    = "/epoxy/v1/config"
	routePropose   = "/epoxy/v1/propose"
	routeKey       = "/epoxy/v1/kv/{key}"
)

type errorBody struct {
	Code    string  `json:"code"`
	Message string  `json:"message"`
	Ballot  *Ballot `json:"ballot,omitempty"`
}

const (
	codeBallotRejected = "ballot_rejected"
	codeStaleEpoch     = "stale_epoch"
	codeQuorumLost     = "quorum_lost"
	codeTooSmall       = "cluster_too_small"
	codeNotActive      = "not_active"
	codeNoConfig       = "no_config"
	codeInvalid        = "invalid_command"
	codeInternal       = "internal"
)

// NewHandler serves the replica's peer protocol. metrics, when not nil, is
// mounted at /metrics.
func NewHandler(r *Replica, metrics http.Handler) http.Handler {
	router := mux.NewRouter()
	router.HandleFunc(routePreAccept, handle(r.HandlePreAccept)).Methods(http.MethodPost)
	router.HandleFunc(routeAccept, handleNoReply(r.HandleAccept)).Methods(http.MethodPost)
	router.HandleFunc(routeCommit, handleNoReply(r.HandleCommit)).Methods(http.MethodPost)
	router.HandleFunc(routePrepare, handle(r.HandlePrepare)).Methods(http.MethodPost)
	router.HandleFunc(routeDownload, handle(r.HandleDownloadInstances)).Methods(http.MethodPost)
	router.HandleFunc(routeConfig, handleNoReply(r.HandleUpdateConfig)).Methods(http.MethodPost)
	router.HandleFunc(routeConfig, func(w http.ResponseWriter, req *http.Request) {
		cfg, err := r.Config(req.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	}).Methods(http.MethodGet)
	router.HandleFunc(routePropose, handle(func(ctx context.Context, req *ProposeRequest) (*CommandResult, error) {
		res, err := r.Propose(ctx, req.Command)
		if err != nil {
			return nil, err
		}
		return &res, nil
	})).Methods(http.MethodPost)
	router.HandleFunc(routeKey, func(w http.ResponseWriter, req *http.Request) {
		v, ok, err := r.Get(req.Context(), mux.Vars(req)["key"])
		if err != nil {
			writeError(w, err)
			return
		}
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(v)
	}).Methods(http.MethodGet)
	if metrics != nil {
		router.Handle("/metrics", metrics).Methods(http.MethodGet)
	}
	return router
}

func handle[Req, Resp any](fn func(ctx context.Context, req *Req) (Resp, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req Req
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Code: codeInvalid, Message: err.Error()})
			return
		}
		resp, err := fn(r.Context(), &req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleNoReply[Req any](fn func(ctx context.Context, req *Req) error) http.HandlerFunc {
	return handle(func(ctx context.Context, req *Req) (struct{}, error) {
		return struct{}{}, fn(ctx, req)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Code: codeInternal, Message: err.Error()}
	status := http.StatusInternalServerError

	var rejected *BallotRejectedError
	switch {
	case errors.As(err, &rejected):
		body.Code, status = codeBallotRejected, http.StatusConflict
		body.Ballot = &rejected.Highest
	case errors.Is(err, ErrStaleEpoch):
		body.Code, status = codeStaleEpoch, http.StatusPreconditionFailed
	case errors.Is(err, ErrQuorumLost):
		body.Code, status = codeQuorumLost, http.StatusServiceUnavailable
	case errors.Is(err, ErrClusterTooSmall):
		body.Code, status = codeTooSmall, http.StatusServiceUnavailable
	case errors.Is(err, ErrNotActive):
		body.Code, status = codeNotActive, http.StatusMisdirectedRequest
	case errors.Is(err, ErrNoConfig):
		body.Code, status = codeNoConfig, http.StatusServiceUnavailable
	case errors.Is(err, ErrInvalidCommand):
		body.Code, status = codeInvalid, http.StatusBadRequest
	}
	if after, ok := RetryAfter(err); ok {
		w.Header().Set("Retry-After", strconv.Itoa(max(1, int(after.Seconds()))))
	}
	writeJSON(w, status, body)
}

// HTTPTransport talks to peers over their NewHandler endpoints.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport uses client, or http.DefaultClient when nil.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{client: client}
}

func (t *HTTPTransport) post(ctx context.Context, to ReplicaConfig, route string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	url := strings.TrimRight(to.URL, "/") + route
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("epoxy: replica %d: %w", to.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(to, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("epoxy: decode reply of replica %d: %w", to.ID, err)
	}
	return nil
}

func decodeError(to ReplicaConfig, resp *http.Response) error {
	var body errorBody
	raw, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(raw, &body); err != nil {
		return fmt.Errorf("epoxy: replica %d: http %d: %s", to.ID, resp.StatusCode, bytes.TrimSpace(raw))
	}
	retry := func(err error) error {
		after := DefaultRetryAfter
		if s, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			after = time.Duration(s) * time.Second
		}
		return &RetryError{Err: err, After: after}
	}
	msg := fmt.Sprintf("replica %d: %s", to.ID, body.Message)
	switch body.Code {
	case codeBallotRejected:
		rejected := &BallotRejectedError{}
		if body.Ballot != nil {
			rejected.Highest = *body.Ballot
		}
		return rejected
	case codeStaleEpoch:
		return fmt.Errorf("%w: %s", ErrStaleEpoch, msg)
	case codeQuorumLost:
		return retry(fmt.Errorf("%w: %s", ErrQuorumLost, msg))
	case codeTooSmall:
		return retry(fmt.Errorf("%w: %s", ErrClusterTooSmall, msg))
	case codeNotActive:
		return fmt.Errorf("%w: %s", ErrNotActive, msg)
	case codeNoConfig:
		return fmt.Errorf("%w: %s", ErrNoConfig, msg)
	case codeInvalid:
		return fmt.Errorf("%w: %s", ErrInvalidCommand, msg)
	default:
		return fmt.Errorf("epoxy: %s", msg)
	}
}

func (t *HTTPTransport) PreAccept(ctx context.Context, to ReplicaConfig, req *PreAcceptRequest) (*PreAcceptReply, error) {
	var out PreAcceptReply
	if err := t.post(ctx, to, routePreAccept, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (t *HTTPTransport) Accept(ctx context.Context, to ReplicaConfig, req *AcceptRequest) error {
	return t.post(ctx, to, routeAccept, req, nil)
}

func (t *HTTPTransport) Commit(ctx context.Context, to ReplicaConfig, req *CommitRequest) error {
	return t.post(ctx, to, routeCommit, req, nil)
}

func (t *HTTPTransport) Prepare(ctx context.Context, to ReplicaConfig, req *PrepareRequest) (*PrepareReply, error) {
	var out PrepareReply
	if err := t.post(ctx, to, routePrepare, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (t *HTTPTransport) DownloadInstances(ctx context.Context, to ReplicaConfig, req *DownloadRequest) (*DownloadReply, error) {
	var out DownloadReply
	if err := t.post(ctx, to, routeDownload, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (t *HTTPTransport) UpdateConfig(ctx context.Context, to ReplicaConfig, cfg *ClusterConfig) error {
	return t.post(ctx, to, routeConfig, cfg, nil)
}

func (t *HTTPTransport) Propose(ctx context.Context, to ReplicaConfig, req *ProposeRequest) (*CommandResult, error) {
	var out CommandResult
	if err := t.post(ctx, to, routePropose, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
