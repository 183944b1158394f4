package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"krcindex/address"
	"krcindex/indexer"
	"krcindex/protocol"
	"krcindex/state"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
}

func writeNotFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
}

func (s *Server) writeInternalError(w http.ResponseWriter, err error) {
	s.log.Error("gateway request failed", "err", err)
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
}

func tickParam(r *http.Request) (string, error) {
	raw := chi.URLParam(r, "tick")
	tick, ok := protocol.NormalizeTick(raw)
	if !ok {
		return "", fmt.Errorf("invalid tick %q", raw)
	}
	return tick, nil
}

func addressParam(r *http.Request) (string, error) {
	addr := strings.TrimSpace(chi.URLParam(r, "address"))
	if !address.Prefixed(addr) {
		return "", fmt.Errorf("invalid address %q", addr)
	}
	return addr, nil
}

func pageParams(r *http.Request) (cursor string, limit int, err error) {
	q := r.URL.Query()
	cursor = q.Get("cursor")
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return "", 0, fmt.Errorf("invalid limit %q", raw)
		}
	}
	return cursor, limit, nil
}

type page[T any] struct {
	Items  []T    `json:"items"`
	Cursor string `json:"cursor,omitempty"`
}

func (s *Server) listTokens(w http.ResponseWriter, r *http.Request) {
	cursor, limit, err := pageParams(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	tokens, next, err := s.query.ListTokens(cursor, limit)
	if err != nil {
		s.writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page[*state.Token]{Items: tokens, Cursor: next})
}

func (s *Server) getToken(w http.ResponseWriter, r *http.Request) {
	tick, err := tickParam(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	tok, err := s.query.GetToken(tick)
	if errors.Is(err, indexer.ErrNotFound) {
		writeNotFound(w)
		return
	}
	if err != nil {
		s.writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

func (s *Server) listings(w http.ResponseWriter, r *http.Request) {
	tick, err := tickParam(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	cursor, limit, err := pageParams(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	listings, next, err := s.query.Listings(tick, cursor, limit)
	if err != nil {
		s.writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page[*state.Listing]{Items: listings, Cursor: next})
}

func (s *Server) blacklisted(w http.ResponseWriter, r *http.Request) {
	tick, err := tickParam(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	addr, err := addressParam(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	blocked, err := s.query.IsBlacklisted(tick, addr)
	if errors.Is(err, indexer.ErrNotFound) {
		writeNotFound(w)
		return
	}
	if err != nil {
		s.writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"blacklisted": blocked})
}

func (s *Server) listBalances(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	cursor, limit, err := pageParams(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	balances, next, err := s.query.ListBalances(addr, cursor, limit)
	if err != nil {
		s.writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page[*state.Balance]{Items: balances, Cursor: next})
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	tick, err := tickParam(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	bal, err := s.query.GetBalance(addr, tick)
	if err != nil {
		s.writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

func (s *Server) listOperations(w http.ResponseWriter, r *http.Request) {
	cursor, limit, err := pageParams(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	addr := strings.TrimSpace(r.URL.Query().Get("address"))
	if addr != "" && !address.Prefixed(addr) {
		writeBadRequest(w, fmt.Errorf("invalid address %q", addr))
		return
	}
	tick := ""
	if raw := r.URL.Query().Get("tick"); raw != "" {
		var ok bool
		tick, ok = protocol.NormalizeTick(raw)
		if !ok {
			writeBadRequest(w, fmt.Errorf("invalid tick %q", raw))
			return
		}
	}
	records, next, err := s.query.ListOperations(addr, tick, cursor, limit)
	if err != nil {
		s.writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page[*state.OperationRecord]{Items: records, Cursor: next})
}

func (s *Server) getOperation(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseUint(chi.URLParam(r, "seq"), 10, 64)
	if err != nil {
		writeBadRequest(w, fmt.Errorf("invalid sequence: %w", err))
		return
	}
	txid := strings.ToLower(chi.URLParam(r, "txid"))
	if !protocol.ValidateTxID(txid) {
		writeBadRequest(w, fmt.Errorf("invalid txid %q", txid))
		return
	}
	rec, err := s.query.GetOperation(seq, txid)
	if errors.Is(err, indexer.ErrNotFound) {
		writeNotFound(w)
		return
	}
	if err != nil {
		s.writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type clusterStatusBody struct {
	RingVersion uint64            `json:"ringVersion"`
	Nodes       map[string]string `json:"nodes"`
	Degraded    []string          `json:"degraded,omitempty"`
}

func (s *Server) clusterStatus(w http.ResponseWriter, _ *http.Request) {
	r := s.status.Ring()
	nodes := make(map[string]string)
	for _, id := range r.Nodes() {
		if h, ok := r.NodeHealth(id); ok {
			nodes[id] = h.String()
		}
	}
	writeJSON(w, http.StatusOK, clusterStatusBody{
		RingVersion: r.Version(),
		Nodes:       nodes,
		Degraded:    s.status.Degraded(),
	})
}
