// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package rpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/tuskeNetwork/tuskex-sub001/client/core"
)

// idKey is the URL parameter holding a trade or offer ID.
const idKey = "id"

// writeJSON marshals the provided interface and writes the bytes to the
// ResponseWriter. The response code is assumed to be StatusOK.
func writeJSON(w http.ResponseWriter, thing any) {
	writeJSONWithStatus(w, thing, http.StatusOK)
}

// writeJSONWithStatus marshals the provided interface and writes the bytes
// to the ResponseWriter with the specified response code.
func writeJSONWithStatus(w http.ResponseWriter, thing any, code int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "    ")
	if err := encoder.Encode(thing); err != nil {
		log.Errorf("JSON encode error: %v", err)
	}
}

// errorStatus maps a core error to an HTTP status.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, errArgs):
		return http.StatusBadRequest
	case core.IsNotFound(err):
		return http.StatusNotFound
	case core.IsRequestError(err):
		return http.StatusConflict
	case core.IsTransient(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		log.Errorf("RPC request failed: %v", err)
	} else {
		log.Debugf("RPC request refused: %v", err)
	}
	writeJSONWithStatus(w, &errorResponse{Code: core.ErrorCode(err), Message: err.Error()}, status)
}

// decodeBody decodes the JSON request body into thing.
func decodeBody(w http.ResponseWriter, r *http.Request, thing any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(thing); err != nil {
		writeError(w, fmt.Errorf("%w: %v", errArgs, err))
		return false
	}
	return true
}

func (s *Server) apiNode(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, &nodeResponse{Addr: s.core.Addr()})
}

// apiAgentInfo describes this node for makers that assign it as their
// dispute agent.
func (s *Server) apiAgentInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.core.AgentInfo(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, info)
}

func (s *Server) apiBalances(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.core.Balances())
}

// apiNotifications is the handler for '/notifications?n=N'.
func (s *Server) apiNotifications(w http.ResponseWriter, r *http.Request) {
	n, err := countParam(r, 50)
	if err != nil {
		writeError(w, err)
		return
	}
	notes, err := s.core.Notifications(n)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, notes)
}

func (s *Server) apiOffers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.core.OpenOffers())
}

func (s *Server) apiPlaceOffer(w http.ResponseWriter, r *http.Request) {
	form := new(core.OfferForm)
	if !decodeBody(w, r, form) {
		return
	}
	oo, err := s.core.PlaceOffer(r.Context(), form)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, oo)
}

func (s *Server) apiCancelOffer(w http.ResponseWriter, r *http.Request) {
	if err := s.core.CancelOffer(r.Context(), chi.URLParam(r, idKey)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, &okResponse{OK: true})
}

// apiTrades is the handler for '/trades?archived=N'. Active trades are
// listed unless archived is set.
func (s *Server) apiTrades(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("archived") == "" {
		writeJSON(w, s.core.Trades())
		return
	}
	n, err := countParam(r, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	trades, err := s.core.ArchivedTrades(n)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, trades)
}

func (s *Server) apiTakeOffer(w http.ResponseWriter, r *http.Request) {
	req := new(takeOfferRequest)
	if !decodeBody(w, r, req) {
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, err)
		return
	}
	t, err := s.core.TakeOffer(r.Context(), req.Offer, req.Amount, req.PaymentAccount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, t)
}

func (s *Server) apiTrade(w http.ResponseWriter, r *http.Request) {
	t, err := s.core.Trade(chi.URLParam(r, idKey))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, t)
}

func (s *Server) apiPaymentSent(w http.ResponseWriter, r *http.Request) {
	s.tradeCommand(w, r, s.core.ConfirmPaymentSent)
}

func (s *Server) apiPaymentReceived(w http.ResponseWriter, r *http.Request) {
	s.tradeCommand(w, r, s.core.ConfirmPaymentReceived)
}

func (s *Server) apiAcceptMediation(w http.ResponseWriter, r *http.Request) {
	s.tradeCommand(w, r, s.core.AcceptMediationResult)
}

// tradeCommand runs a command that takes only the trade ID and responds
// with the updated trade.
func (s *Server) tradeCommand(w http.ResponseWriter, r *http.Request, cmd func(ctx context.Context, tradeID string) error) {
	id := chi.URLParam(r, idKey)
	if err := cmd(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	t, err := s.core.Trade(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, t)
}

func (s *Server) apiRejectMediation(w http.ResponseWriter, r *http.Request) {
	d, err := s.core.RejectMediationResult(r.Context(), chi.URLParam(r, idKey))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, d)
}

func (s *Server) apiWithdraw(w http.ResponseWriter, r *http.Request) {
	req := new(withdrawRequest)
	if !decodeBody(w, r, req) {
		return
	}
	txHash, err := s.core.WithdrawFunds(r.Context(), chi.URLParam(r, idKey), req.Address, req.Memo)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, &withdrawResponse{TxHash: txHash})
}

func (s *Server) apiDisputes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.core.Disputes(chi.URLParam(r, idKey)))
}

func (s *Server) apiOpenDispute(w http.ResponseWriter, r *http.Request) {
	req := new(disputeRequest)
	if !decodeBody(w, r, req) {
		return
	}
	d, err := s.core.OpenDispute(r.Context(), chi.URLParam(r, idKey), req.Kind)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, d)
}

func (s *Server) apiCloseDispute(w http.ResponseWriter, r *http.Request) {
	req := new(closeDisputeRequest)
	if !decodeBody(w, r, req) {
		return
	}
	if req.Resolution == nil {
		writeError(w, fmt.Errorf("%w: no resolution", errArgs))
		return
	}
	res, err := s.core.CloseDispute(r.Context(), chi.URLParam(r, idKey), req.Kind, req.Resolution)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, res)
}

func (s *Server) apiChat(w http.ResponseWriter, r *http.Request) {
	req := new(chatRequest)
	if !decodeBody(w, r, req) {
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, err)
		return
	}
	m, err := s.core.SendChatMessage(r.Context(), chi.URLParam(r, idKey), req.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, m)
}

// countParam parses the n query parameter, returning def if it is absent.
func countParam(r *http.Request, def int) (int, error) {
	s := r.URL.Query().Get("n")
	if s == "" {
		s = r.URL.Query().Get("archived")
	}
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: invalid count %q", errArgs, s)
	}
	return n, nil
}
