package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"ccxchain/core/types"
	"ccxchain/crypto"
	"ccxchain/mpc"
	"ccxchain/native/exchange"
)

const (
	codeExchangeInvalidParams = -32041
	codeExchangeNotFound      = -32042
	codeExchangePrecondition  = -32043
	codeExchangeConflict      = -32044
	codeExchangeDeadline      = -32045
	codeExchangeAborted       = -32046
	codeExchangeConsistency   = -32047
	codeComputeUnavailable    = -32048
	codeUnknownRequest        = -32049
)

type offerRefParams struct {
	Domain  string `json:"domain"`
	Creator string `json:"creator"`
	ID      uint64 `json:"id"`
}

type exchangeCreateParams struct {
	Creator       string `json:"creator"`
	ID            uint64 `json:"id"`
	Domain        string `json:"domain"`
	AmountOffered uint64 `json:"amountOffered"`
	AmountWanted  uint64 `json:"amountWanted"`
	IsTakerNative bool   `json:"isTakerNative"`
	DomainID      uint64 `json:"domainId,omitempty"`
	Deadline      int64  `json:"deadline"`
}

type exchangeFundParams struct {
	offerRefParams
	Role   string `json:"role"`
	Party  string `json:"party"`
	Amount uint64 `json:"amount"`
}

type exchangeVerifyParams struct {
	offerRefParams
	RequestID    uint64 `json:"requestId"`
	Ciphertext   string `json:"ciphertext"`
	RecipientKey string `json:"recipientKey"`
	Nonce        string `json:"nonce"`
}

type exchangeSettleParams struct {
	offerRefParams
	Caller string `json:"caller"`
}

type exchangeEventsParams struct {
	Since uint64 `json:"since"`
}

type mpcResultParams struct {
	RequestID uint64   `json:"requestId"`
	Aborted   bool     `json:"aborted"`
	Outputs   []string `json:"outputs,omitempty"`
	Nonce     string   `json:"nonce,omitempty"`
}

type offerJSON struct {
	ID            uint64 `json:"id"`
	Creator       string `json:"creator"`
	Taker         string `json:"taker,omitempty"`
	Domain        string `json:"domain"`
	AmountOffered uint64 `json:"amountOffered"`
	AmountWanted  uint64 `json:"amountWanted"`
	IsTakerNative bool   `json:"isTakerNative"`
	DomainID      uint64 `json:"domainId,omitempty"`
	Deadline      int64  `json:"deadline"`
	CreatedAt     int64  `json:"createdAt"`
	Status        string `json:"status"`
	SellerVault   string `json:"sellerVault"`
	BuyerVault    string `json:"buyerVault,omitempty"`
}

type eventJSON struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type eventsResult struct {
	Events  []eventJSON `json:"events"`
	NextSeq uint64      `json:"nextSeq"`
}

func offerToJSON(o *exchange.Offer) offerJSON {
	out := offerJSON{
		ID:            o.ID,
		Creator:       crypto.NewAddress(crypto.CCXPrefix, o.Creator[:]).String(),
		Domain:        o.Domain.String(),
		AmountOffered: o.AmountOffered,
		AmountWanted:  o.AmountWanted,
		IsTakerNative: o.IsTakerNative,
		DomainID:      o.DomainID,
		Deadline:      o.Deadline,
		CreatedAt:     o.CreatedAt,
		Status:        o.Status.String(),
	}
	sellerVault := exchange.VaultAddress(exchange.RoleSeller, o.Creator, o.ID)
	out.SellerVault = crypto.NewAddress(crypto.CCXPrefix, sellerVault[:]).String()
	if o.HasTaker() {
		out.Taker = crypto.NewAddress(crypto.CCXPrefix, o.Taker[:]).String()
		buyerVault := exchange.VaultAddress(exchange.RoleBuyer, o.Taker, o.ID)
		out.BuyerVault = crypto.NewAddress(crypto.CCXPrefix, buyerVault[:]).String()
	}
	return out
}

func decodeParams(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("expected a single params object")
	}
	return json.Unmarshal(req.Params[0], out)
}

func parseAddress(raw string) ([20]byte, error) {
	var out [20]byte
	addr, err := crypto.DecodeAddress(raw)
	if err != nil {
		return out, err
	}
	copy(out[:], addr.Bytes())
	return out, nil
}

func parseDomain(raw string) (exchange.OfferDomain, error) {
	switch raw {
	case "intra":
		return exchange.OfferDomainIntra, nil
	case "cross":
		return exchange.OfferDomainCross, nil
	default:
		return 0, fmt.Errorf("unknown offer domain %q", raw)
	}
}

func parseRole(raw string) (exchange.VaultRole, error) {
	switch raw {
	case "seller":
		return exchange.RoleSeller, nil
	case "buyer":
		return exchange.RoleBuyer, nil
	default:
		return 0, fmt.Errorf("unknown vault role %q", raw)
	}
}

func parseHex32(raw string) ([32]byte, error) {
	var out [32]byte
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return out, err
	}
	if len(decoded) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}

func parseHex16(raw string) ([16]byte, error) {
	var out [16]byte
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return out, err
	}
	if len(decoded) != 16 {
		return out, fmt.Errorf("expected 16 bytes, got %d", len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}

// writeExchangeError maps engine failures onto stable RPC error codes so
// clients can branch on outcome without parsing messages.
func writeExchangeError(w http.ResponseWriter, id interface{}, err error) {
	switch {
	case errors.Is(err, exchange.ErrOfferNotFound):
		writeError(w, http.StatusNotFound, id, codeExchangeNotFound, err.Error(), nil)
	case errors.Is(err, exchange.ErrPrecondition):
		writeError(w, http.StatusUnprocessableEntity, id, codeExchangePrecondition, err.Error(), nil)
	case errors.Is(err, exchange.ErrStateConflict):
		writeError(w, http.StatusConflict, id, codeExchangeConflict, err.Error(), nil)
	case errors.Is(err, exchange.ErrDeadlineExceeded):
		writeError(w, http.StatusConflict, id, codeExchangeDeadline, err.Error(), nil)
	case errors.Is(err, exchange.ErrComputationAborted):
		writeError(w, http.StatusConflict, id, codeExchangeAborted, err.Error(), nil)
	case errors.Is(err, exchange.ErrConsistency):
		writeError(w, http.StatusInternalServerError, id, codeExchangeConsistency, err.Error(), nil)
	case errors.Is(err, mpc.ErrClusterUnavailable):
		writeError(w, http.StatusServiceUnavailable, id, codeComputeUnavailable, err.Error(), nil)
	case errors.Is(err, mpc.ErrMalformedArgs), errors.Is(err, mpc.ErrRequestIDReused):
		writeError(w, http.StatusUnprocessableEntity, id, codeExchangeInvalidParams, err.Error(), nil)
	case errors.Is(err, mpc.ErrUnknownRequest):
		writeError(w, http.StatusNotFound, id, codeUnknownRequest, err.Error(), nil)
	default:
		writeError(w, http.StatusInternalServerError, id, codeServerError, err.Error(), nil)
	}
}

func (s *Server) handleExchangeCreateOffer(w http.ResponseWriter, req *RPCRequest) {
	var params exchangeCreateParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeExchangeInvalidParams, "invalid params", err.Error())
		return
	}
	creator, err := parseAddress(params.Creator)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeExchangeInvalidParams, "invalid creator address", err.Error())
		return
	}
	domain, err := parseDomain(params.Domain)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeExchangeInvalidParams, "invalid domain", err.Error())
		return
	}
	offer, err := s.engine.CreateOffer(creator, params.ID, domain, params.AmountOffered, params.AmountWanted, params.IsTakerNative, params.DomainID, params.Deadline)
	if err != nil {
		writeExchangeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, offerToJSON(offer))
}

func (s *Server) handleExchangeFundVault(w http.ResponseWriter, req *RPCRequest) {
	var params exchangeFundParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeExchangeInvalidParams, "invalid params", err.Error())
		return
	}
	creator, err := parseAddress(params.Creator)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeExchangeInvalidParams, "invalid creator address", err.Error())
		return
	}
	party, err := parseAddress(params.Party)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeExchangeInvalidParams, "invalid party address", err.Error())
		return
	}
	domain, err := parseDomain(params.Domain)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeExchangeInvalidParams, "invalid domain", err.Error())
		return
	}
	role, err := parseRole(params.Role)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeExchangeInvalidParams, "invalid role", err.Error())
		return
	}
	if err := s.engine.FundVault(domain, creator, params.ID, role, party, params.Amount); err != nil {
		writeExchangeError(w, req.ID, err)
		return
	}
	offer, err := s.engine.GetOffer(domain, creator, params.ID)
	if err != nil {
		writeExchangeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, offerToJSON(offer))
}

func (s *Server) handleExchangeRequestVerification(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params exchangeVerifyParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeExchangeInvalidParams, "invalid params", err.Error())
		return
	}
	creator, err := parseAddress(params.Creator)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeExchangeInvalidParams, "invalid creator address", err.Error())
		return
	}
	domain, err := parseDomain(params.Domain)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeExchangeInvalidParams, "invalid domain", err.Error())
		return
	}
	ciphertext, err := parseHex32(params.Ciphertext)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeExchangeInvalidParams, "invalid ciphertext", err.Error())
		return
	}
	recipientKey, err := parseHex32(params.RecipientKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeExchangeInvalidParams, "invalid recipient key", err.Error())
		return
	}
	nonce, err := parseHex16(params.Nonce)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeExchangeInvalidParams, "invalid nonce", err.Error())
		return
	}
	if err := s.engine.RequestVerification(r.Context(), domain, creator, params.ID, params.RequestID, ciphertext, recipientKey, nonce); err != nil {
		writeExchangeError(w, req.ID, err)
		return
	}
	offer, err := s.engine.GetOffer(domain, creator, params.ID)
	if err != nil {
		writeExchangeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, offerToJSON(offer))
}

func (s *Server) handleExchangeSettle(w http.ResponseWriter, req *RPCRequest) {
	var params exchangeSettleParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeExchangeInvalidParams, "invalid params", err.Error())
		return
	}
	creator, err := parseAddress(params.Creator)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeExchangeInvalidParams, "invalid creator address", err.Error())
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeExchangeInvalidParams, "invalid caller address", err.Error())
		return
	}
	domain, err := parseDomain(params.Domain)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeExchangeInvalidParams, "invalid domain", err.Error())
		return
	}
	if err := s.engine.Settle(domain, creator, params.ID, caller); err != nil {
		writeExchangeError(w, req.ID, err)
		return
	}
	offer, err := s.engine.GetOffer(domain, creator, params.ID)
	if err != nil {
		writeExchangeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, offerToJSON(offer))
}

func (s *Server) handleExchangeExpire(w http.ResponseWriter, req *RPCRequest) {
	var params offerRefParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeExchangeInvalidParams, "invalid params", err.Error())
		return
	}
	creator, err := parseAddress(params.Creator)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeExchangeInvalidParams, "invalid creator address", err.Error())
		return
	}
	domain, err := parseDomain(params.Domain)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeExchangeInvalidParams, "invalid domain", err.Error())
		return
	}
	if err := s.engine.ExpireAndRefund(domain, creator, params.ID); err != nil {
		writeExchangeError(w, req.ID, err)
		return
	}
	offer, err := s.engine.GetOffer(domain, creator, params.ID)
	if err != nil {
		writeExchangeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, offerToJSON(offer))
}

func (s *Server) handleExchangeGetOffer(w http.ResponseWriter, req *RPCRequest) {
	var params offerRefParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeExchangeInvalidParams, "invalid params", err.Error())
		return
	}
	creator, err := parseAddress(params.Creator)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeExchangeInvalidParams, "invalid creator address", err.Error())
		return
	}
	domain, err := parseDomain(params.Domain)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeExchangeInvalidParams, "invalid domain", err.Error())
		return
	}
	offer, err := s.engine.GetOffer(domain, creator, params.ID)
	if err != nil {
		writeExchangeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, offerToJSON(offer))
}

func (s *Server) handleExchangeEvents(w http.ResponseWriter, req *RPCRequest) {
	var params exchangeEventsParams
	if len(req.Params) > 0 {
		if err := decodeParams(req, &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeExchangeInvalidParams, "invalid params", err.Error())
			return
		}
	}
	if s.recorder == nil {
		writeResult(w, req.ID, eventsResult{Events: []eventJSON{}})
		return
	}
	recorded, next := s.recorder.Since(params.Since)
	out := make([]eventJSON, 0, len(recorded))
	for _, evt := range recorded {
		entry := eventJSON{Type: evt.EventType()}
		if carrier, ok := evt.(interface{ Event() *types.Event }); ok {
			if payload := carrier.Event(); payload != nil {
				entry.Attributes = payload.Attributes
			}
		}
		out = append(out, entry)
	}
	writeResult(w, req.ID, eventsResult{Events: out, NextSeq: next})
}

// handleMPCSubmitResult is the ingress for computation results delivered by an
// external cluster rather than the in-process one. It feeds the same one-shot
// correlation path as in-process callbacks.
func (s *Server) handleMPCSubmitResult(w http.ResponseWriter, req *RPCRequest) {
	var params mpcResultParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeExchangeInvalidParams, "invalid params", err.Error())
		return
	}
	res := mpc.Result{Aborted: params.Aborted}
	for _, raw := range params.Outputs {
		ct, err := parseHex32(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeExchangeInvalidParams, "invalid output ciphertext", err.Error())
			return
		}
		res.Ciphertexts = append(res.Ciphertexts, ct)
	}
	if params.Nonce != "" {
		nonce, err := parseHex16(params.Nonce)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeExchangeInvalidParams, "invalid nonce", err.Error())
			return
		}
		res.Nonce = nonce
	}
	if err := s.engine.OnVerificationResult(params.RequestID, res); err != nil {
		writeExchangeError(w, req.ID, err)
		return
	}
	outcome := "verified"
	if params.Aborted {
		outcome = "aborted"
	}
	writeResult(w, req.ID, map[string]string{"acknowledged": "1", "outcome": outcome})
}
