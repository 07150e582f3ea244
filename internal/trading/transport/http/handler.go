// internal/trading/transport/http/handler.go
package http

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"tradehelm/internal/api/dto"
	"tradehelm/internal/config"
	"tradehelm/internal/trading/entity"
	"tradehelm/internal/trading/service"
	"tradehelm/pkg/hash"
	"tradehelm/pkg/jwt"
)

// Handler serves the operator trading API.
type Handler struct {
	Engine *service.Engine
	Config *config.Config
}

func NewHandler(engine *service.Engine, cfg *config.Config) *Handler {
	return &Handler{Engine: engine, Config: cfg}
}

// Login exchanges the operator credentials for a bearer token.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req dto.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.addErrorResponse(w, http.StatusBadRequest, "invalid JSON format: "+err.Error())
		return
	}
	if err := dto.Validate.Struct(req); err != nil {
		h.validationError(w, err)
		return
	}

	if req.Email != h.Config.OperatorEmail || !hash.CheckPassword(h.Config.OperatorPasswordHash, req.Password) {
		h.addErrorResponse(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := jwt.GenerateToken(h.Config.JWTSecret, req.Email)
	if err != nil {
		h.addErrorResponse(w, http.StatusInternalServerError, "token error")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// SubmitSignal runs the admission-to-entry pipeline for one signal.
func (h *Handler) SubmitSignal(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	var req dto.SubmitSignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.addErrorResponse(w, http.StatusBadRequest, "invalid JSON format: "+err.Error())
		return
	}
	if err := dto.Validate.Struct(req); err != nil {
		h.validationError(w, err)
		return
	}

	signalReq, err := buildSignalRequest(&req)
	if err != nil {
		h.addErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	outcome, err := h.Engine.ProcessSignal(ctx, signalReq)
	if err != nil {
		log.Printf("TradingHandler: ERROR: ProcessSignal failed for %s: %v", req.Symbol, err)
		if outcome != nil {
			// The entry attempt itself failed; surface the partial state.
			h.writeJSON(w, http.StatusBadGateway, outcome)
			return
		}
		h.addErrorResponse(w, http.StatusInternalServerError, "signal processing failed")
		return
	}

	status := http.StatusOK
	if !outcome.Decision.Approved {
		status = http.StatusUnprocessableEntity
	}
	h.writeJSON(w, status, outcome)
}

// buildSignalRequest maps the API request onto the engine's input.
func buildSignalRequest(req *dto.SubmitSignalRequest) (*service.SignalRequest, error) {
	signal := &entity.TradingSignal{
		Symbol:       strings.ToUpper(req.Symbol),
		Direction:    req.Direction,
		Strategy:     req.Strategy,
		Timeframe:    req.Timeframe,
		Confidence:   req.Confidence,
		EntryPrice:   req.EntryPrice,
		StopLoss:     req.StopLoss,
		Target1:      req.Target1,
		RiskReward:   req.RiskReward,
		AIReviewed:   req.AIReviewed,
		AIConviction: req.AIConviction,
		GeneratedAt:  time.Now(),
	}

	out := &service.SignalRequest{
		Signal: signal,
		Size: entity.SizeResult{
			Quantity:     req.Quantity,
			Notional:     req.Notional,
			IsFractional: req.IsFractional,
			AssetType:    req.AssetType,
		},
		Asset: entity.AssetContext{
			AssetType:       req.AssetType,
			Premium:         req.Premium,
			OpenInterest:    req.OpenInterest,
			BidAskSpreadPct: req.BidAskSpreadPct,
		},
		Manual: req.Manual,
	}

	if req.AssetType == entity.AssetTypeOption {
		expiry, err := time.Parse("2006-01-02", req.OptionExpiry)
		if err != nil {
			return nil, err
		}
		out.Option = &entity.OptionContext{
			ContractSymbol: strings.ToUpper(req.OptionSymbol),
			OptionType:     req.OptionType,
			StrikePrice:    req.StrikePrice,
			Expiry:         expiry,
			Premium:        req.Premium,
		}
	}
	return out, nil
}

// ExitTrade closes one trade on operator request.
func (h *Handler) ExitTrade(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	tradeID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.addErrorResponse(w, http.StatusBadRequest, "invalid trade id")
		return
	}

	exit, err := h.Engine.ManualExit(ctx, tradeID)
	if err != nil {
		log.Printf("TradingHandler: ERROR: manual exit of trade %d failed: %v", tradeID, err)
		h.addErrorResponse(w, http.StatusBadGateway, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, exit.Trade)
}

// KillSwitch flattens the account and stops the bot.
func (h *Handler) KillSwitch(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()

	log.Printf("TradingHandler: kill switch engaged by operator")
	report, err := h.Engine.KillSwitch(ctx)
	if err != nil {
		log.Printf("TradingHandler: ERROR: kill switch state update failed: %v", err)
	}
	status := http.StatusOK
	if len(report.Errors) > 0 {
		status = http.StatusMultiStatus
	}
	h.writeJSON(w, status, report)
}

// Resume clears the circuit breaker and restarts admission.
func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	state, err := h.Engine.Resume(r.Context())
	if err != nil {
		log.Printf("TradingHandler: ERROR: resume failed: %v", err)
		h.addErrorResponse(w, http.StatusInternalServerError, "resume failed")
		return
	}
	h.writeJSON(w, http.StatusOK, state)
}

// GetState returns the runtime state row.
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	state, err := h.Engine.State(r.Context())
	if err != nil {
		h.addErrorResponse(w, http.StatusInternalServerError, "failed to load state")
		return
	}
	h.writeJSON(w, http.StatusOK, state)
}

// GetTrades lists ledger rows, optionally filtered by ?status=.
func (h *Handler) GetTrades(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	trades, err := h.Engine.Trades(r.Context(), status)
	if err != nil {
		h.addErrorResponse(w, http.StatusInternalServerError, "failed to load trades")
		return
	}
	if trades == nil {
		trades = []*entity.ExecutedTrade{}
	}
	h.writeJSON(w, http.StatusOK, trades)
}

func (h *Handler) validationError(w http.ResponseWriter, err error) {
	errMessages := make([]string, 0)
	for _, err := range err.(validator.ValidationErrors) {
		field := strings.ToLower(strings.ReplaceAll(err.Field(), "_", " "))
		switch err.Tag() {
		case "required", "required_if":
			errMessages = append(errMessages, field+" is required")
		case "gt":
			errMessages = append(errMessages, field+" must be greater than 0")
		case "oneof":
			errMessages = append(errMessages, field+" must be one of: "+err.Param())
		default:
			errMessages = append(errMessages, field+" is invalid")
		}
	}
	h.addErrorResponse(w, http.StatusBadRequest, strings.Join(errMessages, "; "))
}

func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

func (h *Handler) addErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	log.Printf("TradingHandler error [%d]: %s", statusCode, message)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}
