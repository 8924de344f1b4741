package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/foxiles/pkg/ledger"
)

// devTransferRequest pays a purchase on the in-process ledger.
type devTransferRequest struct {
	Destination      string `json:"destination"`
	AmountMinorUnits uint64 `json:"amountMinorUnits"`
	Memo             string `json:"memo"`
	Signature        string `json:"signature,omitempty"`
}

type devTransferResponse struct {
	Signature        string    `json:"signature"`
	Destination      string    `json:"destination"`
	AmountMinorUnits uint64    `json:"amountMinorUnits"`
	Memo             string    `json:"memo"`
	Slot             uint64    `json:"slot"`
	BlockTime        time.Time `json:"blockTime"`
}

// handleDevTransfer is only routed when the server runs on a ledger.Memory.
func (s *Server) handleDevTransfer(w http.ResponseWriter, r *http.Request) {
	var req devTransferRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		WriteBadRequest(w, r, "invalid transfer body")
		return
	}
	if req.Destination == "" || req.AmountMinorUnits == 0 {
		WriteBadRequest(w, r, "destination and amountMinorUnits are required")
		return
	}
	if req.Signature == "" {
		req.Signature = "dev-" + uuid.NewString()
	}
	t := s.devLedger.Post(ledger.Transfer{
		Signature:        req.Signature,
		Destination:      req.Destination,
		AmountMinorUnits: req.AmountMinorUnits,
		Memo:             req.Memo,
		BlockTime:        time.Now().UTC(),
	})
	s.logger.InfoContext(r.Context(), "dev transfer posted",
		"signature", t.Signature, "destination", t.Destination, "amount", t.AmountMinorUnits, "memo", t.Memo)
	writeJSON(w, http.StatusCreated, devTransferResponse{
		Signature:        t.Signature,
		Destination:      t.Destination,
		AmountMinorUnits: t.AmountMinorUnits,
		Memo:             t.Memo,
		Slot:             t.Slot,
		BlockTime:        t.BlockTime,
	})
}
