package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxPayloadBytes = 1 << 20

type envelope struct {
	OK      bool    `json:"ok"`
	Code    int     `json:"code"`
	Data    any     `json:"data"`
	Message *string `json:"message"`
}

func respondOK(w http.ResponseWriter, data any) {
	writeEnvelope(w, http.StatusOK, envelope{OK: true, Code: http.StatusOK, Data: data})
}

// respondError answers every handled failure with 400 and the error text.
func respondError(w http.ResponseWriter, err error) {
	respondStatus(w, http.StatusBadRequest, err.Error())
}

func respondStatus(w http.ResponseWriter, status int, message string) {
	writeEnvelope(w, status, envelope{OK: false, Code: status, Message: &message})
}

func writeEnvelope(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

var errEmptyPayload = errors.New("request body is empty")

func decodePayload(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyPayload
		}
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

func normalizeSymbol(symbol string) (string, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return "", errors.New("symbol is required")
	}
	return symbol, nil
}
