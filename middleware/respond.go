package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/propono/authgate"
)

type errorBody struct {
	Error string `json:"error"`
}

// WriteError writes the client-safe form of err as a JSON body.
func WriteError(w http.ResponseWriter, err error) {
	status, public := authgate.PublicError(err)
	WriteJSON(w, status, errorBody{Error: public.Error()})
}

func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
