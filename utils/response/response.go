package response

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Envelope wraps every body the status endpoint writes.
type Envelope struct {
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func OK(w http.ResponseWriter, status int, data interface{}) {
	JSON(w, status, Envelope{OK: true, Data: data})
}

func Fail(w http.ResponseWriter, status int, format string, args ...interface{}) {
	JSON(w, status, Envelope{Error: fmt.Sprintf(format, args...)})
}
