package authapi

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	v1 "qrlogin/shared/contracts/qrlogin/v1"
)

var errUnsupportedBody = errors.New("unsupported request body")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, v1.ErrorResponse{Error: msg, Code: code})
}

func writeMethodNotAllowed(w http.ResponseWriter, allow string) {
	w.Header().Set("Allow", allow)
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer func() { _ = r.Body.Close() }()

	body := http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(dst); err != nil {
		return err
	}
	// Ensure there is no extra data after the first JSON value.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("extra data after JSON object")
	}
	return nil
}

// decodeClaim reads a claim from a JSON body or from form fields.
// Unknown JSON keys are ignored, and text/plain bodies are read as JSON, which is
// what browsers send for cross-origin posts without a preflight.
func decodeClaim(w http.ResponseWriter, r *http.Request, maxBytes int64) (v1.ClaimRequest, error) {
	var req v1.ClaimRequest

	ct := strings.TrimSpace(r.Header.Get("Content-Type"))
	mt := ""
	if ct != "" {
		parsed, _, err := mime.ParseMediaType(ct)
		if err != nil {
			return req, errUnsupportedBody
		}
		mt = parsed
	}

	switch mt {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		if err := r.ParseMultipartForm(maxBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			return req, err
		}
		req.SessionID = r.PostFormValue("sessionId")
		req.ID = r.PostFormValue("id")
		req.MobileAuthToken = r.PostFormValue("mobileAuthToken")
		req.CredentialToken = r.PostFormValue("credentialToken")
		return req, nil
	case "", "application/json", "text/plain":
		err := decodeJSON(w, r, maxBytes, &req)
		return req, err
	default:
		return req, errUnsupportedBody
	}
}
