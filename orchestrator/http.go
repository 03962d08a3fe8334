package orchestrator

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/izavyalov-dev/triage-ci/analysis"
	"github.com/izavyalov-dev/triage-ci/internal/ci/azdo"
	"github.com/izavyalov-dev/triage-ci/internal/observability"
)

const signatureHeader = "X-Triage-Signature"

// NewHTTPHandler wires the notification ingress plus metrics and health
// endpoints.
func NewHTTPHandler(service *Service, secret string, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = observability.NewLogger("orchestrator.http")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/api/v1/notifications", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		ok, err := verifySignature(secret, body, r.Header.Get(signatureHeader))
		if err != nil || !ok {
			logger.Warn("notification signature rejected", "event", "signature_rejected", "error", err)
			writeError(w, http.StatusUnauthorized, errors.New("invalid signature"))
			return
		}

		var notification Notification
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&notification); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if notification.Org == "" || notification.Project == "" || notification.BuildID <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("org, project, and build_id are required"))
			return
		}

		result, err := service.HandleNotification(r.Context(), notification)
		if err != nil {
			switch {
			case errors.Is(err, analysis.ErrBuildNotFound):
				writeError(w, http.StatusNotFound, err)
			case azdo.IsTransient(err):
				// 503 asks the sender to redeliver.
				logger.Warn("transient failure, requesting redelivery", "event", "notification_transient", "build_id", notification.BuildID, "error", err)
				writeError(w, http.StatusServiceUnavailable, err)
			default:
				logger.Error("notification handling failed", "event", "notification_failed", "build_id", notification.BuildID, "error", err)
				writeError(w, http.StatusInternalServerError, err)
			}
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	return mux
}

// verifySignature checks an HMAC-SHA256 signature header of the form
// "sha256=<hex>" against the payload.
func verifySignature(secret string, body []byte, header string) (bool, error) {
	if secret == "" {
		return false, errors.New("notification secret is empty")
	}
	if header == "" {
		return false, errors.New("signature header missing")
	}
	algo, sigHex, ok := strings.Cut(header, "=")
	if !ok || algo != "sha256" {
		return false, errors.New("signature header malformed")
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), sig), nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
