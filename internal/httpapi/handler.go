package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"licensing-controlplane/pkg/canonical"
	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/services/sso"
	"licensing-controlplane/services/verification"

	"go.uber.org/fx"
)

type MuxParams struct {
	fx.In
	Verifier *verification.Service
	SSO      *sso.Service
}

// ProvideMux exposes the edge-facing surface: health, license
// verification and session tokens. Administrative operations stay behind
// the service layer and are not served here.
func ProvideMux(p MuxParams) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("POST /v1/licenses/verify", verifyHandler(p.Verifier))
	mux.HandleFunc("POST /v1/sso/token", tokenHandler(p.SSO))
	mux.HandleFunc("POST /v1/sso/validate", validateHandler(p.SSO))
	return mux
}

// verifyHandler always answers 200 with a reason-coded verdict; only a
// store failure is an error response.
func verifyHandler(verifier *verification.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			writeError(w, errutil.BadRequest("failed to read request body"))
			return
		}
		doc, err := canonical.Decode(raw)
		if err != nil {
			writeJSON(w, http.StatusOK, &verification.Result{
				Valid:  false,
				Reason: verification.ReasonBadSignature,
			})
			return
		}

		res, err := verifier.Verify(r.Context(), doc)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func tokenHandler(gateway *sso.Service) http.HandlerFunc {
	type request struct {
		LicenseID string `json:"license_id"`
		UserID    string `json:"user_id"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, errutil.BadRequest("invalid request body"))
			return
		}

		session, err := gateway.IssueToken(r.Context(), req.LicenseID, req.UserID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, session)
	}
}

func validateHandler(gateway *sso.Service) http.HandlerFunc {
	type request struct {
		Token string `json:"token"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, errutil.BadRequest("invalid request body"))
			return
		}

		claims, err := gateway.ValidateToken(r.Context(), req.Token)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, claims)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	var base errutil.BaseError
	if !errors.As(err, &base) {
		base = errutil.BaseError{Code: errutil.StatusInternal, Message: "internal error"}
	}
	writeJSON(w, errutil.HTTPStatus(err), base.JSON())
}
