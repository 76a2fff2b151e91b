package devissuer

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"strconv"
)

// ServeKeys publishes the kid -> PEM certificate map with a Cache-Control
// max-age, mirroring the provider's x509 metadata endpoint.
func (i *Issuer) ServeKeys(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d, must-revalidate, no-transform", int(i.cfg.KeyMaxAge.Seconds())))
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	_ = json.NewEncoder(w).Encode(i.KeyDocument())
}

// ServeJWKS publishes the keys in JWKS form.
func (i *Issuer) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(i.cfg.KeyMaxAge.Seconds())))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(i.PublicJWKS())
}

// HandleMint issues a token for the identity posted as JSON or form values.
func (i *Issuer) HandleMint(w http.ResponseWriter, r *http.Request) {
	var id Identity
	if mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mediaType == "application/json" {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&id); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "invalid form")
			return
		}
		id = Identity{
			UID:      r.FormValue("uid"),
			Email:    r.FormValue("email"),
			Name:     r.FormValue("name"),
			Picture:  r.FormValue("picture"),
			Provider: r.FormValue("provider"),
		}
		id.EmailVerified, _ = strconv.ParseBool(r.FormValue("email_verified"))
	}
	if id.UID == "" {
		writeError(w, http.StatusBadRequest, "uid is required")
		return
	}

	token, err := i.Mint(id)
	if err != nil {
		i.logger.Error("dev issuer mint", "error", err)
		writeError(w, http.StatusInternalServerError, "mint failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"idToken":   token,
		"expiresIn": int(i.cfg.TokenTTL.Seconds()),
		"localId":   id.UID,
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
