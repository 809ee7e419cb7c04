package gateway

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// ServiceTokenHeader carries the shared secret of internal callers.
const ServiceTokenHeader = "X-Service-Token"

var (
	errMissingToken = errors.New("missing service token")
	errInvalidToken = errors.New("invalid service token")
)

// Authenticator validates the shared service token.
type Authenticator struct {
	token []byte
}

func NewAuthenticator(token string) *Authenticator {
	return &Authenticator{token: []byte(token)}
}

// Validate checks a presented token in constant time.
func (a *Authenticator) Validate(presented string) error {
	if presented == "" {
		return errMissingToken
	}
	if len(a.token) == 0 || subtle.ConstantTimeCompare([]byte(presented), a.token) != 1 {
		return errInvalidToken
	}
	return nil
}

func (g *Gateway) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := g.authenticator.Validate(r.Header.Get(ServiceTokenHeader)); err != nil {
			g.logger.Warn("service authentication failed",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("path", r.URL.Path),
				zap.Error(err),
			)
			g.writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}
