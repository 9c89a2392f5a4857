package transport

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/tessera/internal/config"
	"github.com/pitabwire/tessera/internal/observability"
	"github.com/pitabwire/tessera/model"
)

const tokenLeeway = 30 * time.Second

// authFailure is a rejected token: a metric label plus the message returned
// to the caller.
type authFailure struct {
	reason  string
	message string
}

var (
	failMissing   = authFailure{"missing", "Missing authorization header"}
	failMalformed = authFailure{"malformed", "Invalid authorization header format"}
	failExpired   = authFailure{"expired", "Token expired"}
	failIssuer    = authFailure{"issuer", "Invalid token issuer"}
	failAudience  = authFailure{"audience", "Invalid token audience"}
	failClaim     = authFailure{"claim_missing", "Token is missing a required claim"}
	failAlgorithm = authFailure{"algorithm", "Disallowed signing algorithm"}
	failSignature = authFailure{"signature", "Invalid token signature"}
	failInvalid   = authFailure{"invalid", "Invalid token"}
)

// tokenVerifier checks HMAC bearer tokens against the current secret and
// then any secrets retired by a rotation.
type tokenVerifier struct {
	parser  *jwt.Parser
	secrets [][]byte
}

func newTokenVerifier(cfg config.IdentityConfig) *tokenVerifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(cfg.Algorithms),
		jwt.WithLeeway(tokenLeeway),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	secrets := [][]byte{[]byte(cfg.Secret)}
	for _, s := range cfg.PreviousSecrets {
		if s != "" {
			secrets = append(secrets, []byte(s))
		}
	}
	return &tokenVerifier{parser: jwt.NewParser(opts...), secrets: secrets}
}

// verify extracts and checks the bearer token of r. A zero authFailure
// means the token is valid.
func (v *tokenVerifier) verify(r *http.Request) (map[string]any, authFailure) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, failMissing
	}
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return nil, failMalformed
	}

	var (
		token *jwt.Token
		err   error
	)
	for _, secret := range v.secrets {
		token, err = v.parser.Parse(raw, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return secret, nil
		})
		if classifyJWTError(err) != failSignature {
			break
		}
	}
	if err != nil {
		return nil, classifyJWTError(err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, failInvalid
	}
	return claims, authFailure{}
}

// JWTAuthenticator returns middleware that verifies HMAC-signed bearer
// tokens and stores the verified claims in the request context. Rejections
// are counted by reason.
func JWTAuthenticator(cfg config.IdentityConfig, metrics *observability.Metrics) func(http.Handler) http.Handler {
	v := newTokenVerifier(cfg)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, fail := v.verify(r)
			if fail.reason != "" {
				metrics.RecordAuthFailure(fail.reason)
				WriteError(w, model.NewUnauthorizedError(fail.message))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

func classifyJWTError(err error) authFailure {
	switch {
	case err == nil:
		return authFailure{}
	case errors.Is(err, jwt.ErrTokenExpired):
		return failExpired
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return failIssuer
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return failAudience
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return failClaim
	// Disallowed methods also surface as signature errors.
	case strings.Contains(err.Error(), "signing method"):
		return failAlgorithm
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return failSignature
	default:
		return failInvalid
	}
}
