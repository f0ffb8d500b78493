package authz

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrClaimValidation is returned by ValidateClaims when a configured
// validator rejects the session's already-parsed claims.
var ErrClaimValidation = errors.New("authz: claim validation failed")

// ValidateClaims runs the named validators from JWT_CLAIM_VALIDATORS
// (SPEC_FULL.md §2 "Configuration") against claims that have already
// been parsed and verified by the caller (spec.md §1: "JWT parsing/
// verification beyond its contract" is out of scope — the core never
// sees a raw token, only the Context.Claims map). It reuses
// jwt.MapClaims's standard-claim accessors purely as a typed view over
// that map, not to parse or verify a token.
func ValidateClaims(claims map[string]interface{}, validators []string) error {
	mc := jwt.MapClaims(claims)

	for _, name := range validators {
		switch strings.TrimSpace(name) {
		case "exp":
			exp, err := mc.GetExpirationTime()
			if err != nil {
				return fmt.Errorf("%w: exp: %v", ErrClaimValidation, err)
			}
			if exp != nil && exp.Before(time.Now()) {
				return fmt.Errorf("%w: exp: token expired", ErrClaimValidation)
			}
		case "nbf":
			nbf, err := mc.GetNotBefore()
			if err != nil {
				return fmt.Errorf("%w: nbf: %v", ErrClaimValidation, err)
			}
			if nbf != nil && nbf.After(time.Now()) {
				return fmt.Errorf("%w: nbf: token not yet valid", ErrClaimValidation)
			}
		case "":
			// empty entries from a trailing comma in the config value
		default:
			// unrecognized validator name: ignored rather than fatal,
			// so operators can roll a new validator name out before
			// every node understands it
		}
	}
	return nil
}
