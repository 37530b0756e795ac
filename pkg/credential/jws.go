package credential

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// VerifyJWS checks a compact JWS credential and returns its body. The kid
// header must be a DID URL resolvable to an Ed25519 key. Claim validity
// windows are deliberately not enforced here; issuance anchoring handles
// time separately.
func VerifyJWS(ctx context.Context, compact string, keys KeyResolver) (map[string]any, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithoutClaimsValidation(),
	)
	claims := jwt.MapClaims{}
	_, err := parser.ParseWithClaims(compact, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("jws header has no kid")
		}
		pub, err := keys.ResolveKey(ctx, kid)
		if err != nil {
			return nil, fmt.Errorf("resolve kid %s: %w", kid, err)
		}
		return pub, nil
	})
	if err != nil {
		return nil, fmt.Errorf("verify jws: %w", err)
	}
	return jwtBody(claims), nil
}

// jwtBody flattens a verified claim set into the credential document. When
// a vc claim is present it wins, inheriting iss/jti/nbf/iat from the
// envelope for fields it does not set itself.
func jwtBody(claims jwt.MapClaims) map[string]any {
	vc, ok := claims["vc"].(map[string]any)
	if !ok {
		out := make(map[string]any, len(claims))
		for k, v := range claims {
			out[k] = v
		}
		return out
	}
	out := make(map[string]any, len(vc)+4)
	for k, v := range vc {
		out[k] = v
	}
	if _, has := out["issuer"]; !has {
		if iss, ok := claims["iss"].(string); ok && iss != "" {
			out["issuer"] = iss
		}
	}
	if _, has := out["id"]; !has {
		if jti, ok := claims["jti"].(string); ok && jti != "" {
			out["id"] = jti
		}
	}
	for _, claim := range []string{"nbf", "iat"} {
		if _, has := out[claim]; !has {
			if v, ok := claims[claim]; ok {
				out[claim] = v
			}
		}
	}
	return out
}
