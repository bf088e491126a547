package app

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/pscheid92/subpool/internal/protocol"
)

// InitTokenKey is the connection_init payload field carrying the connect token.
const InitTokenKey = "authToken"

// BearerToken authorizes requests whose Authorization header is "Bearer <token>".
// An empty token disables the check.
func BearerToken(token string) func(r *http.Request) bool {
	if token == "" {
		return nil
	}
	return func(r *http.Request) bool {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		return ok && tokensEqual(got, token)
	}
}

// InitPayloadToken accepts a connection when its connection_init payload carries
// token under InitTokenKey, or when the upgrade request itself carried it as a bearer token.
func InitPayloadToken(token string) protocol.OnConnectFunc {
	if token == "" {
		return nil
	}
	bearer := BearerToken(token)
	return func(_ context.Context, cc protocol.ConnectionContext) (bool, error) {
		if got, ok := cc.InitPayload[InitTokenKey].(string); ok && tokensEqual(got, token) {
			return true, nil
		}
		return cc.Request != nil && bearer(cc.Request), nil
	}
}

func tokensEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
