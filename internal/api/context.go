package api

import (
	"context"

	"github.com/decaynet/cloud/internal/core"
)

type authInfo struct {
	principal core.Principal
	token     string
}

type authKey struct{}

func withPrincipal(ctx context.Context, p core.Principal, token string) context.Context {
	return context.WithValue(ctx, authKey{}, authInfo{principal: p, token: token})
}

func principalFrom(ctx context.Context) (core.Principal, string) {
	info, _ := ctx.Value(authKey{}).(authInfo)
	return info.principal, info.token
}
