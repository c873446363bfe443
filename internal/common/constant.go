// Package common contains shared constants, sentinel errors and small helpers
// used across GophMarket client components.
package common

// AccessTokenHeaderName is the gRPC metadata key used to carry the
// access token on outbound requests.
const AccessTokenHeaderName = "access_token"

// ClientVersionHeaderName is the gRPC metadata key announcing the client build.
const ClientVersionHeaderName = "x-client-version"
