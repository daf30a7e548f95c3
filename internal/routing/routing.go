// Package routing classifies inbound requests: which transport path a call
// arrived on and which gateway operation it asks for. The decision is made
// once per request and passed through the call chain; no component re-derives
// it from path strings.
package routing

import (
	"strings"

	"github.com/crosspartition/bedrock-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// Method is the transport path a request arrived on.
type Method string

const (
	MethodInternet Method = "internet"
	MethodVPN      Method = "vpn"
)

// Op is the logical gateway operation.
type Op int

const (
	OpInvoke Op = iota
	OpListModels
	OpRoutingInfo
	OpHealth
)

func (o Op) String() string {
	switch o {
	case OpInvoke:
		return "invoke"
	case OpListModels:
		return "models"
	case OpRoutingInfo:
		return "routing_info"
	case OpHealth:
		return "health"
	}
	return "unknown"
}

// Decision is the immutable result of classifying one request.
type Decision struct {
	Method Method
	Op     Op
}

const (
	internetPrefix = "/v1/bedrock"
	vpnPrefix      = "/v1/vpn/bedrock"
)

// Classify derives the routing decision from the HTTP method and path.
// Pure function; the only failure mode is an unrecognized route.
func Classify(httpMethod, path string) (Decision, error) {
	d := Decision{Method: MethodInternet}

	rest := ""
	switch {
	case strings.HasPrefix(path, vpnPrefix):
		d.Method = MethodVPN
		rest = strings.TrimPrefix(path, vpnPrefix)
	case strings.HasPrefix(path, internetPrefix):
		rest = strings.TrimPrefix(path, internetPrefix)
	default:
		return Decision{}, apierr.UnknownRoute(path, string(MethodInternet), "")
	}
	rest = strings.TrimSuffix(rest, "/")

	switch {
	case httpMethod == fasthttp.MethodPost && rest == "/invoke-model":
		d.Op = OpInvoke
	case httpMethod == fasthttp.MethodGet && rest == "/models":
		d.Op = OpListModels
	case httpMethod == fasthttp.MethodGet && rest == "/routing-info":
		d.Op = OpRoutingInfo
	case httpMethod == fasthttp.MethodGet && (rest == "" || rest == "/health"):
		d.Op = OpHealth
	default:
		return Decision{}, apierr.UnknownRoute(path, string(d.Method), "")
	}

	return d, nil
}
