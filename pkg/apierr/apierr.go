// Package apierr is the single point where gateway failures become HTTP
// responses. Every error — validation, auth, network, downstream — is mapped
// to one Error value with a fixed category taxonomy, so the internet and vpn
// paths produce byte-for-byte equivalent bodies for equivalent failures.
package apierr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/valyala/fasthttp"
)

// Category values. The wire value is the lowercase string.
const (
	CategoryAuthentication = "authentication"
	CategoryAuthorization  = "authorization"
	CategoryValidation     = "validation"
	CategoryNetwork        = "network"
	CategoryService        = "service"
	CategoryVPNSpecific    = "vpn_specific"
	CategoryRateLimiting   = "rate_limiting"
)

// Code constants.
const (
	CodeAuthenticationFailed = "AUTHENTICATION_FAILED"
	CodeAccessDenied         = "ACCESS_DENIED"
	CodeValidationError      = "VALIDATION_ERROR"
	CodeNetworkError         = "NETWORK_ERROR"
	CodeServiceError         = "SERVICE_ERROR"
	CodeVPNError             = "VPN_ERROR"
	CodeRateLimitExceeded    = "RATE_LIMIT_EXCEEDED"
	CodeRequestTimeout       = "REQUEST_TIMEOUT"
	CodeInternalError        = "INTERNAL_ERROR"
	CodeUnknownRoute         = "UNKNOWN_ROUTE"
)

// Error is the normalized gateway error. All fields are mandatory before
// serialization; New fills Troubleshooting from the category table so a
// partially populated Error cannot reach the wire.
type Error struct {
	Code            string `json:"code"`
	Message         string `json:"message"`
	Category        string `json:"category"`
	RoutingMethod   string `json:"routing_method"`
	RequestID       string `json:"request_id"`
	Troubleshooting string `json:"troubleshooting"`
	Retryable       bool   `json:"retryable"`

	// Status is the HTTP status to respond with. Not serialized in the body.
	Status int `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s [%s]: %s", e.Code, e.Category, e.Message)
}

type envelope struct {
	Error *Error `json:"error"`
}

// troubleshooting maps each category to caller-actionable guidance. Internal
// detail (stack traces, endpoint names beyond what the category conveys)
// never appears here.
var troubleshooting = map[string]string{
	CategoryAuthentication: "Authentication failed. Verify the X-API-Key header is present and the key is active.",
	CategoryAuthorization:  "Access denied. Use the API key issued for this routing method; internet keys are not valid on the vpn path and vice versa.",
	CategoryValidation:     "The request is malformed. Check that the body is valid JSON and includes a non-empty modelId.",
	CategoryNetwork:        "A network failure occurred while reaching a required endpoint. Retry the request; if the problem persists, check connectivity.",
	CategoryService:        "The inference service returned an error. Retry with exponential backoff; try a different model if the problem persists.",
	CategoryVPNSpecific:    "A vpn-path endpoint is unreachable. Check vpn tunnel and endpoint health, or use the internet path as a fallback.",
	CategoryRateLimiting:   "Request rate limit exceeded. Reduce request frequency and retry with exponential backoff.",
}

// retryableCategories marks categories where a retry can reasonably succeed.
var retryableCategories = map[string]bool{
	CategoryNetwork:      true,
	CategoryService:      true,
	CategoryVPNSpecific:  true,
	CategoryRateLimiting: true,
}

// New builds a fully populated Error for the given category.
func New(status int, code, category, message, routingMethod, requestID string) *Error {
	ts, ok := troubleshooting[category]
	if !ok {
		ts = "Retry the request. Contact the gateway operator if the problem persists."
	}
	return &Error{
		Code:            code,
		Message:         message,
		Category:        category,
		RoutingMethod:   routingMethod,
		RequestID:       requestID,
		Troubleshooting: ts,
		Retryable:       retryableCategories[category],
		Status:          status,
	}
}

// Convenience constructors for the common cases.

func Authentication(message, routingMethod, requestID string) *Error {
	return New(fasthttp.StatusUnauthorized, CodeAuthenticationFailed, CategoryAuthentication, message, routingMethod, requestID)
}

func Authorization(message, routingMethod, requestID string) *Error {
	return New(fasthttp.StatusForbidden, CodeAccessDenied, CategoryAuthorization, message, routingMethod, requestID)
}

func Validation(message, routingMethod, requestID string) *Error {
	return New(fasthttp.StatusBadRequest, CodeValidationError, CategoryValidation, message, routingMethod, requestID)
}

func Network(message, routingMethod, requestID string) *Error {
	return New(fasthttp.StatusBadGateway, CodeNetworkError, CategoryNetwork, message, routingMethod, requestID)
}

func Service(message, routingMethod, requestID string) *Error {
	return New(fasthttp.StatusBadGateway, CodeServiceError, CategoryService, message, routingMethod, requestID)
}

func VPN(message, routingMethod, requestID string) *Error {
	return New(fasthttp.StatusServiceUnavailable, CodeVPNError, CategoryVPNSpecific, message, routingMethod, requestID)
}

func RateLimit(routingMethod, requestID string) *Error {
	return New(fasthttp.StatusTooManyRequests, CodeRateLimitExceeded, CategoryRateLimiting,
		"rate limit exceeded", routingMethod, requestID)
}

func UnknownRoute(path, routingMethod, requestID string) *Error {
	return New(fasthttp.StatusNotFound, CodeUnknownRoute, CategoryValidation,
		fmt.Sprintf("unrecognized path %q", path), routingMethod, requestID)
}

// StatusCoder is implemented by downstream errors that carry the upstream
// HTTP status (e.g. the bedrock client's ProviderError).
type StatusCoder interface {
	HTTPStatus() int
}

// From normalizes an arbitrary error into *Error. Errors that are already
// *Error pass through with routing method and request id filled in if empty.
func From(err error, routingMethod, requestID string) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		if ae.RoutingMethod == "" {
			ae.RoutingMethod = routingMethod
		}
		if ae.RequestID == "" {
			ae.RequestID = requestID
		}
		return ae
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(fasthttp.StatusGatewayTimeout, CodeRequestTimeout, CategoryNetwork,
			"request to the inference service timed out", routingMethod, requestID)
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		return fromUpstreamStatus(sc.HTTPStatus(), err.Error(), routingMethod, requestID)
	}

	return New(fasthttp.StatusInternalServerError, CodeInternalError, CategoryService,
		"internal gateway error", routingMethod, requestID)
}

// fromUpstreamStatus maps a downstream HTTP status to the taxonomy:
// 401 → authentication, 403 → authorization, 429 → rate_limiting,
// other 4xx → validation, everything else → service.
func fromUpstreamStatus(status int, msg, routingMethod, requestID string) *Error {
	switch {
	case status == fasthttp.StatusUnauthorized:
		return Authentication(msg, routingMethod, requestID)
	case status == fasthttp.StatusForbidden:
		return Authorization(msg, routingMethod, requestID)
	case status == fasthttp.StatusTooManyRequests:
		return RateLimit(routingMethod, requestID)
	case status >= 400 && status < 500:
		return Validation(msg, routingMethod, requestID)
	default:
		return New(fasthttp.StatusBadGateway, CodeServiceError, CategoryService,
			msg, routingMethod, requestID)
	}
}

// Write serializes e to the fasthttp response. The body always carries the
// full envelope; diagnostic headers mirror code, category, and routing method.
func Write(ctx *fasthttp.RequestCtx, e *Error) {
	ctx.SetStatusCode(e.Status)
	ctx.SetContentType("application/json")
	ctx.Response.Header.Set("X-Request-ID", e.RequestID)
	ctx.Response.Header.Set("X-Error-Code", e.Code)
	ctx.Response.Header.Set("X-Error-Category", e.Category)
	ctx.Response.Header.Set("X-Routing-Method", e.RoutingMethod)
	ctx.Response.Header.Set("X-Error-Retryable", strconv.FormatBool(e.Retryable))
	if e.Category == CategoryRateLimiting {
		ctx.Response.Header.Set("Retry-After", "60")
	}

	body, _ := json.Marshal(envelope{Error: e})
	ctx.SetBody(body)
}
