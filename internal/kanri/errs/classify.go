package errs

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/docker/docker/errdefs"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Classification is the single tagged result of classifying an error.
type Classification struct {
	Kind Kind
	// StatusCode is the HTTP status carried by the error, when any.
	StatusCode    int
	HasStatusCode bool
	// Rule names the rule that decided Kind, for debugging.
	Rule string
}

// Rule inspects one error shape. It reports ok=false when the shape does not
// apply so the next rule is tried.
type Rule struct {
	Name  string
	Match func(err error) (Kind, bool)
}

// Classifier evaluates its rules in order; the first match decides.
type Classifier struct {
	rules []Rule
}

// NewClassifier returns a classifier over rules, in evaluation order.
func NewClassifier(rules ...Rule) *Classifier {
	return &Classifier{rules: rules}
}

// Classify evaluates the rules against err. A nil error classifies as
// KindUnknown with no status code.
func (c *Classifier) Classify(err error) Classification {
	if err == nil {
		return Classification{Kind: KindUnknown}
	}
	out := Classification{Kind: KindUnknown}
	if code, ok := StatusCode(err); ok {
		out.StatusCode, out.HasStatusCode = code, true
	}
	for _, r := range c.rules {
		if kind, ok := r.Match(err); ok {
			out.Kind, out.Rule = kind, r.Name
			return out
		}
	}
	return out
}

// DefaultRules is the standard rule order shared by every adapter.
var DefaultRules = []Rule{
	{Name: "sentinel", Match: matchSentinel},
	{Name: "context", Match: matchContext},
	{Name: "docker", Match: matchDocker},
	{Name: "grpc", Match: matchGRPC},
	{Name: "http-status", Match: matchHTTPStatus},
	{Name: "api-error-code", Match: matchAPIErrorCode},
	{Name: "exit-status", Match: matchExitStatus},
	{Name: "message", Match: matchMessage},
}

var defaultClassifier = NewClassifier(DefaultRules...)

// Classify runs the default classifier.
func Classify(err error) Classification {
	return defaultClassifier.Classify(err)
}

// StatusCode extracts an HTTP status code from err. It understands smithy
// response errors (HTTPStatusCode), gax API errors (HTTPCode) and any error
// exposing a StatusCode method.
func StatusCode(err error) (int, bool) {
	var smithyStatus interface{ HTTPStatusCode() int }
	if errors.As(err, &smithyStatus) {
		if code := smithyStatus.HTTPStatusCode(); code > 0 {
			return code, true
		}
	}
	var gaxStatus interface{ HTTPCode() int }
	if errors.As(err, &gaxStatus) {
		if code := gaxStatus.HTTPCode(); code > 0 {
			return code, true
		}
	}
	var plain interface{ StatusCode() int }
	if errors.As(err, &plain) {
		if code := plain.StatusCode(); code > 0 {
			return code, true
		}
	}
	return 0, false
}

// KindForStatus maps an HTTP status to the taxonomy.
func KindForStatus(code int) (Kind, bool) {
	switch code {
	case http.StatusNotFound, http.StatusGone:
		return KindNotFound, true
	case http.StatusConflict:
		return KindAlreadyExists, true
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return KindValidation, true
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusTooManyRequests:
		return KindUnavailable, true
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return KindTimeout, true
	}
	return "", false
}

func matchSentinel(err error) (Kind, bool) {
	var op *OpError
	if errors.As(err, &op) && op.Kind != KindUnknown && op.Kind != "" {
		return op.Kind, true
	}
	for _, kind := range sentinelOrder {
		if errors.Is(err, sentinels[kind]) {
			return kind, true
		}
	}
	return "", false
}

func matchContext(err error) (Kind, bool) {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout, true
	}
	return "", false
}

func matchDocker(err error) (Kind, bool) {
	switch {
	case errdefs.IsNotFound(err):
		return KindNotFound, true
	case errdefs.IsConflict(err):
		return KindAlreadyExists, true
	case errdefs.IsInvalidParameter(err):
		return KindValidation, true
	case errdefs.IsUnavailable(err):
		return KindUnavailable, true
	case errdefs.IsDeadline(err):
		return KindTimeout, true
	}
	return "", false
}

func matchGRPC(err error) (Kind, bool) {
	var withStatus interface{ GRPCStatus() *status.Status }
	if !errors.As(err, &withStatus) {
		return "", false
	}
	switch withStatus.GRPCStatus().Code() {
	case codes.NotFound:
		return KindNotFound, true
	case codes.AlreadyExists:
		return KindAlreadyExists, true
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		return KindValidation, true
	case codes.Unavailable, codes.ResourceExhausted:
		return KindUnavailable, true
	case codes.DeadlineExceeded:
		return KindTimeout, true
	}
	return "", false
}

// matchHTTPStatus defers a bare 400 to the api-error-code rule when the
// error also carries a vendor code: AWS reports missing resources as
// 400 + ResourceNotFoundException.
func matchHTTPStatus(err error) (Kind, bool) {
	code, ok := StatusCode(err)
	if !ok {
		return "", false
	}
	if code == http.StatusBadRequest && errorCode(err) != "" {
		return "", false
	}
	return KindForStatus(code)
}

func errorCode(err error) string {
	var api interface{ ErrorCode() string }
	if errors.As(err, &api) {
		return api.ErrorCode()
	}
	return ""
}

// apiErrorSuffixes maps vendor error-code suffixes (AWS smithy codes such as
// ResourceNotFoundException or InvalidInstanceID.NotFound) to kinds. Order
// matters: "Duplicate" codes must not fall into the validation bucket.
var apiErrorSuffixes = []struct {
	needle string
	kind   Kind
}{
	{"NotFoundException", KindNotFound},
	{"NotFound", KindNotFound},
	{"DoesNotExist", KindNotFound},
	{"ResourceExistsException", KindAlreadyExists},
	{"AlreadyExists", KindAlreadyExists},
	{"Duplicate", KindAlreadyExists},
	{"ValidationException", KindValidation},
	{"InvalidParameter", KindValidation},
	{"InvalidRequest", KindValidation},
	{"Throttling", KindUnavailable},
	{"ServiceUnavailable", KindUnavailable},
}

func matchAPIErrorCode(err error) (Kind, bool) {
	code := errorCode(err)
	if code == "" {
		return "", false
	}
	for _, s := range apiErrorSuffixes {
		if strings.Contains(code, s.needle) {
			return s.kind, true
		}
	}
	if status, ok := StatusCode(err); ok && status == http.StatusBadRequest {
		return KindValidation, true
	}
	return "", false
}

func matchExitStatus(err error) (Kind, bool) {
	var execExit interface{ ExitCode() int }
	if errors.As(err, &execExit) {
		return KindCommandFailed, true
	}
	var sshExit interface{ ExitStatus() int }
	if errors.As(err, &sshExit) {
		return KindCommandFailed, true
	}
	return "", false
}

var messageRules = []struct {
	needle string
	kind   Kind
}{
	{"not found", KindNotFound},
	{"does not exist", KindNotFound},
	{"no such", KindNotFound},
	{"already exists", KindAlreadyExists},
	{"conflict", KindAlreadyExists},
	{"invalid", KindValidation},
	{"connection refused", KindUnavailable},
	{"cannot connect", KindUnavailable},
	{"timed out", KindTimeout},
	{"timeout", KindTimeout},
}

func matchMessage(err error) (Kind, bool) {
	msg := strings.ToLower(err.Error())
	for _, r := range messageRules {
		if strings.Contains(msg, r.needle) {
			return r.kind, true
		}
	}
	return "", false
}
