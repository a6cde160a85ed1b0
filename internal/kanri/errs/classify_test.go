package errs_test

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"testing"

	"github.com/docker/docker/errdefs"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/bdobrica/Kanri/internal/kanri/errs"
)

// httpErr mimics a smithy ResponseError: it carries a status code field.
type httpErr struct {
	code int
	msg  string
}

func (e *httpErr) Error() string       { return e.msg }
func (e *httpErr) HTTPStatusCode() int { return e.code }

// awsErr carries both a status and a vendor code, like an AWS operation error.
type awsErr struct {
	status int
	code   string
}

func (e *awsErr) Error() string       { return "operation error: " + e.code }
func (e *awsErr) HTTPStatusCode() int { return e.status }
func (e *awsErr) ErrorCode() string   { return e.code }

// gaxErr mimics gax apierror.APIError.
type gaxErr struct{ code int }

func (e *gaxErr) Error() string { return "googleapi: error" }
func (e *gaxErr) HTTPCode() int { return e.code }

// apiCodeErr mimics smithy.APIError.
type apiCodeErr struct{ code string }

func (e *apiCodeErr) Error() string     { return "api error " + e.code }
func (e *apiCodeErr) ErrorCode() string { return e.code }

func TestClassify_StatusCode404And409(t *testing.T) {
	notFound := &httpErr{code: 404, msg: "resource missing"}
	c := errs.Classify(notFound)
	if c.Kind != errs.KindNotFound {
		t.Fatalf("404: kind = %s, want not-found", c.Kind)
	}
	if errs.IsAlreadyExists(notFound) {
		t.Fatal("404 must not classify as already-exists")
	}
	if !c.HasStatusCode || c.StatusCode != 404 {
		t.Errorf("404: status = %d/%v", c.StatusCode, c.HasStatusCode)
	}

	conflict := &httpErr{code: 409, msg: "resource missing"}
	if !errs.IsAlreadyExists(conflict) {
		t.Fatal("409 must classify as already-exists")
	}
	if errs.IsNotFound(conflict) {
		t.Fatal("409 must not classify as not-found even when the message says missing")
	}
}

func TestClassify_Rules(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want errs.Kind
		rule string
	}{
		{"sentinel", fmt.Errorf("wrap: %w", errs.ErrNotFound), errs.KindNotFound, "sentinel"},
		{"op error", errs.NotInstalled("start"), errs.KindNotInstalled, "sentinel"},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), errs.KindTimeout, "context"},
		{"docker not found", errdefs.NotFound(errors.New("No such container: kanri-demo")), errs.KindNotFound, "docker"},
		{"docker conflict", errdefs.Conflict(errors.New("name in use")), errs.KindAlreadyExists, "docker"},
		{"grpc not found", status.Error(codes.NotFound, "secret missing"), errs.KindNotFound, "grpc"},
		{"grpc exists", status.Error(codes.AlreadyExists, "secret exists"), errs.KindAlreadyExists, "grpc"},
		{"grpc invalid", status.Error(codes.InvalidArgument, "bad name"), errs.KindValidation, "grpc"},
		{"grpc unavailable", status.Error(codes.Unavailable, "try later"), errs.KindUnavailable, "grpc"},
		{"gax 404", &gaxErr{code: 404}, errs.KindNotFound, "http-status"},
		{"gax 400", &gaxErr{code: 400}, errs.KindValidation, "http-status"},
		{"aws resource not found", &apiCodeErr{"ResourceNotFoundException"}, errs.KindNotFound, "api-error-code"},
		{"aws instance not found", &apiCodeErr{"InvalidInstanceID.NotFound"}, errs.KindNotFound, "api-error-code"},
		{"aws exists", &apiCodeErr{"ResourceExistsException"}, errs.KindAlreadyExists, "api-error-code"},
		{"aws duplicate group", &apiCodeErr{"InvalidGroup.Duplicate"}, errs.KindAlreadyExists, "api-error-code"},
		{"aws invalid", &apiCodeErr{"InvalidParameterException"}, errs.KindValidation, "api-error-code"},
		{"aws 400 not found", &awsErr{400, "InvalidInstanceID.NotFound"}, errs.KindNotFound, "api-error-code"},
		{"aws 400 other code", &awsErr{400, "MissingParameter"}, errs.KindValidation, "api-error-code"},
		{"aws 404 code ignored", &awsErr{404, "Whatever"}, errs.KindNotFound, "http-status"},
		{"exit", &exec.ExitError{}, errs.KindCommandFailed, "exit-status"},
		{"message", errors.New("Unit kanri-demo.service does not exist"), errs.KindNotFound, "message"},
		{"unknown", errors.New("boom"), errs.KindUnknown, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := errs.Classify(tc.err)
			if got.Kind != tc.want {
				t.Errorf("kind = %s, want %s", got.Kind, tc.want)
			}
			if got.Rule != tc.rule {
				t.Errorf("rule = %q, want %q", got.Rule, tc.rule)
			}
		})
	}
}

func TestClassify_Nil(t *testing.T) {
	if got := errs.Classify(nil); got.Kind != errs.KindUnknown || got.HasStatusCode {
		t.Errorf("Classify(nil) = %+v", got)
	}
	if errs.IsNotFound(nil) || errs.Retryable(nil) {
		t.Error("nil error must not match any predicate")
	}
}

func TestCustomClassifier_FirstMatchWins(t *testing.T) {
	always := func(k errs.Kind) func(error) (errs.Kind, bool) {
		return func(error) (errs.Kind, bool) { return k, true }
	}
	c := errs.NewClassifier(
		errs.Rule{Name: "first", Match: always(errs.KindTimeout)},
		errs.Rule{Name: "second", Match: always(errs.KindNotFound)},
	)
	if got := c.Classify(errors.New("x")); got.Kind != errs.KindTimeout || got.Rule != "first" {
		t.Errorf("got %+v", got)
	}
}

func TestOpError(t *testing.T) {
	err := errs.NotInstalled("start")
	if err.Error() != "start: no profile configured" {
		t.Errorf("message = %q", err.Error())
	}
	if !errors.Is(err, errs.ErrNotInstalled) || !errs.IsNotInstalled(err) {
		t.Error("NotInstalled must match ErrNotInstalled")
	}

	wrapped := errs.Wrap("install", "demo", &httpErr{code: 409, msg: "exists"})
	var op *errs.OpError
	if !errors.As(wrapped, &op) {
		t.Fatalf("Wrap did not return *OpError: %T", wrapped)
	}
	if op.Kind != errs.KindAlreadyExists || op.Subject != "demo" {
		t.Errorf("wrapped = %+v", op)
	}
	if wrapped.Error() != "install demo: exists" {
		t.Errorf("message = %q", wrapped.Error())
	}
	if errs.Wrap("install", "demo", nil) != nil {
		t.Error("Wrap(nil) must be nil")
	}
}

func TestRetryable(t *testing.T) {
	if !errs.Retryable(status.Error(codes.Unavailable, "x")) {
		t.Error("unavailable should be retryable")
	}
	if errs.Retryable(&apiCodeErr{"ValidationException"}) {
		t.Error("validation should not be retryable")
	}
	if errs.Retryable(errs.NotInstalled("stop")) {
		t.Error("not-installed should not be retryable")
	}
}
