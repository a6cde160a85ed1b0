// Package target defines the deployment-target contract every execution
// environment implements (local machine, remote VM, Docker, Kubernetes and
// managed cloud compute), the status vocabulary they translate into, and the
// factory that picks an implementation from a manifest.
package target

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/bdobrica/Kanri/common/redact"
	"github.com/bdobrica/Kanri/internal/kanri/errs"
)

// Target abstracts one execution environment behind the uniform lifecycle.
//
// Start, Stop and Restart return an *errs.OpError of kind KindNotInstalled
// when called before a successful Install. Status, Logs, Endpoint and
// Destroy never fail.
type Target interface {
	// Install provisions the instance. Re-installing the same profile is
	// either a no-op success bound to the same resource or a failure
	// classified as already-exists.
	Install(ctx context.Context, opts InstallOptions) InstallResult

	// Configure applies settings. Applying the same payload twice yields
	// the same configuration.
	Configure(ctx context.Context, payload ConfigurePayload) ConfigureResult

	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error

	// Status derives the current state from the platform on every call.
	Status(ctx context.Context) Status

	// Logs returns at most opts.Lines lines, most recent last.
	Logs(ctx context.Context, opts LogOptions) []string

	// Endpoint may describe an address that is not reachable yet.
	Endpoint() Endpoint

	// Destroy stops and tears down the instance, swallowing every step's
	// failure, and resets the target to its pre-install fields.
	Destroy(ctx context.Context)

	Metadata() Metadata
}

// InstallOptions are the per-install parameters.
type InstallOptions struct {
	Profile string `json:"profile" validate:"required,max=63,hostname_rfc1123"`
	Port    int    `json:"port" validate:"required,min=1,max=65535"`
	// Version overrides the image tag from the manifest.
	Version string `json:"version,omitempty"`
	// Secrets maps secret name to value; values never appear in results.
	Secrets map[string]string `json:"-"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the struct tags.
func (o InstallOptions) Validate() error {
	if err := validate.Struct(o); err != nil {
		return errs.Validation("install", o.Profile, "%s", fieldErrors(err))
	}
	return nil
}

func fieldErrors(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, strings.ToLower(fe.Field())+" failed "+fe.Tag())
	}
	return strings.Join(parts, "; ")
}

// SecretValues lists the secret values for redaction.
func (o InstallOptions) SecretValues() []string {
	return redact.Values(o.Secrets)
}

// InstallResult reports the outcome of Install. Kind classifies a failure.
type InstallResult struct {
	Success     bool      `json:"success"`
	InstanceID  string    `json:"instanceId,omitempty"`
	Message     string    `json:"message"`
	ServiceName string    `json:"serviceName,omitempty"`
	Kind        errs.Kind `json:"kind,omitempty"`
	// Resources names auxiliary platform objects created alongside the
	// instance (security group, log group) so a later Destroy can find them.
	Resources map[string]string `json:"resources,omitempty"`
}

// InstallFailure builds a failed result whose message names the operation
// and profile, with secret values redacted.
func InstallFailure(profile string, err error, secrets ...string) InstallResult {
	wrapped := errs.Wrap("install", profile, err)
	return InstallResult{
		Message: redact.String(wrapped.Error(), secrets...),
		Kind:    errs.Classify(err).Kind,
	}
}

// ConfigurePayload is the instance configuration written as config.json.
type ConfigurePayload struct {
	Settings map[string]any `json:"settings"`
}

// Canonical renders the payload deterministically (map keys sorted).
func (p ConfigurePayload) Canonical() ([]byte, error) {
	settings := p.Settings
	if settings == nil {
		settings = map[string]any{}
	}
	b, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// ConfigureResult reports the outcome of Configure. RequiresRestart is true
// only when the content changed while the instance was running.
type ConfigureResult struct {
	Success         bool      `json:"success"`
	Message         string    `json:"message"`
	RequiresRestart bool      `json:"requiresRestart"`
	Kind            errs.Kind `json:"kind,omitempty"`
}

// ConfigureFailure mirrors InstallFailure for Configure.
func ConfigureFailure(profile string, err error) ConfigureResult {
	wrapped := errs.Wrap("configure", profile, err)
	return ConfigureResult{
		Message: redact.String(wrapped.Error()),
		Kind:    errs.Classify(err).Kind,
	}
}

// DefaultLogLines bounds Logs when LogOptions.Lines is unset.
const DefaultLogLines = 100

// LogOptions bound a log read. Since is applied at the source where the
// platform supports it; Filter is a substring applied after retrieval.
// Follow is accepted but a call always returns a bounded window.
type LogOptions struct {
	Lines  int
	Since  time.Time
	Follow bool
	Filter string
}

// Normalized returns o with Lines defaulted.
func (o LogOptions) Normalized() LogOptions {
	if o.Lines <= 0 {
		o.Lines = DefaultLogLines
	}
	return o
}

// Window applies the filter and keeps the last Lines lines.
func Window(lines []string, o LogOptions) []string {
	o = o.Normalized()
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		l = strings.TrimRight(l, "\r")
		if l == "" {
			continue
		}
		if o.Filter != "" && !strings.Contains(l, o.Filter) {
			continue
		}
		out = append(out, l)
	}
	if len(out) > o.Lines {
		out = out[len(out)-o.Lines:]
	}
	return out
}

// SplitLines splits raw command output into lines.
func SplitLines(raw string) []string {
	raw = strings.TrimRight(raw, "\n")
	if raw == "" {
		return nil
	}
	return strings.Split(raw, "\n")
}

// Endpoint is where the instance's gateway listens.
type Endpoint struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
}

// Binding is what a successful install leaves behind. Persisted by the store
// so a later process can operate on the installed instance.
type Binding struct {
	Profile     string            `json:"profile"`
	Port        int               `json:"port"`
	InstanceID  string            `json:"instanceId,omitempty"`
	ServiceName string            `json:"serviceName,omitempty"`
	Resources   map[string]string `json:"resources,omitempty"`
}

// Bound reports whether b refers to an installed instance.
func (b Binding) Bound() bool { return b.Profile != "" }

// BindingOf builds the binding for a successful install.
func BindingOf(opts InstallOptions, res InstallResult) Binding {
	return Binding{
		Profile:     opts.Profile,
		Port:        opts.Port,
		InstanceID:  res.InstanceID,
		ServiceName: res.ServiceName,
		Resources:   res.Resources,
	}
}

// ImageRef replaces the tag of image with version when version is set.
// Digest references are left alone.
func ImageRef(image, version string) string {
	if version == "" || strings.Contains(image, "@") {
		return image
	}
	slash := strings.LastIndex(image, "/")
	if colon := strings.LastIndex(image, ":"); colon > slash {
		image = image[:colon]
	}
	return image + ":" + version
}
