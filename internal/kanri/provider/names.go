package provider

import (
	"strings"

	"github.com/bdobrica/Kanri/internal/kanri/errs"
)

// Provider naming limits.
const (
	MaxComputeName   = 63
	MaxAWSSecretName = 127
	MaxGCPSecretID   = 255
	MaxLogGroupName  = 512
)

// secretFiller is prefixed to GCP secret IDs that do not start with a letter.
const secretFiller = "s"

// sanitize keeps runes accepted by keep, collapses every run of rejected
// runes into one hyphen, trims hyphens, caps at max and trims again.
func sanitize(s string, max int, keep func(r rune) bool) string {
	var b strings.Builder
	pending := false
	for _, r := range s {
		if keep(r) {
			if pending && b.Len() > 0 {
				b.WriteByte('-')
			}
			pending = false
			b.WriteRune(r)
			continue
		}
		pending = true
	}
	out := strings.Trim(b.String(), "-")
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return strings.Trim(out, "-")
}

func isLowerAlnum(r rune) bool { return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') }

func isAlnum(r rune) bool { return isLowerAlnum(r) || (r >= 'A' && r <= 'Z') }

func isLetter(b byte) bool { return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') }

// SanitizeName lowercases s and reduces it to [a-z0-9-], at most max bytes.
// An empty result is a validation error.
//
//	SanitizeName("My Bot!!", 63) == "my-bot"
func SanitizeName(s string, max int) (string, error) {
	out := sanitize(strings.ToLower(s), max, isLowerAlnum)
	if out == "" {
		return "", errs.Validation("sanitize", s, "name has no valid characters")
	}
	return out, nil
}

// SanitizeComputeName applies the compute instance limit.
func SanitizeComputeName(s string) (string, error) {
	return SanitizeName(s, MaxComputeName)
}

// SanitizeAWSSecretName keeps alphanumerics (case preserved) and hyphens,
// capped at 127 characters.
func SanitizeAWSSecretName(s string) (string, error) {
	out := sanitize(s, MaxAWSSecretName, isAlnum)
	if out == "" {
		return "", errs.Validation("sanitize", s, "secret name has no valid characters")
	}
	return out, nil
}

// SanitizeGCPSecretID keeps [A-Za-z0-9_-], capped at 255 characters. IDs
// that do not start with a letter get a filler prefix. Input with no valid
// character at all is a validation error; the filler never stands alone.
func SanitizeGCPSecretID(s string) (string, error) {
	keep := func(r rune) bool { return isAlnum(r) || r == '_' }
	out := sanitize(s, MaxGCPSecretID, keep)
	if strings.Trim(out, "_") == "" {
		return "", errs.Validation("sanitize", s, "secret id has no valid characters")
	}
	if !isLetter(out[0]) {
		out = secretFiller + out
		if len(out) > MaxGCPSecretID {
			out = strings.TrimRight(out[:MaxGCPSecretID], "-")
		}
	}
	return out, nil
}

// LogGroupName returns /kanri/<workspace>/<name>. An empty workspace maps
// to "default".
func LogGroupName(workspace, name string) (string, error) {
	if strings.TrimSpace(workspace) == "" {
		workspace = "default"
	}
	ws, err := SanitizeName(workspace, MaxComputeName)
	if err != nil {
		return "", err
	}
	n, err := SanitizeName(name, MaxComputeName)
	if err != nil {
		return "", err
	}
	return "/kanri/" + ws + "/" + n, nil
}

// SecretName is the provider-neutral name of one instance secret, before
// the provider sanitizer runs.
func SecretName(instance, secret string) string {
	return "kanri-" + instance + "-" + secret
}
