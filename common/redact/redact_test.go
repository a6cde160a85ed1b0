package redact_test

import (
	"strings"
	"testing"

	"github.com/bdobrica/Kanri/common/redact"
)

func TestString_RedactsSensitiveValues(t *testing.T) {
	secret := "sk-live-0123456789"
	line := "docker run -e OPENAI_API_KEY=sk-live-0123456789 agent:latest"
	got := redact.String(line, secret)
	const want = "docker run -e OPENAI_API_KEY=[REDACTED] agent:latest"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestString_SkipsShortValues(t *testing.T) {
	line := "abc token"
	if got := redact.String(line, "abc"); got != line {
		t.Fatalf("short value should not be redacted; got %q", got)
	}
}

func TestString_LongestValueFirst(t *testing.T) {
	line := "value=abcd-efgh-ijkl"
	got := redact.String(line, "abcd", "abcd-efgh-ijkl")
	if got != "value=[REDACTED]" {
		t.Fatalf("got %q", got)
	}
}

func TestValues(t *testing.T) {
	vals := redact.Values(map[string]string{"A": "one-secret", "B": "two-secret"})
	line := redact.String("one-secret two-secret", vals...)
	if strings.Contains(line, "secret") {
		t.Fatalf("values not redacted: %q", line)
	}
}

func TestAssignments(t *testing.T) {
	got := redact.Assignments([]string{"-e", "API_TOKEN=abc123", "PORT=4100", "plain"})
	want := []string{"-e", "API_TOKEN=[REDACTED]", "PORT=4100", "plain"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("token %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestMap(t *testing.T) {
	in := map[string]any{
		"password": "hunter22",
		"region":   "us-east-1",
		"apiKey":   "",
		"retries":  3,
	}
	out := redact.Map(in)
	if out["password"] != "[REDACTED]" {
		t.Errorf("password = %v", out["password"])
	}
	if out["region"] != "us-east-1" {
		t.Errorf("region = %v", out["region"])
	}
	if out["apiKey"] != "" {
		t.Errorf("empty sensitive value should pass through, got %v", out["apiKey"])
	}
	if out["retries"] != 3 {
		t.Errorf("retries = %v", out["retries"])
	}
}
