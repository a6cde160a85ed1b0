package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// fakeExit mimics an *exec.ExitError for the classifier.
type fakeExit struct{ code int }

func (e *fakeExit) Error() string { return fmt.Sprintf("exit status %d", e.code) }
func (e *fakeExit) ExitCode() int { return e.code }

// fakeHost simulates systemctl, loginctl, journalctl and launchctl against
// unit files written under home.
type fakeHost struct {
	mu        sync.Mutex
	home      string
	active    map[string]bool // systemd unit -> running
	enabled   map[string]bool
	jobs      map[string]int // launchd label -> pid (0 = loaded, idle)
	journal   []string
	lingerErr error
	calls     []string
}

func newFakeHost(home string) *fakeHost {
	return &fakeHost{
		home:    home,
		active:  map[string]bool{},
		enabled: map[string]bool{},
		jobs:    map[string]int{},
	}
}

func (f *fakeHost) called(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func (f *fakeHost) Run(_ context.Context, _ string, name string, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name+" "+strings.Join(args, " "))
	switch name {
	case "systemctl":
		return f.systemctl(args[1:])
	case "loginctl":
		if args[0] == "show-user" {
			return "no\n", nil
		}
		return "", f.lingerErr
	case "journalctl":
		return strings.Join(f.journal, "\n") + "\n", nil
	case "launchctl":
		return f.launchctl(args)
	}
	return "", fmt.Errorf("%s: command not found", name)
}

func (f *fakeHost) unitExists(unit string) bool {
	_, err := os.Stat(filepath.Join(f.home, ".config", "systemd", "user", unit))
	return err == nil
}

func (f *fakeHost) systemctl(args []string) (string, error) {
	switch args[0] {
	case "daemon-reload":
		return "", nil
	case "enable":
		if !f.unitExists(args[1]) {
			return "", &fakeExit{code: 1}
		}
		f.enabled[args[1]] = true
	case "disable":
		unit := args[len(args)-1]
		delete(f.enabled, unit)
		delete(f.active, unit)
	case "start", "restart":
		if !f.enabled[args[1]] {
			return "", &fakeExit{code: 5}
		}
		f.active[args[1]] = true
	case "stop":
		if !f.enabled[args[1]] {
			return "", &fakeExit{code: 5}
		}
		f.active[args[1]] = false
	case "show":
		unit := args[1]
		switch {
		case !f.unitExists(unit):
			return "LoadState=not-found\nActiveState=inactive\nSubState=dead\nMainPID=0\n", nil
		case f.active[unit]:
			return "LoadState=loaded\nActiveState=active\nSubState=running\nMainPID=4242\n", nil
		default:
			return "LoadState=loaded\nActiveState=inactive\nSubState=dead\nMainPID=0\n", nil
		}
	default:
		return "", errors.New("unexpected systemctl " + args[0])
	}
	return "", nil
}

func (f *fakeHost) launchctl(args []string) (string, error) {
	switch args[0] {
	case "load":
		label := strings.TrimSuffix(filepath.Base(args[2]), ".plist")
		f.jobs[label] = 0
	case "unload":
		label := strings.TrimSuffix(filepath.Base(args[2]), ".plist")
		if _, ok := f.jobs[label]; !ok {
			return "", &fakeExit{code: 1}
		}
		delete(f.jobs, label)
	case "start":
		if _, ok := f.jobs[args[1]]; !ok {
			return "", &fakeExit{code: 3}
		}
		f.jobs[args[1]] = 812
	case "stop":
		if _, ok := f.jobs[args[1]]; !ok {
			return "", &fakeExit{code: 3}
		}
		f.jobs[args[1]] = 0
	case "list":
		pid, ok := f.jobs[args[1]]
		if !ok {
			return "", &fakeExit{code: 113}
		}
		out := fmt.Sprintf("{\n\t\"Label\" = %q;\n\t\"LastExitStatus\" = 0;\n", args[1])
		if pid > 0 {
			out += fmt.Sprintf("\t\"PID\" = %d;\n", pid)
		}
		return out + "};\n", nil
	default:
		return "", errors.New("unexpected launchctl " + args[0])
	}
	return "", nil
}
