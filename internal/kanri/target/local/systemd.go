package local

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"text/template"

	"github.com/bdobrica/Kanri/internal/kanri/target"
)

const unitTemplate = `[Unit]
Description={{.Description}}
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
EnvironmentFile={{.EnvFile}}
WorkingDirectory={{.WorkDir}}
ExecStart={{.ExecStart}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`

var unitTmpl = template.Must(template.New("unit").Option("missingkey=error").Parse(unitTemplate))

// systemd manages ~/.config/systemd/user/kanri-<profile>.service.
type systemd struct {
	run     target.Runner
	unitDir string
	envDir  string
	user    string

	linger sync.Once
}

func newSystemd(run target.Runner, home, user string) *systemd {
	return &systemd{
		run:     run,
		unitDir: filepath.Join(home, ".config", "systemd", "user"),
		envDir:  filepath.Join(home, ".config", "kanri"),
		user:    user,
	}
}

func (s *systemd) ServiceName(profile string) string { return "kanri-" + profile + ".service" }

func (s *systemd) unitPath(profile string) string {
	return filepath.Join(s.unitDir, s.ServiceName(profile))
}

func (s *systemd) envPath(profile string) string {
	return filepath.Join(s.envDir, profile+".env")
}

func (s *systemd) systemctl(ctx context.Context, args ...string) (string, error) {
	return s.run.Run(ctx, "", "systemctl", append([]string{"--user"}, args...)...)
}

// renderUnit renders the unit file for svc.
func (s *systemd) renderUnit(svc service) (string, error) {
	quoted := make([]string, len(svc.Argv))
	for i, a := range svc.Argv {
		quoted[i] = systemdQuote(a)
	}
	var b strings.Builder
	err := unitTmpl.Execute(&b, map[string]string{
		"Description": svc.Description,
		"EnvFile":     s.envPath(svc.Profile),
		"WorkDir":     svc.WorkDir,
		"ExecStart":   strings.Join(quoted, " "),
	})
	return b.String(), err
}

// renderEnv renders an EnvironmentFile with sorted, double-quoted values.
func renderEnv(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k + "=" + strconv.Quote(env[k]) + "\n")
	}
	return b.String()
}

// systemdQuote quotes one ExecStart word. systemd expands % specifiers and
// $ variables, so both are escaped.
func systemdQuote(s string) string {
	s = strings.ReplaceAll(s, "%", "%%")
	s = strings.ReplaceAll(s, "$", "$$")
	if s != "" && !strings.ContainsAny(s, " \t\"'\\;") {
		return s
	}
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}

func (s *systemd) Install(ctx context.Context, svc service) error {
	unit, err := s.renderUnit(svc)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.unitDir, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(s.envDir, 0o700); err != nil {
		return err
	}
	if err := target.WriteFileAtomic(s.envPath(svc.Profile), []byte(renderEnv(svc.Env)), 0o600); err != nil {
		return err
	}
	if err := target.WriteFileAtomic(s.unitPath(svc.Profile), []byte(unit), 0o644); err != nil {
		return err
	}
	if _, err := s.systemctl(ctx, "daemon-reload"); err != nil {
		return err
	}
	if _, err := s.systemctl(ctx, "enable", s.ServiceName(svc.Profile)); err != nil {
		return err
	}
	s.enableLinger(ctx)
	return nil
}

// enableLinger keeps user services running after logout. Failure only
// costs that, so it is logged and ignored.
func (s *systemd) enableLinger(ctx context.Context) {
	s.linger.Do(func() {
		if s.user == "" {
			slog.Warn("linger not enabled: unknown user")
			return
		}
		out, err := s.run.Run(ctx, "", "loginctl", "show-user", s.user, "-p", "Linger", "--value")
		if err == nil && strings.TrimSpace(out) == "yes" {
			return
		}
		if _, err := s.run.Run(ctx, "", "loginctl", "enable-linger", s.user); err != nil {
			slog.Warn("enable-linger failed; the service stops at logout", "user", s.user, "err", err)
		}
	})
}

func (s *systemd) Start(ctx context.Context, profile string) error {
	_, err := s.systemctl(ctx, "start", s.ServiceName(profile))
	return err
}

func (s *systemd) Stop(ctx context.Context, profile string) error {
	_, err := s.systemctl(ctx, "stop", s.ServiceName(profile))
	return err
}

func (s *systemd) Restart(ctx context.Context, profile string) error {
	_, err := s.systemctl(ctx, "restart", s.ServiceName(profile))
	return err
}

func (s *systemd) Status(ctx context.Context, profile string) target.Status {
	out, err := s.systemctl(ctx, "show", s.ServiceName(profile), "-p", "LoadState,ActiveState,SubState,MainPID")
	if err != nil {
		return target.NotInstalled(err.Error())
	}
	u := target.ParseSystemdShow(out)
	st := target.Status{State: target.FromSystemd(u), Detail: u.ActiveState + "/" + u.SubState}
	if st.State == target.StateRunning {
		st.PID = u.MainPID
	}
	return st
}

func (s *systemd) Logs(ctx context.Context, profile string, opts target.LogOptions) []string {
	n := opts.Lines
	if opts.Filter != "" {
		// The filter runs after retrieval; read a wider window.
		n *= 10
	}
	args := []string{"--user", "-u", s.ServiceName(profile), "-n", strconv.Itoa(n), "-o", "cat", "--no-pager"}
	if !opts.Since.IsZero() {
		args = append(args, "--since", opts.Since.Local().Format("2006-01-02 15:04:05"))
	}
	out, err := s.run.Run(ctx, "", "journalctl", args...)
	if err != nil {
		return nil
	}
	return target.SplitLines(out)
}

func (s *systemd) Remove(ctx context.Context, profile string) error {
	_, disableErr := s.systemctl(ctx, "disable", "--now", s.ServiceName(profile))
	var rmErr error
	for _, p := range []string{s.unitPath(profile), s.envPath(profile)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			rmErr = errors.Join(rmErr, err)
		}
	}
	_, reloadErr := s.systemctl(ctx, "daemon-reload")
	return errors.Join(disableErr, rmErr, reloadErr)
}
