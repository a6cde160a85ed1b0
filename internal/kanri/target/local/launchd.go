package local

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"text/template"

	"github.com/bdobrica/Kanri/internal/kanri/target"
)

const plistTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>{{xml .Label}}</string>
	<key>ProgramArguments</key>
	<array>
{{- range .Argv}}
		<string>{{xml .}}</string>
{{- end}}
	</array>
	<key>EnvironmentVariables</key>
	<dict>
{{- range .Env}}
		<key>{{xml .Key}}</key>
		<string>{{xml .Value}}</string>
{{- end}}
	</dict>
	<key>WorkingDirectory</key>
	<string>{{xml .WorkDir}}</string>
	<key>StandardOutPath</key>
	<string>{{xml .LogFile}}</string>
	<key>StandardErrorPath</key>
	<string>{{xml .LogFile}}</string>
	<key>RunAtLoad</key>
	<false/>
	<key>KeepAlive</key>
	<false/>
</dict>
</plist>
`

var plistTmpl = template.Must(template.New("plist").Option("missingkey=error").Funcs(template.FuncMap{
	"xml": xmlEscape,
}).Parse(plistTemplate))

func xmlEscape(s string) string {
	var b bytes.Buffer
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

type envPair struct{ Key, Value string }

// launchd manages ~/Library/LaunchAgents/io.kanri.<profile>.plist.
type launchd struct {
	run      target.Runner
	agentDir string
	logDir   string
}

func newLaunchd(run target.Runner, home string) *launchd {
	return &launchd{
		run:      run,
		agentDir: filepath.Join(home, "Library", "LaunchAgents"),
		logDir:   filepath.Join(home, "Library", "Logs", "kanri"),
	}
}

func (l *launchd) label(profile string) string { return "io.kanri." + profile }

func (l *launchd) ServiceName(profile string) string { return l.label(profile) }

func (l *launchd) plistPath(profile string) string {
	return filepath.Join(l.agentDir, l.label(profile)+".plist")
}

func (l *launchd) logPath(profile string) string {
	return filepath.Join(l.logDir, profile+".log")
}

func (l *launchd) renderPlist(svc service) (string, error) {
	keys := make([]string, 0, len(svc.Env))
	for k := range svc.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]envPair, len(keys))
	for i, k := range keys {
		env[i] = envPair{Key: k, Value: svc.Env[k]}
	}
	var b bytes.Buffer
	err := plistTmpl.Execute(&b, map[string]any{
		"Label":   l.label(svc.Profile),
		"Argv":    svc.Argv,
		"Env":     env,
		"WorkDir": svc.WorkDir,
		"LogFile": l.logPath(svc.Profile),
	})
	return b.String(), err
}

func (l *launchd) launchctl(ctx context.Context, args ...string) (string, error) {
	return l.run.Run(ctx, "", "launchctl", args...)
}

func (l *launchd) Install(ctx context.Context, svc service) error {
	plist, err := l.renderPlist(svc)
	if err != nil {
		return err
	}
	for _, dir := range []string{l.agentDir, l.logDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	path := l.plistPath(svc.Profile)
	// A loaded job keeps its old definition until unloaded.
	if _, err := l.launchctl(ctx, "list", l.label(svc.Profile)); err == nil {
		_, _ = l.launchctl(ctx, "unload", "-w", path)
	}
	if err := target.WriteFileAtomic(path, []byte(plist), 0o644); err != nil {
		return err
	}
	_, err = l.launchctl(ctx, "load", "-w", path)
	return err
}

func (l *launchd) Start(ctx context.Context, profile string) error {
	_, err := l.launchctl(ctx, "start", l.label(profile))
	return err
}

func (l *launchd) Stop(ctx context.Context, profile string) error {
	_, err := l.launchctl(ctx, "stop", l.label(profile))
	return err
}

func (l *launchd) Restart(ctx context.Context, profile string) error {
	_ = l.Stop(ctx, profile)
	return l.Start(ctx, profile)
}

func (l *launchd) Status(ctx context.Context, profile string) target.Status {
	out, err := l.launchctl(ctx, "list", l.label(profile))
	if err != nil {
		// launchctl exits non-zero for unknown labels.
		return target.NotInstalled("")
	}
	job := target.ParseLaunchctlList(out)
	st := target.Status{State: target.FromLaunchd(job)}
	if st.State == target.StateRunning {
		st.PID = job.PID
	}
	if job.LastExitStatus != 0 {
		st.Detail = "last exit status " + strconv.Itoa(job.LastExitStatus)
	}
	return st
}

// Logs reads the job's log file; Since is not supported for plain files.
func (l *launchd) Logs(_ context.Context, profile string, _ target.LogOptions) []string {
	data, err := os.ReadFile(l.logPath(profile))
	if err != nil {
		return nil
	}
	return target.SplitLines(string(data))
}

func (l *launchd) Remove(ctx context.Context, profile string) error {
	path := l.plistPath(profile)
	_, unloadErr := l.launchctl(ctx, "unload", "-w", path)
	var rmErr error
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		rmErr = err
	}
	return errors.Join(unloadErr, rmErr)
}
