package target

import (
	"bufio"
	"strconv"
	"strings"

	"github.com/bdobrica/Kanri/internal/kanri/provider"
)

// State is the closed status vocabulary every platform is translated into.
type State string

const (
	StateNotInstalled State = "not-installed"
	StateRunning      State = "running"
	StateStopped      State = "stopped"
	StateError        State = "error"
)

// Status is the derived state of an instance. PID and GatewayPort are zero
// when the platform does not report them.
type Status struct {
	State       State  `json:"state"`
	PID         int    `json:"pid,omitempty"`
	GatewayPort int    `json:"gatewayPort,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// NotInstalled is the status every query failure degrades to.
func NotInstalled(detail string) Status {
	return Status{State: StateNotInstalled, Detail: detail}
}

// --- systemd -----------------------------------------------------------------

// systemdActive translates ActiveState. Values outside the table are errors.
var systemdActive = map[string]State{
	"active":       StateRunning,
	"reloading":    StateRunning,
	"activating":   StateRunning,
	"refreshing":   StateRunning,
	"inactive":     StateStopped,
	"deactivating": StateStopped,
	"maintenance":  StateStopped,
	"failed":       StateError,
}

// SystemdUnit holds the properties read with
// `systemctl show -p LoadState,ActiveState,SubState,MainPID`.
type SystemdUnit struct {
	LoadState   string
	ActiveState string
	SubState    string
	MainPID     int
}

// ParseSystemdShow parses key=value lines from systemctl show.
func ParseSystemdShow(out string) SystemdUnit {
	var u SystemdUnit
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "LoadState":
			u.LoadState = value
		case "ActiveState":
			u.ActiveState = value
		case "SubState":
			u.SubState = value
		case "MainPID":
			u.MainPID, _ = strconv.Atoi(value)
		}
	}
	return u
}

// FromSystemd translates a unit's properties.
func FromSystemd(u SystemdUnit) State {
	switch u.LoadState {
	case "", "not-found", "masked":
		return StateNotInstalled
	}
	if s, ok := systemdActive[u.ActiveState]; ok {
		return s
	}
	return StateError
}

// --- launchd -----------------------------------------------------------------

// LaunchdJob is the subset of `launchctl list <label>` output Kanri reads.
type LaunchdJob struct {
	Loaded         bool
	PID            int
	LastExitStatus int
}

// ParseLaunchctlList parses the plist-style dictionary printed by
// `launchctl list <label>`. Empty output means the job is not loaded.
func ParseLaunchctlList(out string) LaunchdJob {
	var j LaunchdJob
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		j.Loaded = true
		key = strings.Trim(strings.TrimSpace(key), `"`)
		value = strings.TrimSuffix(strings.TrimSpace(value), ";")
		switch key {
		case "PID":
			j.PID, _ = strconv.Atoi(value)
		case "LastExitStatus":
			j.LastExitStatus, _ = strconv.Atoi(value)
		}
	}
	return j
}

// FromLaunchd translates a job: missing -> not-installed, a PID -> running,
// a non-zero last exit -> error, otherwise stopped.
func FromLaunchd(j LaunchdJob) State {
	switch {
	case !j.Loaded:
		return StateNotInstalled
	case j.PID > 0:
		return StateRunning
	case j.LastExitStatus != 0:
		return StateError
	default:
		return StateStopped
	}
}

// --- docker ------------------------------------------------------------------

var dockerStates = map[string]State{
	"running":    StateRunning,
	"restarting": StateRunning,
	"created":    StateStopped,
	"exited":     StateStopped,
	"paused":     StateStopped,
	"removing":   StateStopped,
	"dead":       StateError,
}

// FromDocker translates State.Status. An exited container that was
// OOM-killed is an error.
func FromDocker(status string, oomKilled bool) State {
	status = strings.ToLower(status)
	if status == "" {
		return StateNotInstalled
	}
	if status == "exited" && oomKilled {
		return StateError
	}
	if s, ok := dockerStates[status]; ok {
		return s
	}
	return StateError
}

// --- kubernetes --------------------------------------------------------------

// DeploymentCondition is one entry of a Deployment's status.conditions.
type DeploymentCondition struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Deployment is the subset of `kubectl get deployment -o json` Kanri reads.
type Deployment struct {
	Spec struct {
		Replicas *int `json:"replicas"`
	} `json:"spec"`
	Status struct {
		ReadyReplicas int                   `json:"readyReplicas"`
		Conditions    []DeploymentCondition `json:"conditions"`
	} `json:"status"`
}

// FromDeployment translates a Deployment; nil means not found.
func FromDeployment(d *Deployment) State {
	if d == nil {
		return StateNotInstalled
	}
	if d.Spec.Replicas != nil && *d.Spec.Replicas == 0 {
		return StateStopped
	}
	for _, c := range d.Status.Conditions {
		if c.Type == "ReplicaFailure" && c.Status == "True" {
			return StateError
		}
		if c.Type == "Progressing" && c.Status == "False" {
			return StateError
		}
	}
	if d.Status.ReadyReplicas >= 1 {
		return StateRunning
	}
	return StateStopped
}

// --- managed compute ---------------------------------------------------------

var phaseStates = map[provider.Phase]State{
	provider.PhasePending:    StateRunning,
	provider.PhaseRunning:    StateRunning,
	provider.PhaseStopping:   StateStopped,
	provider.PhaseStopped:    StateStopped,
	provider.PhaseFailed:     StateError,
	provider.PhaseTerminated: StateNotInstalled,
	provider.PhaseUnknown:    StateError,
}

// FromPhase translates a provider-neutral instance phase.
func FromPhase(p provider.Phase) State {
	if s, ok := phaseStates[p]; ok {
		return s
	}
	return StateError
}
