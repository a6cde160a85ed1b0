package kubernetes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/bdobrica/Kanri/internal/kanri/target"
)

type fakeExit struct{ code int }

func (e *fakeExit) Error() string { return fmt.Sprintf("exit status %d", e.code) }
func (e *fakeExit) ExitCode() int { return e.code }

// fakeCluster simulates the kubectl verbs the target uses. Objects are
// keyed "<Kind>/<name>".
type fakeCluster struct {
	mu       sync.Mutex
	objects  map[string]map[string]any
	replicas map[string]int
	logs     string
	calls    [][]string
	stdins   []string
	applyErr error
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{objects: map[string]map[string]any{}, replicas: map[string]int{}}
}

func notFoundErr(what string) error {
	return &target.CommandError{
		Command: "kubectl get " + what,
		Stderr:  `Error from server (NotFound): ` + what + ` not found`,
		Err:     &fakeExit{code: 1},
	}
}

func decodeAll(doc string) ([]map[string]any, error) {
	dec := yaml.NewDecoder(strings.NewReader(doc))
	var out []map[string]any
	for {
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, err
		}
		out = append(out, obj)
	}
}

func key(obj map[string]any) string {
	meta, _ := obj["metadata"].(map[string]any)
	return fmt.Sprint(obj["kind"]) + "/" + fmt.Sprint(meta["name"])
}

func (f *fakeCluster) Run(_ context.Context, stdin, name string, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name != "kubectl" {
		return "", fmt.Errorf("%s: command not found", name)
	}
	// Strip global flags.
	var rest []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--namespace", "--context", "--kubeconfig":
			i++
			continue
		}
		rest = append(rest, args[i])
	}
	f.calls = append(f.calls, rest)
	f.stdins = append(f.stdins, stdin)

	switch rest[0] {
	case "apply":
		if f.applyErr != nil {
			return "", f.applyErr
		}
		objs, err := decodeAll(stdin)
		if err != nil {
			return "", err
		}
		for _, o := range objs {
			k := key(o)
			f.objects[k] = o
			if o["kind"] == "Deployment" {
				spec := o["spec"].(map[string]any)
				f.replicas[k] = spec["replicas"].(int)
			}
		}
		return "", nil
	case "delete":
		objs, err := decodeAll(stdin)
		if err != nil {
			return "", err
		}
		for _, o := range objs {
			delete(f.objects, key(o))
			delete(f.replicas, key(o))
		}
		return "", nil
	case "scale":
		k := "Deployment/" + strings.TrimPrefix(rest[1], "deployment/")
		if _, ok := f.objects[k]; !ok {
			return "", notFoundErr(rest[1])
		}
		var n int
		fmt.Sscanf(strings.TrimPrefix(rest[2], "--replicas="), "%d", &n)
		f.replicas[k] = n
		return "deployment.apps/" + k + " scaled\n", nil
	case "rollout":
		k := "Deployment/" + strings.TrimPrefix(rest[2], "deployment/")
		if _, ok := f.objects[k]; !ok {
			return "", notFoundErr(rest[2])
		}
		return "", nil
	case "get":
		return f.get(rest[1], rest[2])
	case "logs":
		k := "Deployment/" + strings.TrimPrefix(rest[1], "deployment/")
		if _, ok := f.objects[k]; !ok {
			return "", notFoundErr(rest[1])
		}
		return f.logs, nil
	}
	return "", fmt.Errorf("unexpected kubectl %v", rest)
}

func (f *fakeCluster) get(kind, name string) (string, error) {
	switch kind {
	case "deployment":
		k := "Deployment/" + name
		obj, ok := f.objects[k]
		if !ok {
			return "", notFoundErr("deployments.apps " + name)
		}
		n := f.replicas[k]
		var buf bytes.Buffer
		err := json.NewEncoder(&buf).Encode(map[string]any{
			"metadata": obj["metadata"],
			"spec":     map[string]any{"replicas": n},
			"status": map[string]any{
				"readyReplicas": n,
				"conditions":    []any{map[string]any{"type": "Available", "status": "True"}},
			},
		})
		return buf.String(), err
	case "configmap":
		obj, ok := f.objects["ConfigMap/"+name]
		if !ok {
			return "", notFoundErr("configmaps " + name)
		}
		var buf bytes.Buffer
		err := json.NewEncoder(&buf).Encode(map[string]any{"data": obj["data"]})
		return buf.String(), err
	}
	return "", fmt.Errorf("unexpected get %s", kind)
}

func (f *fakeCluster) object(k string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.objects[k]
}

func (f *fakeCluster) lastCall() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}
