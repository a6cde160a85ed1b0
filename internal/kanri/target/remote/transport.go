package remote

import (
	"context"
	"os"
	"sort"
	"sync"
)

// Transport executes shell commands on, and uploads files to, the remote
// host. Paths without a leading slash are relative to the login directory.
type Transport interface {
	Run(ctx context.Context, cmd string) (string, error)
	Upload(ctx context.Context, path string, data []byte, mode os.FileMode) error
	Close() error
}

// Upload is one file RecordingTransport received.
type Upload struct {
	Path string
	Data []byte
	Mode os.FileMode
}

// RecordingTransport records every command and upload without touching a
// host. Responses are scripted with Respond.
type RecordingTransport struct {
	mu       sync.Mutex
	commands []string
	uploads  map[string]Upload
	respond  func(cmd string) (string, error)
}

// NewRecordingTransport returns a transport that answers every command
// with empty output.
func NewRecordingTransport() *RecordingTransport {
	return &RecordingTransport{uploads: make(map[string]Upload)}
}

// Respond installs the function that answers commands.
func (r *RecordingTransport) Respond(fn func(cmd string) (string, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.respond = fn
}

func (r *RecordingTransport) Run(_ context.Context, cmd string) (string, error) {
	r.mu.Lock()
	r.commands = append(r.commands, cmd)
	fn := r.respond
	r.mu.Unlock()
	if fn == nil {
		return "", nil
	}
	return fn(cmd)
}

func (r *RecordingTransport) Upload(_ context.Context, path string, data []byte, mode os.FileMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uploads[path] = Upload{Path: path, Data: append([]byte(nil), data...), Mode: mode}
	return nil
}

func (r *RecordingTransport) Close() error { return nil }

// Commands returns the commands run so far, in order.
func (r *RecordingTransport) Commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

// Uploaded returns the upload recorded for path.
func (r *RecordingTransport) Uploaded(path string) (Upload, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.uploads[path]
	return u, ok
}

// UploadPaths lists uploaded paths, sorted.
func (r *RecordingTransport) UploadPaths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.uploads))
	for p := range r.uploads {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
