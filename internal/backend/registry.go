package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/moby/sys/mountinfo"

	"github.com/mattjoyce/depositd/internal/fsinfo"
	"github.com/mattjoyce/depositd/internal/location"
)

// CommandRunner runs an external command such as mount(8).
type CommandRunner func(ctx context.Context, name string, args ...string) error

// Options are the collaborators shared by every backend a Registry builds.
type Options struct {
	Syncer  Syncer
	Runner  CommandRunner
	Mounted func(path string) (bool, error)
	Detect  func(path string) (string, error)
	Now     func() time.Time
	Logger  *slog.Logger
}

// Factory builds the Backend for one space.
type Factory func(space location.Space, opts Options) (Backend, error)

// Registry selects a Backend implementation by the space's protocol tag.
type Registry struct {
	mu        sync.RWMutex
	factories map[location.Protocol]Factory
	opts      Options
}

// NewRegistry returns a registry with the local filesystem and NFS backends
// registered.
func NewRegistry(opts Options) *Registry {
	if opts.Syncer == nil {
		opts.Syncer = NativeSyncer{}
	}
	if opts.Runner == nil {
		opts.Runner = execRunner
	}
	if opts.Mounted == nil {
		opts.Mounted = mountinfo.Mounted
	}
	if opts.Detect == nil {
		opts.Detect = fsinfo.Detect
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	r := &Registry{factories: make(map[location.Protocol]Factory), opts: opts}
	r.Register(location.ProtocolLocal, NewLocal)
	r.Register(location.ProtocolNFS, NewNFS)
	return r
}

// Register installs or replaces the factory for protocol.
func (r *Registry) Register(protocol location.Protocol, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[protocol] = f
}

// For builds the backend serving space.
func (r *Registry) For(space location.Space) (Backend, error) {
	r.mu.RLock()
	f, ok := r.factories[space.Protocol]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no storage backend for protocol %q", space.Protocol)
	}
	return f(space, r.opts)
}

func execRunner(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}
