package shm

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/shmframe/internal/logger"
	internalshm "github.com/srediag/shmframe/internal/shm"
)

// Mode selects how a missing or existing segment is treated on open.
type Mode = internalshm.MapMode

const (
	ModeCreateOrAttach = internalshm.MapCreateOrAttach
	ModeCreate         = internalshm.MapCreate
	ModeAttach         = internalshm.MapAttach
)

// ParseMode accepts "create-or-attach" (or ""), "create" and "attach".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "create-or-attach", "create_or_attach":
		return ModeCreateOrAttach, nil
	case "create":
		return ModeCreate, nil
	case "attach":
		return ModeAttach, nil
	}
	return 0, fmt.Errorf("unknown segment mode %q", s)
}

// DefaultAttachWait bounds how long an attacher waits for a concurrent
// creator to size the segment.
const DefaultAttachWait = 500 * time.Millisecond

// OpenOptions defines options for creating or opening a segment.
type OpenOptions struct {
	// Name identifies the segment on the host. A leading '/' is accepted
	// and ignored.
	Name string
	// Size is the exact segment size in bytes.
	Size int
	Mode Mode
}

// Manager maps named segments from one directory.
type Manager struct {
	dir        string
	perm       uint32
	attachWait time.Duration
	tracer     trace.Tracer
	log        *logger.Logger

	// mu serialises registry and refcount changes; mapping itself runs
	// outside it. regions serves lookups.
	mu      sync.Mutex
	regions cmap.ConcurrentMap[string, *mapping]
}

type mapping struct {
	name   string
	region *internalshm.MappedRegion
	refs   int
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithDir sets the directory backing segment names.
func WithDir(dir string) ManagerOption {
	return func(m *Manager) {
		if dir != "" {
			m.dir = dir
		}
	}
}

// WithPerm sets the file mode of created segments.
func WithPerm(perm uint32) ManagerOption {
	return func(m *Manager) {
		if perm != 0 {
			m.perm = perm
		}
	}
}

// WithAttachWait bounds the wait for a creator racing with an attacher.
func WithAttachWait(d time.Duration) ManagerOption {
	return func(m *Manager) { m.attachWait = d }
}

// WithTracer sets the tracer for lifecycle spans.
func WithTracer(t trace.Tracer) ManagerOption {
	return func(m *Manager) {
		if t != nil {
			m.tracer = t
		}
	}
}

// WithLogger replaces the default "shm" logger.
func WithLogger(l *logger.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// NewManager returns a Manager for /dev/shm unless WithDir says otherwise.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		dir:        internalshm.DefaultDir,
		perm:       internalshm.DefaultPerm,
		attachWait: DefaultAttachWait,
		tracer:     otel.Tracer("github.com/srediag/shmframe/pkg/shm"),
		log:        logger.New("shm", nil),
		regions:    cmap.New[*mapping](),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var defaultManager = sync.OnceValue(func() *Manager { return NewManager() })

// Default returns the process-wide Manager for /dev/shm.
func Default() *Manager {
	return defaultManager()
}

// Dir returns the directory backing segment names.
func (m *Manager) Dir() string {
	return m.dir
}

// Path resolves a segment name to its backing file.
func (m *Manager) Path(name string) (string, error) {
	name = strings.TrimPrefix(name, "/")
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\x00") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(m.dir, name), nil
}

// CreateOrAttach creates the named segment sized to size, zero-filled, or
// attaches to it if it already exists and has exactly that size.
func (m *Manager) CreateOrAttach(ctx context.Context, name string, size int) (*Segment, error) {
	return m.Open(ctx, OpenOptions{Name: name, Size: size, Mode: ModeCreateOrAttach})
}

// Open maps a segment according to opts.Mode. Handles opened in the same
// process share one mapping.
func (m *Manager) Open(ctx context.Context, opts OpenOptions) (seg *Segment, err error) {
	ctx, span := m.tracer.Start(ctx, "shm.Open", trace.WithAttributes(
		attribute.String("shm.name", opts.Name),
		attribute.Int("shm.size", opts.Size),
		attribute.String("shm.mode", opts.Mode.String()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	path, err := m.Path(opts.Name)
	if err != nil {
		return nil, err
	}
	if opts.Size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, opts.Size)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if seg, ok, err := m.reuse(path, opts); ok || err != nil {
		return seg, err
	}

	// Mapping may wait for a racing creator; other names must not queue
	// behind it, so it runs unlocked and the registry is checked again.
	region, err := internalshm.MapRegion(ctx, internalshm.MapOptions{
		Path:       path,
		Size:       opts.Size,
		Mode:       opts.Mode,
		Perm:       m.perm,
		AttachWait: m.attachWait,
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Bool("shm.created", region.Created))

	m.mu.Lock()
	defer m.mu.Unlock()

	if mp, ok := m.regions.Get(path); ok {
		// Another handle in this process mapped the same file meanwhile.
		if uerr := internalshm.UnmapRegion(region); uerr != nil {
			m.log.Warnf("unmap duplicate mapping of %s failed: %v", path, uerr)
		}
		if mp.region.Size != opts.Size {
			return nil, fmt.Errorf("%w: %s is %d bytes, want %d", ErrSizeMismatch, path, mp.region.Size, opts.Size)
		}
		mp.refs++
		m.log.Debugf("joined concurrent mapping of %s, refs=%d", path, mp.refs)
		return newSegment(m, mp, region.Created), nil
	}

	mp := &mapping{name: strings.TrimPrefix(opts.Name, "/"), region: region, refs: 1}
	m.regions.Set(path, mp)
	if region.Created {
		m.log.Infof("created segment %s (%d bytes)", path, region.Size)
	} else {
		m.log.Infof("attached segment %s (%d bytes)", path, region.Size)
	}
	return newSegment(m, mp, region.Created), nil
}

// reuse hands out another reference to a mapping already held by this
// manager. ok is false when path is not mapped yet.
func (m *Manager) reuse(path string, opts OpenOptions) (seg *Segment, ok bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mp, found := m.regions.Get(path)
	if !found {
		return nil, false, nil
	}
	switch {
	case opts.Mode == ModeCreate:
		return nil, false, fmt.Errorf("%w: %s", ErrExists, path)
	case mp.region.Size != opts.Size:
		return nil, false, fmt.Errorf("%w: %s is %d bytes, want %d", ErrSizeMismatch, path, mp.region.Size, opts.Size)
	}
	mp.refs++
	m.log.Debugf("reusing mapping of %s, refs=%d", path, mp.refs)
	return newSegment(m, mp, false), true, nil
}

// release drops one reference and unmaps when none remain.
func (m *Manager) release(mp *mapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mp.refs--
	if mp.refs > 0 {
		m.log.Debugf("detached handle of %s, refs=%d", mp.region.Path, mp.refs)
		return nil
	}
	path := mp.region.Path
	m.regions.RemoveCb(path, func(_ string, cur *mapping, exists bool) bool {
		return exists && cur == mp
	})
	if err := internalshm.UnmapRegion(mp.region); err != nil {
		m.log.Warnf("unmap %s failed: %v", path, err)
		return err
	}
	m.log.Infof("detached segment %s", path)
	return nil
}

// Destroy removes the named segment from the system. Mappings still held in
// any process stay readable but no longer reachable by name; callers are
// expected to detach every handle first.
func (m *Manager) Destroy(ctx context.Context, name string) (err error) {
	_, span := m.tracer.Start(ctx, "shm.Destroy", trace.WithAttributes(attribute.String("shm.name", name)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	path, err := m.Path(name)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := internalshm.RemoveRegion(path); err != nil {
		return err
	}
	if mp, ok := m.regions.Pop(path); ok {
		m.log.Warnf("destroyed segment %s while %d handle(s) still attached", path, mp.refs)
	} else {
		m.log.Infof("destroyed segment %s", path)
	}
	return nil
}

// Attached lists the names of segments mapped by this manager.
func (m *Manager) Attached() []string {
	names := make([]string, 0, m.regions.Count())
	for item := range m.regions.IterBuffered() {
		names = append(names, item.Val.name)
	}
	sort.Strings(names)
	return names
}

// Refs returns the number of live handles to name in this process.
func (m *Manager) Refs(name string) int {
	path, err := m.Path(name)
	if err != nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if mp, ok := m.regions.Get(path); ok {
		return mp.refs
	}
	return 0
}
