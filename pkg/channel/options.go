package channel

import (
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/shmframe/internal/logger"
	"github.com/srediag/shmframe/pkg/frame"
	"github.com/srediag/shmframe/pkg/shm"
)

// Role is the side of the channel a handle plays.
type Role int

const (
	RoleProducer Role = iota
	RoleConsumer
)

func (r Role) String() string {
	switch r {
	case RoleProducer:
		return "producer"
	case RoleConsumer:
		return "consumer"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "producer", "writer":
		return RoleProducer, nil
	case "consumer", "reader":
		return RoleConsumer, nil
	}
	return 0, fmt.Errorf("unknown channel role %q", s)
}

// Variant selects the synchronisation protocol of the frame slot.
type Variant int

const (
	// VariantBlocking guards the slot with a process-shared mutex and wakes
	// consumers through a condition word. Every load sees the latest store.
	VariantBlocking Variant = iota
	// VariantLockFree publishes through a seqlock. Producers never wait;
	// consumers retry torn copies and may skip frames.
	VariantLockFree
)

func (v Variant) String() string {
	switch v {
	case VariantBlocking:
		return "blocking"
	case VariantLockFree:
		return "lockfree"
	default:
		return fmt.Sprintf("Variant(%d)", int(v))
	}
}

func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "blocking", "mutex":
		return VariantBlocking, nil
	case "lockfree", "lock-free", "seqlock":
		return VariantLockFree, nil
	}
	return 0, fmt.Errorf("unknown channel variant %q", s)
}

// Segment modes, re-exported for callers that only import channel.
const (
	ModeCreateOrAttach = shm.ModeCreateOrAttach
	ModeCreate         = shm.ModeCreate
	ModeAttach         = shm.ModeAttach
)

// DefaultMaxRetries is the lock-free load attempt budget.
const DefaultMaxRetries = 64

// Options configures Open.
type Options struct {
	// Name of the shared segment. Producer and consumers must agree on it.
	Name    string
	Role    Role
	Variant Variant
	// Shape fixes the payload size; it is not negotiated over the channel.
	Shape frame.Shape
	Mode  shm.Mode
	// Manager maps the segment. Nil uses shm.Default().
	Manager *shm.Manager

	// Timeout bounds blocking waits (consumer wait, mutex acquisition).
	// Zero waits until the context ends.
	Timeout time.Duration
	// MaxRetries is the number of lock-free load attempts, and of slot
	// claims a lock-free producer makes against a concurrent producer.
	MaxRetries int
	// RetryInterval paces lock-free retries with exponential backoff.
	// Zero retries immediately.
	RetryInterval time.Duration
	// WakeAll broadcasts stores to every waiting consumer instead of one.
	WakeAll bool

	Meter  metric.Meter
	Tracer trace.Tracer
	Logger *logger.Logger
}

// DefaultOptions returns options for a blocking 4K RGB channel.
func DefaultOptions(name string, role Role) Options {
	return Options{
		Name:       name,
		Role:       role,
		Variant:    VariantBlocking,
		Shape:      frame.Shape4KRGB,
		Mode:       shm.ModeCreateOrAttach,
		MaxRetries: DefaultMaxRetries,
	}
}

func (o *Options) normalize() error {
	if o.Role != RoleProducer && o.Role != RoleConsumer {
		return fmt.Errorf("invalid role %s", o.Role)
	}
	if o.Variant != VariantBlocking && o.Variant != VariantLockFree {
		return fmt.Errorf("invalid variant %s", o.Variant)
	}
	if err := o.Shape.Validate(); err != nil {
		return err
	}
	if o.Manager == nil {
		o.Manager = shm.Default()
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.Timeout < 0 {
		o.Timeout = 0
	}
	if o.RetryInterval < 0 {
		o.RetryInterval = 0
	}
	if o.Logger == nil {
		o.Logger = logger.New("channel", nil)
	}
	return nil
}
