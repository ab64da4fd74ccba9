package detect

import (
	"io"
	"sync"
	"time"
)

// Kind classifies a registered detector.
type Kind string

const (
	KindModel   Kind = "model"
	KindPattern Kind = "pattern"
	KindSecret  Kind = "secret"
)

// Handle is one registry slot. A handle without a detector is absent and is
// never invoked.
type Handle struct {
	Name     string
	Kind     Kind
	Detector Detector
	// Serialize guards the detector with a mutex for backends that cannot
	// run concurrent inference.
	Serialize bool
	// Timeout bounds a single Detect call when positive.
	Timeout time.Duration
	// Reason records why the detector is absent.
	Reason string

	mu sync.Mutex
}

// Available reports whether the handle holds a usable detector.
func (h *Handle) Available() bool { return h.Detector != nil }

// HandleOption configures a registered handle.
type HandleOption func(*Handle)

// Serialized marks a handle for one-at-a-time invocation.
func Serialized() HandleOption { return func(h *Handle) { h.Serialize = true } }

// WithTimeout bounds each invocation of the handle.
func WithTimeout(d time.Duration) HandleOption { return func(h *Handle) { h.Timeout = d } }

// Registry is the ordered set of detectors known to the process. It is built
// once at startup; the order of registration is the order candidates reach
// the resolver.
type Registry struct {
	handles []*Handle
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry { return &Registry{} }

// Register appends an available detector.
func (r *Registry) Register(name string, kind Kind, d Detector, opts ...HandleOption) {
	h := &Handle{Name: name, Kind: kind, Detector: d}
	for _, o := range opts {
		o(h)
	}
	r.handles = append(r.handles, h)
}

// RegisterAbsent records a detector that could not be loaded.
func (r *Registry) RegisterAbsent(name string, kind Kind, reason error) {
	h := &Handle{Name: name, Kind: kind}
	if reason != nil {
		h.Reason = reason.Error()
	}
	r.handles = append(r.handles, h)
}

// Available returns the present handles in registration order.
func (r *Registry) Available() []*Handle {
	out := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		if h.Available() {
			out = append(out, h)
		}
	}
	return out
}

// HandleStatus is a read-only view of a handle for diagnostics.
type HandleStatus struct {
	Name      string `json:"name"`
	Kind      Kind   `json:"kind"`
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

// Status lists every handle, present or absent.
func (r *Registry) Status() []HandleStatus {
	out := make([]HandleStatus, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, HandleStatus{Name: h.Name, Kind: h.Kind, Available: h.Available(), Reason: h.Reason})
	}
	return out
}

// HasModel reports whether any model detector is present.
func (r *Registry) HasModel() bool {
	for _, h := range r.handles {
		if h.Kind == KindModel && h.Available() {
			return true
		}
	}
	return false
}

// Close releases detectors that hold resources.
func (r *Registry) Close() error {
	var firstErr error
	for _, h := range r.handles {
		c, ok := h.Detector.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
