package generation

import (
	"fmt"
	"sort"
	"time"

	"github.com/peakform/genflow/event"
)

type (
	// Mode selects the transport driving a domain's generations.
	Mode string

	// Profile parameterizes one generation domain (workout plan, nutrition
	// plan, exercise import, agenda planning, ...). The state machine is
	// identical across domains; only endpoints, pacing, copy and result shape
	// differ, so each domain instantiates a controller from its profile
	// instead of maintaining its own state machine.
	Profile struct {
		// Domain names the generation domain, used in logs and metrics tags.
		Domain string
		// Mode selects streaming or polling. Defaults to streaming when
		// StreamEndpoint is set, polling otherwise.
		Mode Mode
		// StreamEndpoint receives the generation POST (streaming mode).
		StreamEndpoint string
		// StartEndpoint receives the job start POST (polling mode).
		StartEndpoint string
		// StatusEndpoint is the job status URL template containing {jobId}
		// (polling mode).
		StatusEndpoint string
		// PollInterval paces status fetches. Zero selects the default (1s).
		PollInterval time.Duration
		// Formatter renders status lines for this domain. Defaults to
		// event.DefaultFormat.
		Formatter event.Formatter
		// ResultSchema optionally holds a JSON Schema the complete result must
		// satisfy. A violation is a fatal protocol error.
		ResultSchema string
		// InitialMessage is the status line set when a submission starts.
		InitialMessage string
	}

	// Registry builds controllers for a fixed set of domain profiles, sharing
	// one set of controller options across domains.
	Registry struct {
		profiles map[string]Profile
		opts     []Option
	}
)

const (
	// ModeStreaming consumes a persistent chunked response.
	ModeStreaming Mode = "streaming"
	// ModePolling starts a job and polls its status.
	ModePolling Mode = "polling"
)

// defaultInitialMessage seeds CurrentMessage at submission start.
const defaultInitialMessage = "preparing generation"

// resolveMode returns the profile's effective transport mode.
func (p Profile) resolveMode() Mode {
	if p.Mode != "" {
		return p.Mode
	}
	if p.StreamEndpoint != "" {
		return ModeStreaming
	}
	return ModePolling
}

// validate checks that the profile names a domain and carries the endpoints
// its mode requires.
func (p Profile) validate() error {
	if p.Domain == "" {
		return fmt.Errorf("%w: missing domain", ErrInvalidProfile)
	}
	switch p.resolveMode() {
	case ModeStreaming:
		if p.StreamEndpoint == "" {
			return fmt.Errorf("%w: domain %q needs a stream endpoint", ErrInvalidProfile, p.Domain)
		}
	case ModePolling:
		if p.StartEndpoint == "" || p.StatusEndpoint == "" {
			return fmt.Errorf("%w: domain %q needs start and status endpoints", ErrInvalidProfile, p.Domain)
		}
	default:
		return fmt.Errorf("%w: domain %q has unknown mode %q", ErrInvalidProfile, p.Domain, p.Mode)
	}
	return nil
}

// NewRegistry validates the given profiles and returns a registry that builds
// controllers on demand. opts apply to every controller the registry builds.
func NewRegistry(profiles []Profile, opts ...Option) (*Registry, error) {
	m := make(map[string]Profile, len(profiles))
	for _, p := range profiles {
		if err := p.validate(); err != nil {
			return nil, err
		}
		if _, dup := m[p.Domain]; dup {
			return nil, fmt.Errorf("%w: duplicate domain %q", ErrInvalidProfile, p.Domain)
		}
		m[p.Domain] = p
	}
	return &Registry{profiles: m, opts: opts}, nil
}

// Controller builds a fresh controller for the named domain. Each call returns
// a new instance; callers that need a shared lifecycle keep the instance.
func (r *Registry) Controller(domain string, opts ...Option) (*Controller, error) {
	p, ok := r.profiles[domain]
	if !ok {
		return nil, fmt.Errorf("%w: unknown domain %q", ErrInvalidProfile, domain)
	}
	return NewController(p, append(append([]Option(nil), r.opts...), opts...)...)
}

// Domains lists the registered domain names in sorted order.
func (r *Registry) Domains() []string {
	out := make([]string, 0, len(r.profiles))
	for d := range r.profiles {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
