package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pagepilot/internal/domain"
)

// ProviderFactory builds model handles. NewCloud fails with
// ErrProviderNotConfigured when no credential exists for kind.
type ProviderFactory interface {
	NewCloud(kind domain.ProviderKind, model string) (domain.ModelHandle, error)
	NewOnDevice() (domain.ModelHandle, error)
}

// defaultAvailabilityTimeout bounds the on-device capability check.
const defaultAvailabilityTimeout = 5 * time.Second

// ProviderSelector owns the single ProviderState and the live model handle.
// Every mode change goes through one of its transition methods, which are
// serialized; readers use State and Handle.
type ProviderSelector struct {
	factory ProviderFactory
	logger  *slog.Logger

	transition sync.Mutex // serializes transitions, held across availability checks

	mu         sync.RWMutex
	state      domain.ProviderState
	handle     domain.ModelHandle
	cloudKind  domain.ProviderKind
	cloudModel string
	observers  []func(domain.ProviderState)

	availTimeout time.Duration
}

// NewProviderSelector creates a selector for the given initial cloud kind.
// Call Init before use.
func NewProviderSelector(factory ProviderFactory, cloud domain.ProviderKind, logger *slog.Logger) *ProviderSelector {
	return &ProviderSelector{
		factory:      factory,
		logger:       logger,
		cloudKind:    cloud,
		state:        domain.ProviderState{Kind: cloud},
		availTimeout: defaultAvailabilityTimeout,
	}
}

// State returns a copy of the current selection.
func (s *ProviderSelector) State() domain.ProviderState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Handle returns the live model handle, or nil when none could be built.
func (s *ProviderSelector) Handle() domain.ModelHandle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handle
}

// OnChange registers fn to be called after every transition.
func (s *ProviderSelector) OnChange(fn func(domain.ProviderState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Init applies the initial mode from configuration and reports whether a
// usable handle exists.
func (s *ProviderSelector) Init(ctx context.Context, offline bool) bool {
	if offline {
		if s.SetOfflineMode(ctx, true) {
			return true
		}
		return s.Handle() != nil
	}
	return s.SetOfflineMode(ctx, false)
}

// SetOfflineMode switches between the on-device model and the selected
// cloud provider.
//
// Going offline builds the on-device handle and checks availability. On
// failure the reason is recorded, the cloud handle is re-initialized and
// false is returned; the state stays online. Going online rebuilds the
// cloud handle and returns whether one exists.
func (s *ProviderSelector) SetOfflineMode(ctx context.Context, offline bool) bool {
	s.transition.Lock()
	var ok bool
	if offline {
		ok = s.goOffline(ctx)
	} else {
		ok = s.goOnline("")
	}
	state := s.State()
	s.transition.Unlock()

	s.notify(state)
	return ok
}

// SelectCloud picks the cloud provider used in online mode. When online,
// the handle is rebuilt immediately.
func (s *ProviderSelector) SelectCloud(kind domain.ProviderKind, model string) error {
	if !kind.IsCloud() {
		return domain.NewDomainError("ProviderSelector.SelectCloud", domain.ErrProviderNotFound, string(kind))
	}

	s.transition.Lock()
	s.mu.Lock()
	s.cloudKind = kind
	s.cloudModel = model
	offline := s.state.Offline
	s.mu.Unlock()

	var err error
	if !offline {
		if !s.goOnline("") {
			err = domain.NewDomainError("ProviderSelector.SelectCloud", domain.ErrProviderNotConfigured, s.State().LastUnavailableReason)
		}
	}
	state := s.State()
	s.transition.Unlock()

	s.notify(state)
	return err
}

// EnsureConfigured is called before generation. A missing cloud credential
// triggers one attempt to switch to the on-device model. It reports whether
// a usable handle exists afterwards.
func (s *ProviderSelector) EnsureConfigured(ctx context.Context) bool {
	st := s.State()
	if s.Handle() != nil || st.Offline {
		return s.Handle() != nil
	}
	s.logger.Info("no cloud credential, trying on-device model", "provider", st.Kind)
	s.SetOfflineMode(ctx, true)
	return s.Handle() != nil
}

func (s *ProviderSelector) goOffline(ctx context.Context) bool {
	h, err := s.factory.NewOnDevice()
	if err == nil {
		if ac, ok := h.(domain.AvailabilityChecker); ok {
			checkCtx, cancel := context.WithTimeout(ctx, s.availTimeout)
			err = ac.Available(checkCtx)
			cancel()
		}
	}
	if err != nil {
		if !errors.Is(err, domain.ErrOnDeviceUnavailable) {
			err = fmt.Errorf("%w: %v", domain.ErrOnDeviceUnavailable, err)
		}
		s.logger.Warn("on-device model unavailable, staying online", "error", err)
		s.goOnline(err.Error())
		return false
	}

	s.mu.Lock()
	s.handle = h
	s.state = domain.ProviderState{
		Kind:    domain.ProviderOnDevice,
		Model:   h.Model(),
		Offline: true,
	}
	s.mu.Unlock()
	s.logger.Info("switched to on-device model", "model", h.Model())
	return true
}

// goOnline rebuilds the cloud handle. reason, when set, is kept as the last
// unavailable reason; a cloud failure is appended to it.
func (s *ProviderSelector) goOnline(reason string) bool {
	s.mu.RLock()
	kind, model := s.cloudKind, s.cloudModel
	s.mu.RUnlock()

	h, err := s.factory.NewCloud(kind, model)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		r := err.Error()
		if reason != "" {
			r = reason + "; " + r
		}
		s.handle = nil
		s.state = domain.ProviderState{Kind: kind, LastUnavailableReason: r}
		s.logger.Warn("cloud provider not usable", "provider", kind, "error", err)
		return false
	}
	s.handle = h
	s.state = domain.ProviderState{Kind: kind, Model: h.Model(), LastUnavailableReason: reason}
	return true
}

func (s *ProviderSelector) notify(state domain.ProviderState) {
	s.mu.RLock()
	obs := make([]func(domain.ProviderState), len(s.observers))
	copy(obs, s.observers)
	s.mu.RUnlock()
	for _, fn := range obs {
		fn(state)
	}
}
