// Package classifier manages the local prompt classifier: a lazily
// loaded, idle-unloaded model that maps prompt text to a strong-win-rate
// in [0,1]. The service holds at most one loaded model; concurrent
// predictions during a load share a single load via singleflight.
package classifier

import (
	"context"
	"sync"
	"time"

	"localrouter/internal/api"
	"localrouter/pkg/logging"

	"golang.org/x/sync/singleflight"
)

// idleCheckInterval is how often the background task checks whether the
// model has been idle long enough to unload.
const idleCheckInterval = 60 * time.Second

// inferencePoolSize bounds concurrent inference so model calls never
// starve the scheduler.
const inferencePoolSize = 2

// Service implements api.ClassifierHandler.
type Service struct {
	backend Backend
	// idleTimeout is re-read on every tick so a config change takes
	// effect without reloading the model. Zero disables unloading.
	idleTimeout func() time.Duration
	loadBackoff time.Duration

	mu         sync.Mutex
	model      Model
	lastAccess time.Time
	// loadErr caches a failed load until loadErrUntil so a storm of
	// requests does not retry the load indefinitely.
	loadErr      error
	loadErrUntil time.Time

	loadGroup singleflight.Group
	inferSem  chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewService creates the classifier service. idleTimeout is consulted
// each idle-check tick; loadBackoff caches load failures.
func NewService(backend Backend, idleTimeout func() time.Duration, loadBackoff time.Duration) *Service {
	if loadBackoff <= 0 {
		loadBackoff = 30 * time.Second
	}
	s := &Service{
		backend:     backend,
		idleTimeout: idleTimeout,
		loadBackoff: loadBackoff,
		inferSem:    make(chan struct{}, inferencePoolSize),
		stopCh:      make(chan struct{}),
	}
	go s.idleUnloadLoop()
	return s
}

// Register registers the service with the api locator.
func (s *Service) Register() {
	api.RegisterClassifier(s)
}

// Predict implements api.ClassifierHandler. The first call after
// construction or an unload loads the model; waiters suspend on the
// shared load.
func (s *Service) Predict(ctx context.Context, text string) (float64, error) {
	model, err := s.getOrLoad(ctx)
	if err != nil {
		return 0, err
	}

	// Inference runs on a bounded pool so it cannot monopolize the
	// scheduler; acquisition is cancellation-aware.
	select {
	case s.inferSem <- struct{}{}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	defer func() { <-s.inferSem }()

	s.touch()
	return model.Predict(ctx, text)
}

// getOrLoad returns the loaded model, loading it single-flight if
// necessary. A cached load failure is returned until its backoff
// expires.
func (s *Service) getOrLoad(ctx context.Context) (Model, error) {
	s.mu.Lock()
	if s.model != nil {
		model := s.model
		s.mu.Unlock()
		return model, nil
	}
	if s.loadErr != nil && time.Now().Before(s.loadErrUntil) {
		err := s.loadErr
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	type loadResult struct {
		model Model
	}
	result, err, _ := s.loadGroup.Do("load", func() (interface{}, error) {
		logging.Info("Classifier", "Loading classifier model")
		started := time.Now()
		model, err := s.backend.Load(ctx)
		if err != nil {
			s.mu.Lock()
			s.loadErr = api.WrapError(api.ErrKindRouter, err, "classifier load failed")
			s.loadErrUntil = time.Now().Add(s.loadBackoff)
			s.mu.Unlock()
			logging.Error("Classifier", err, "Classifier load failed; caching error for %v", s.loadBackoff)
			return nil, s.loadErr
		}

		s.mu.Lock()
		s.model = model
		s.loadErr = nil
		s.lastAccess = time.Now()
		s.mu.Unlock()
		logging.Info("Classifier", "Classifier model loaded in %v", time.Since(started))
		return loadResult{model: model}, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(loadResult).model, nil
}

func (s *Service) touch() {
	s.mu.Lock()
	s.lastAccess = time.Now()
	s.mu.Unlock()
}

// Unload releases the model immediately. The next Predict reloads.
func (s *Service) Unload() {
	s.mu.Lock()
	model := s.model
	s.model = nil
	s.mu.Unlock()

	if model != nil {
		if err := model.Close(); err != nil {
			logging.Warn("Classifier", "Error closing classifier model: %v", err)
		}
		logging.Info("Classifier", "Classifier model unloaded")
	}
}

// Loaded reports whether a model is currently resident.
func (s *Service) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model != nil
}

// Stop terminates the idle-unload task and releases the model.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.Unload()
}

func (s *Service) idleUnloadLoop() {
	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.maybeUnload(time.Now())
		}
	}
}

// maybeUnload unloads the model when it has been idle past the
// currently configured timeout. The timeout is re-read every tick.
func (s *Service) maybeUnload(now time.Time) {
	timeout := s.idleTimeout()
	if timeout <= 0 {
		return
	}

	s.mu.Lock()
	idle := s.model != nil && now.Sub(s.lastAccess) > timeout
	s.mu.Unlock()

	if idle {
		logging.Info("Classifier", "Classifier idle past %v, unloading", timeout)
		s.Unload()
	}
}
