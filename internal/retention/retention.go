// Package retention prunes old activity and compile history.
package retention

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type Config struct {
	Interval time.Duration
	MaxAge   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval: time.Hour,
		MaxAge:   30 * 24 * time.Hour,
	}
}

type Pruner interface {
	PruneBefore(cutoff time.Time) (int64, error)
}

type Service struct {
	store  Pruner
	config Config
	now    func() time.Time
	stop   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
	log    *logrus.Entry
}

func New(store Pruner, config Config, log *logrus.Entry) *Service {
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.MaxAge <= 0 {
		config.MaxAge = defaults.MaxAge
	}
	return &Service{
		store:  store,
		config: config,
		now:    time.Now,
		stop:   make(chan struct{}),
		log:    log,
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	s.log.WithFields(logrus.Fields{
		"interval": s.config.Interval,
		"max_age":  s.config.MaxAge,
	}).Info("Retention service started")
}

func (s *Service) Stop() {
	s.once.Do(func() {
		close(s.stop)
		s.wg.Wait()
		s.log.Info("Retention service stopped")
	})
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.prune()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.prune()
		}
	}
}

func (s *Service) prune() {
	if _, err := s.PruneNow(); err != nil {
		s.log.WithError(err).Error("Retention: prune failed")
	}
}

// PruneNow removes everything older than MaxAge and reports how many rows
// went.
func (s *Service) PruneNow() (int64, error) {
	cutoff := s.now().Add(-s.config.MaxAge)
	removed, err := s.store.PruneBefore(cutoff)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.log.WithFields(logrus.Fields{
			"removed": removed,
			"cutoff":  cutoff.Format(time.RFC3339),
		}).Info("Pruned old records")
	}
	return removed, nil
}
