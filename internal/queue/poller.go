package queue

import (
	"context"
	"time"
)

// Start runs both queues on one ticker until Stop or ctx is done.
func (s *Service) Start(ctx context.Context) {
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processOnce(ctx)
			}
		}
	}()
}

// Stop ends the loop and waits for an in-flight cycle to finish.
func (s *Service) Stop() {
	if s.stop == nil { return }
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
}

func (s *Service) processOnce(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.PollInterval)
	defer cancel()
	now := s.now()
	s.ProcessAvailability(cctx, now)
	s.ProcessReminders(cctx, now)
}
