package app

import (
	"context"
	"errors"
	"sync"

	"pillpal/internal/reminder"
)

// switchSender lets a config reload replace the reminder channel without
// restarting the reminder service.
type switchSender struct {
	mu  sync.RWMutex
	cur reminder.Sender
}

func (s *switchSender) set(snd reminder.Sender) {
	s.mu.Lock()
	s.cur = snd
	s.mu.Unlock()
}

func (s *switchSender) SendReminder(ctx context.Context, text string) error {
	s.mu.RLock()
	cur := s.cur
	s.mu.RUnlock()
	if cur == nil {
		return errors.New("no reminder sender configured")
	}
	return cur.SendReminder(ctx, text)
}
