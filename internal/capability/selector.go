// Package capability decides, per channel, whether a session receives pushed data
// or polls for it.
package capability

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/dart/internal/frame"
)

// Mode is how a channel acquires data.
type Mode int

const (
	Unknown Mode = iota
	Push
	Poll
)

func (m Mode) String() string {
	switch m {
	case Unknown:
		return "unknown"
	case Push:
		return "push"
	case Poll:
		return "poll"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// PushSupporter answers whether an endpoint can push data. device.Link satisfies it.
type PushSupporter interface {
	SupportsPush(endpoint string) (bool, error)
}

// Selector holds the acquisition mode of every channel of one session.
// A channel demoted to Poll stays there for the rest of the session, across reconnects.
type Selector struct {
	device string
	logger *logrus.Logger

	mu    sync.Mutex
	modes [frame.NumChannels]Mode

	// OnDemote, when set, is called once per demoted channel.
	OnDemote func(ch frame.ChannelID)
}

// NewSelector creates a selector with every channel Unknown.
func NewSelector(device string, logger *logrus.Logger) *Selector {
	if logger == nil {
		logger = logrus.New()
	}
	return &Selector{device: device, logger: logger}
}

// Detect settles the mode of ch by asking p about endpoint. Channels already demoted
// are not asked again. A failed query counts as a capability error.
func (s *Selector) Detect(p PushSupporter, ch frame.ChannelID, endpoint string) Mode {
	s.mu.Lock()
	current := s.modes[ch]
	s.mu.Unlock()
	if current == Poll {
		return Poll
	}

	push, err := p.SupportsPush(endpoint)
	if err != nil {
		s.Demote(ch, err)
		return Poll
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.modes[ch] == Poll {
		return Poll
	}
	if push {
		s.modes[ch] = Push
	} else {
		s.modes[ch] = Poll
		s.logger.WithFields(logrus.Fields{
			"device":  s.device,
			"channel": ch,
		}).Info("Push notification not supported, polling channel")
	}
	return s.modes[ch]
}

// Demote switches ch to Poll and logs the capability error. It returns false, and
// logs nothing, when ch is already polled.
func (s *Selector) Demote(ch frame.ChannelID, cause error) bool {
	s.mu.Lock()
	if s.modes[ch] == Poll {
		s.mu.Unlock()
		return false
	}
	s.modes[ch] = Poll
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"device":  s.device,
		"channel": ch,
		"error":   cause,
	}).Warn("Capability error, falling back to polling")

	if s.OnDemote != nil {
		s.OnDemote(ch)
	}
	return true
}

// Mode returns the current mode of ch.
func (s *Selector) Mode(ch frame.ChannelID) Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modes[ch]
}

// Modes returns a snapshot of every channel's mode.
func (s *Selector) Modes() [frame.NumChannels]Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modes
}
