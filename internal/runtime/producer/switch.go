package producer

import "sync"

// Switch decides whether publishes reach the broker. State can be set per
// producer name and per exchange name; an exchange setting overrides the
// producer setting. Anything never configured is enabled.
type Switch struct {
	mu        sync.RWMutex
	producers map[string]bool
	exchanges map[string]bool
}

// DefaultSwitch is shared by producers that are not given their own.
var DefaultSwitch = NewSwitch()

// NewSwitch creates a Switch with everything enabled.
func NewSwitch() *Switch {
	return &Switch{
		producers: make(map[string]bool),
		exchanges: make(map[string]bool),
	}
}

func (s *Switch) EnableProducer(name string)  { s.set(s.producers, name, true) }
func (s *Switch) DisableProducer(name string) { s.set(s.producers, name, false) }
func (s *Switch) EnableExchange(name string)  { s.set(s.exchanges, name, true) }
func (s *Switch) DisableExchange(name string) { s.set(s.exchanges, name, false) }

func (s *Switch) set(m map[string]bool, key string, enabled bool) {
	s.mu.Lock()
	m[key] = enabled
	s.mu.Unlock()
}

// Enabled reports whether a publish by producer to exchange goes out.
func (s *Switch) Enabled(producer, exchange string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if enabled, ok := s.exchanges[exchange]; ok {
		return enabled
	}
	if enabled, ok := s.producers[producer]; ok {
		return enabled
	}
	return true
}

// Reset forgets every setting.
func (s *Switch) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.producers = make(map[string]bool)
	s.exchanges = make(map[string]bool)
}
