package notify

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Preferences is one recipient's notification configuration: which channels
// each event kind may use, plus the address per channel.
type Preferences struct {
	Recipient uuid.UUID               `json:"recipient"`
	Channels  map[EventKind][]Channel `json:"channels"`
	Addresses map[Channel]string      `json:"addresses"`
}

// defaultChannels applies when a recipient has not configured a kind. Routine
// reminders stay on email; new messages and escalations also get SMS.
var defaultChannels = map[EventKind][]Channel{
	EventNewMessage:          {ChannelEmail},
	EventAppointmentReminder: {ChannelEmail},
	EventPrescriptionRenewal: {ChannelEmail},
	EventCriticalEscalation:  {ChannelEmail, ChannelSMS},
}

// EnabledChannels resolves the channels for a kind, falling back to defaults,
// and keeps only channels the recipient has an address for.
func (p *Preferences) EnabledChannels(kind EventKind) []Channel {
	channels, ok := p.Channels[kind]
	if !ok {
		channels = defaultChannels[kind]
	}
	out := make([]Channel, 0, len(channels))
	for _, ch := range channels {
		if p.Addresses[ch] != "" {
			out = append(out, ch)
		}
	}
	return out
}

// AllEnabledChannels returns every channel the recipient has an address for.
// Escalation widens to this set.
func (p *Preferences) AllEnabledChannels() []Channel {
	out := make([]Channel, 0, len(p.Addresses))
	for _, ch := range AllChannels {
		if p.Addresses[ch] != "" {
			out = append(out, ch)
		}
	}
	return out
}

// PreferenceStore resolves recipients' notification preferences.
type PreferenceStore interface {
	Get(ctx context.Context, recipient uuid.UUID) (*Preferences, error)
	Put(ctx context.Context, prefs *Preferences) error
}

// MemoryPreferenceStore is the in-process preference store for development
// and tests. Unknown recipients resolve to empty preferences, which the
// dispatcher treats as "no reachable channel".
type MemoryPreferenceStore struct {
	mu    sync.RWMutex
	prefs map[uuid.UUID]*Preferences
}

func NewMemoryPreferenceStore() *MemoryPreferenceStore {
	return &MemoryPreferenceStore{prefs: make(map[uuid.UUID]*Preferences)}
}

func (s *MemoryPreferenceStore) Get(_ context.Context, recipient uuid.UUID) (*Preferences, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prefs[recipient]
	if !ok {
		return &Preferences{Recipient: recipient, Channels: map[EventKind][]Channel{}, Addresses: map[Channel]string{}}, nil
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryPreferenceStore) Put(_ context.Context, prefs *Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *prefs
	s.prefs[prefs.Recipient] = &cp
	return nil
}
