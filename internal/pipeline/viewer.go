package pipeline

import (
	"strings"
	"sync"
	"time"

	"opsnotify/internal/notification"
)

// Viewer is the session the pipeline filters for.
type Viewer struct {
	UserID         string
	Roles          []string
	Locations      []string
	WhatsAppAccess bool
}

// Addressed reports whether a system notice targets this viewer. An audience
// with no criteria (or All) addresses everyone; otherwise any matching user
// id, role or location is enough.
func (v Viewer) Addressed(a notification.Audience) bool {
	if a.All || (len(a.UserIDs) == 0 && len(a.Roles) == 0 && len(a.Locations) == 0) {
		return true
	}
	if v.UserID != "" && containsFold(a.UserIDs, v.UserID) {
		return true
	}
	for _, r := range v.Roles {
		if containsFold(a.Roles, r) {
			return true
		}
	}
	for _, l := range v.Locations {
		if containsFold(a.Locations, l) {
			return true
		}
	}
	return false
}

func containsFold(list []string, v string) bool {
	v = strings.TrimSpace(v)
	for _, s := range list {
		if strings.EqualFold(strings.TrimSpace(s), v) {
			return true
		}
	}
	return false
}

// PresenceState is what the rendering layer reports about itself.
type PresenceState struct {
	Visible            bool   `json:"visible"`
	ActiveConversation string `json:"activeConversation,omitempty"`
	OnWhatsAppRoute    bool   `json:"onWhatsAppRoute"`
	PermissionGranted  bool   `json:"permissionGranted"`
}

// Presence holds the viewer's UI state and per-conversation read/archive
// markers. Safe for concurrent use.
type Presence struct {
	mu       sync.RWMutex
	state    PresenceState
	archived map[string]bool
	lastRead map[string]time.Time
}

func NewPresence() *Presence {
	return &Presence{archived: map[string]bool{}, lastRead: map[string]time.Time{}}
}

func (p *Presence) Set(st PresenceState) {
	st.ActiveConversation = strings.TrimSpace(st.ActiveConversation)
	p.mu.Lock()
	p.state = st
	p.mu.Unlock()
}

func (p *Presence) State() PresenceState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *Presence) SetArchived(conv string, archived bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if archived {
		p.archived[conv] = true
		return
	}
	delete(p.archived, conv)
}

func (p *Presence) Archived(conv string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.archived[conv]
}

// MarkRead records that conv was read up to at. Older marks never move the
// read point backwards.
func (p *Presence) MarkRead(conv string, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.lastRead[conv]; ok && !at.After(cur) {
		return
	}
	p.lastRead[conv] = at
}

func (p *Presence) LastRead(conv string) (time.Time, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.lastRead[conv]
	return t, ok
}
