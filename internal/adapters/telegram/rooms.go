package telegram

import (
	"strings"
	"sync"

	"remindbot/internal/config"
)

// Rooms is a config-backed room oracle. Telegram has no API for enumerating
// the bot's chats, so the operator declares them; Apply swaps the set on
// config reload.
type Rooms struct {
	mu     sync.RWMutex
	byID   map[string]config.RoomConfig
	byName map[string]string // lower(name) -> id
}

func NewRooms(cfgs []config.RoomConfig) *Rooms {
	r := &Rooms{}
	r.Apply(cfgs)
	return r
}

func (r *Rooms) Apply(cfgs []config.RoomConfig) {
	byID := make(map[string]config.RoomConfig, len(cfgs))
	byName := make(map[string]string, len(cfgs))
	for _, c := range cfgs {
		byID[c.ID] = c
		if c.Name != "" {
			byName[strings.ToLower(c.Name)] = c.ID
		}
	}
	r.mu.Lock()
	r.byID = byID
	r.byName = byName
	r.mu.Unlock()
}

func (r *Rooms) RoomID(nameOrID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.byID[nameOrID]; ok {
		return nameOrID, true
	}
	id, ok := r.byName[strings.ToLower(nameOrID)]
	return id, ok
}

func (r *Rooms) IsNonPublic(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id].NonPublic
}

func (r *Rooms) PublicJoinedRoomIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byID))
	for id, c := range r.byID {
		if c.Joined && !c.NonPublic {
			out = append(out, id)
		}
	}
	return out
}

func (r *Rooms) BotInRoom(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id].Joined
}
