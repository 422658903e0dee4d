package schedule

import (
	"strings"
)

// RoomOracle answers room questions for the visibility policy. Implemented by
// the chat adapter.
type RoomOracle interface {
	// RoomID resolves a room name or id to a canonical id.
	RoomID(nameOrID string) (string, bool)
	IsNonPublic(id string) bool
	PublicJoinedRoomIDs() []string
	BotInRoom(id string) bool
}

// ListRequest is the context a list request originates from.
type ListRequest struct {
	Room   string // room the request came from
	UserID string
	FromDM bool
	Target string // "", "all", or an explicit room name
}

// ScopeAll lists jobs across public rooms.
const ScopeAll = "all"

// Visibility decides which jobs in a namespace a request may see or touch.
//
// Access is validated in full before any room name can appear in a reply, so
// a denial never leaks the existence of rooms to unauthorized requesters.
type Visibility struct {
	oracle RoomOracle

	// denyExternalControl forces default scope regardless of any explicit
	// room argument. Read per-request so the flag hot-reloads.
	denyExternalControl func() bool
}

func NewVisibility(oracle RoomOracle, denyExternalControl func() bool) *Visibility {
	if denyExternalControl == nil {
		denyExternalControl = func() bool { return false }
	}
	return &Visibility{oracle: oracle, denyExternalControl: denyExternalControl}
}

// Scope resolves a request to the set of delivery rooms it may list. A
// *Refusal error carries the user-facing denial.
func (v *Visibility) Scope(req ListRequest) ([]string, error) {
	target := strings.TrimSpace(req.Target)

	if target == "" || v.denyExternalControl() {
		return []string{req.Room}, nil
	}

	if strings.EqualFold(target, ScopeAll) {
		rooms := append([]string(nil), v.oracle.PublicJoinedRoomIDs()...)
		// Jobs in a non-public room stay hidden from "all", except for
		// requests made from inside that very room.
		if !req.FromDM && v.oracle.IsNonPublic(req.Room) {
			rooms = append(rooms, req.Room)
		}
		return rooms, nil
	}

	id, known := v.oracle.RoomID(target)
	if !known || !v.oracle.BotInRoom(id) {
		return nil, &Refusal{Message: "Sorry, I'm not in the " + target + " room - or maybe you mistyped?"}
	}
	if v.oracle.IsNonPublic(id) && req.Room != id {
		return nil, &Refusal{Message: "Sorry, that's a private room. I can only show jobs scheduled from that room from within the room."}
	}
	return []string{id}, nil
}

// MayControl decides whether req may update or cancel job. Mutations are
// restricted to the job's delivery room; from a DM, to the job's owner. A
// denial is a *Refusal with the user-facing message.
func (v *Visibility) MayControl(req ListRequest, job *Job) error {
	if req.FromDM {
		if job.Owner.ID == req.UserID {
			return nil
		}
		return &Refusal{Message: "Sorry, from a direct message you can only change jobs you created."}
	}
	if job.Room == req.Room {
		return nil
	}
	return &Refusal{Message: "Sorry, that job can only be changed from the room it posts to."}
}

// Predicate turns a request into a job filter for Registry.List. Requests
// from a DM are additionally restricted to jobs owned by the requesting user.
func (v *Visibility) Predicate(req ListRequest) (func(*Job) bool, error) {
	rooms, err := v.Scope(req)
	if err != nil {
		return nil, err
	}
	allowed := make(map[string]struct{}, len(rooms))
	for _, room := range rooms {
		allowed[room] = struct{}{}
	}
	return func(j *Job) bool {
		if _, ok := allowed[j.Room]; !ok {
			return false
		}
		if req.FromDM && j.Owner.ID != req.UserID {
			return false
		}
		return true
	}, nil
}
