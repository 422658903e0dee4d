// Package commands is the thin regex dispatch layer between chat text and the
// scheduling core. It hands the core already-validated primitives and turns
// core errors into user-facing replies.
package commands

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"remindbot/internal/schedule"
	"remindbot/pkg/logx"
)

type Core struct {
	Reminders  *schedule.Registry
	Schedules  *schedule.Registry
	Visibility *schedule.Visibility
	Log        logx.Logger

	// Now is injectable for tests; nil means time.Now.
	Now func() time.Time
}

// Request is one incoming chat message, already stripped of adapter details.
type Request struct {
	Text      string
	UserID    string
	UserName  string
	Room      string
	MessageID string
	ThreadID  string
	FromDM    bool
}

var (
	remindRe   = regexp.MustCompile(`(?i)^remind (me|team|here)\s+(\S+)\s+([\s\S]+)$`)
	scheduleRe = regexp.MustCompile(`(?i)^schedule (?:add|new)\s+"([^"]+)"\s+([\s\S]+)$`)
	listRe     = regexp.MustCompile(`(?i)^(reminder|schedule) list(?:\s+(\S+))?\s*$`)
	updateRe   = regexp.MustCompile(`(?i)^(reminder|schedule) (?:upd|update) (\d+)\s+([\s\S]+)$`)
	cancelRe   = regexp.MustCompile(`(?i)^(reminder|schedule) (?:del|delete|remove|cancel) (\d+)\s*$`)
)

// Dispatch routes one message. The bool reports whether the text matched a
// command at all.
func (c *Core) Dispatch(ctx context.Context, req Request) (string, bool) {
	text := strings.TrimSpace(req.Text)

	if m := remindRe.FindStringSubmatch(text); m != nil {
		return c.remind(ctx, req, m[1], m[2], m[3]), true
	}
	if m := scheduleRe.FindStringSubmatch(text); m != nil {
		return c.scheduleAdd(ctx, req, m[1], m[2]), true
	}
	if m := listRe.FindStringSubmatch(text); m != nil {
		return c.list(req, m[1], m[2]), true
	}
	if m := updateRe.FindStringSubmatch(text); m != nil {
		return c.update(ctx, req, m[1], m[2], m[3]), true
	}
	if m := cancelRe.FindStringSubmatch(text); m != nil {
		return c.cancel(ctx, req, m[1], m[2]), true
	}
	return "", false
}

func (c *Core) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// remind creates a one-off job. The instant is an RFC 3339 timestamp or a
// "+duration" offset from now; natural-language dates are the caller's
// problem.
func (c *Core) remind(ctx context.Context, req Request, who, when, message string) string {
	pattern := when
	if strings.HasPrefix(when, "+") {
		d, err := time.ParseDuration(when[1:])
		if err != nil {
			return fmt.Sprintf("Sorry, I can't read %q as a duration offset (try +10m, +2h30m).", when)
		}
		pattern = c.now().Add(d).UTC().Format(time.RFC3339)
	}

	prefix := ""
	switch strings.ToLower(who) {
	case "me":
		prefix = "@" + req.UserName + ", "
	case "here":
		prefix = "@here, "
	case "team":
		prefix = "@room, "
	}

	owner := schedule.Owner{ID: req.UserID, Name: req.UserName, Room: req.Room}
	md := schedule.Metadata{MessageID: req.MessageID, ThreadID: req.ThreadID}
	job, err := c.Reminders.Create(ctx, owner, req.Room, pattern, prefix+message, md, true)
	if err != nil {
		c.Log.Warn("reminder create failed", logx.Err(err))
		return errorReply(err, "reminder")
	}
	return fmt.Sprintf("Reminder %s set for %s (UTC).", job.ID, job.At().Format(time.RFC3339))
}

func (c *Core) scheduleAdd(ctx context.Context, req Request, pattern, message string) string {
	owner := schedule.Owner{ID: req.UserID, Name: req.UserName, Room: req.Room}
	md := schedule.Metadata{MessageID: req.MessageID}
	job, err := c.Schedules.Create(ctx, owner, req.Room, pattern, message, md, false)
	if err != nil {
		c.Log.Warn("schedule create failed", logx.Err(err))
		return errorReply(err, "schedule")
	}
	return fmt.Sprintf("Schedule %s created with pattern [%s].", job.ID, job.Pattern)
}

func (c *Core) list(req Request, kind, target string) string {
	reg := c.registryFor(kind)
	pred, err := c.Visibility.Predicate(schedule.ListRequest{
		Room:   req.Room,
		UserID: req.UserID,
		FromDM: req.FromDM,
		Target: target,
	})
	if err != nil {
		var refusal *schedule.Refusal
		if errors.As(err, &refusal) {
			return refusal.Message
		}
		c.Log.Warn("list scope failed", logx.Err(err))
		return "Something went wrong getting the " + kind + " list."
	}

	jobs := reg.List(pred)
	if len(jobs) == 0 {
		return "No " + kind + "s have been scheduled"
	}

	var b strings.Builder
	b.WriteString(listHeader(kind, target))
	b.WriteString("===\n")
	for _, j := range jobs {
		fmt.Fprintf(&b, "%s: [%s] #%s %q\n", j.ID, j.Pattern, j.Room, j.Message)
	}
	return strings.TrimRight(b.String(), "\n")
}

func listHeader(kind, target string) string {
	target = strings.TrimSpace(target)
	switch {
	case target == "":
		return "Showing " + kind + "s for THIS room:\n"
	case strings.EqualFold(target, schedule.ScopeAll):
		return "Showing " + kind + "s for all public rooms:\n"
	default:
		return "Showing " + kind + "s for the " + target + " room:\n"
	}
}

func (c *Core) update(ctx context.Context, req Request, kind, id, message string) string {
	reg := c.registryFor(kind)
	if reply, ok := c.checkControl(req, reg, kind, id); !ok {
		return reply
	}
	job, err := reg.Update(ctx, id, message)
	if err != nil {
		c.Log.Warn("update failed", logx.String("job", id), logx.Err(err))
		return errorReply(err, kind)
	}
	return fmt.Sprintf("Updated %s %s to %q.", kind, job.ID, job.Message)
}

func (c *Core) cancel(ctx context.Context, req Request, kind, id string) string {
	reg := c.registryFor(kind)
	if reply, ok := c.checkControl(req, reg, kind, id); !ok {
		return reply
	}
	job, err := reg.Cancel(ctx, id)
	if err != nil {
		c.Log.Warn("cancel failed", logx.String("job", id), logx.Err(err))
		return errorReply(err, kind)
	}
	return fmt.Sprintf("Canceled %s %s.", kind, job.ID)
}

// checkControl enforces the visibility policy on a mutation request before
// the registry is touched. ok=false means reply with the returned text.
func (c *Core) checkControl(req Request, reg *schedule.Registry, kind, id string) (string, bool) {
	job, found := reg.Get(id)
	if !found {
		return errorReply(schedule.ErrNotFound, kind), false
	}
	if err := c.Visibility.MayControl(schedule.ListRequest{
		Room:   req.Room,
		UserID: req.UserID,
		FromDM: req.FromDM,
	}, job); err != nil {
		var refusal *schedule.Refusal
		if errors.As(err, &refusal) {
			c.Log.Info("mutation refused",
				logx.String("job", id),
				logx.String("room", req.Room),
				logx.String("user", req.UserID))
			return refusal.Message, false
		}
		c.Log.Warn("control check failed", logx.String("job", id), logx.Err(err))
		return "Something went wrong with this " + kind + ".", false
	}
	return "", true
}

func (c *Core) registryFor(kind string) *schedule.Registry {
	if strings.EqualFold(kind, "schedule") {
		return c.Schedules
	}
	return c.Reminders
}

func errorReply(err error, kind string) string {
	switch {
	case errors.Is(err, schedule.ErrInvalidPattern):
		return "Sorry, I can't read that pattern. Use a cron expression for schedules, or an RFC 3339 timestamp / +duration for reminders."
	case errors.Is(err, schedule.ErrInThePast):
		return "That time has already passed - I can only " + kind + " for the future."
	case errors.Is(err, schedule.ErrNotFound):
		return "I couldn't find that " + kind + ". Maybe it already fired, or was canceled?"
	case errors.Is(err, schedule.ErrPersistence):
		return "Something went wrong saving this " + kind + ". Nothing was scheduled."
	default:
		return "Something went wrong with this " + kind + "."
	}
}
