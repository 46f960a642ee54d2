// Package admin executes privileged operator commands: process exit,
// subsystem restarts, moderation and rights changes.
package admin

import (
	"context"
	"errors"
	"time"

	"mmoserver/internal/moderation"
	"mmoserver/internal/storage"
	"mmoserver/internal/subsystem"
	"mmoserver/internal/users"
	"mmoserver/pkg/logx"
)

// PermissionError is the error packet code sent to a rejected issuer.
const PermissionError = 1

const permissionMessage = "You do not have the correct permissions to do that."

var ErrPermission = errors.New("admin: permission denied")

// Issuer is whoever sent the command.
type Issuer interface {
	// User is the logged-in account behind the connection, nil if not logged in.
	User() *users.User
	// Trusted is true for the local operator console, which has no connection.
	Trusted() bool
	// SendError queues an error packet to the issuer.
	SendError(code int, message string)
}

// Scheduler is the part of the tick scheduler admin commands drive.
type Scheduler interface {
	RequestExit()
	Frozen() bool
	NotifyFailureResolution()
	TickCount() uint64
}

type Restarter interface {
	Restart(ctx context.Context, name string) error
}

type Directory interface {
	ByID(id int64) (*users.User, bool)
	SetRights(id int64, r users.Rights) error
}

type Moderator interface {
	Add(ctx context.Context, kind moderation.Kind, key string, days int, by string) (storage.ModerationRecord, error)
}

type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Disconnector drops a live session. Optional: bans apply to the next login without it.
type Disconnector interface {
	Disconnect(userID int64, reason string)
}

type Deps struct {
	Scheduler    Scheduler
	Restarter    Restarter
	Users        Directory
	Moderation   Moderator
	Audit        Auditor
	Disconnector Disconnector
	Log          logx.Logger
}

type Handler struct {
	d   Deps
	log logx.Logger
}

func New(d Deps) *Handler {
	return &Handler{d: d, log: d.Log.With(logx.String("comp", "admin"))}
}

var restartTargets = map[Code]string{
	RestartCharacterManager:    subsystem.Character,
	RestartConnectionManager:   subsystem.Connection,
	RestartCycleProcessManager: subsystem.Cycle,
	RestartNPCManager:          subsystem.NPC,
}

// Allowed reports whether issuer may run admin commands: the local console,
// or a logged-in account with admin rights.
func Allowed(issuer Issuer) bool {
	if issuer == nil {
		return false
	}
	if issuer.Trusted() {
		return true
	}
	u := issuer.User()
	return u != nil && u.Rights() == users.RightsAdmin
}

// Handle checks the issuer's rights and executes cmd. A rejected issuer gets
// an error packet and ErrPermission. Commands aimed at unknown users are
// no-ops, unknown codes are logged and ignored.
func (h *Handler) Handle(ctx context.Context, issuer Issuer, cmd Command) error {
	if !Allowed(issuer) {
		if issuer != nil {
			issuer.SendError(PermissionError, permissionMessage)
		}
		h.log.Warn("admin command rejected", append(actorFields(issuer), logx.String("command", cmd.Code.String()))...)
		return ErrPermission
	}
	if !cmd.Code.Known() {
		h.log.Warn("no case for admin command", logx.Int("command", int(cmd.Code)))
		return nil
	}

	start := time.Now()
	target, err := h.exec(ctx, issuer, cmd)
	h.audit(ctx, issuer, cmd, target, err)

	fields := append(actorFields(issuer),
		logx.String("command", cmd.Code.String()),
		logx.Int64("target_id", cmd.Target),
		logx.Duration("took", time.Since(start)),
	)
	if err != nil {
		h.log.Error("admin command failed", append(fields, logx.Err(err))...)
		return err
	}
	h.log.Info("admin command executed", fields...)
	return nil
}

// exec runs an authorized command. target names what was acted on, empty
// for no-ops.
func (h *Handler) exec(ctx context.Context, issuer Issuer, cmd Command) (target string, err error) {
	switch cmd.Code {
	case RestartServer:
		h.d.Scheduler.RequestExit()
		return "server", nil

	case RestartCharacterManager, RestartConnectionManager, RestartCycleProcessManager, RestartNPCManager:
		name := restartTargets[cmd.Code]
		if err := h.d.Restarter.Restart(ctx, name); err != nil {
			return name, err
		}
		if h.d.Scheduler.Frozen() {
			h.d.Scheduler.NotifyFailureResolution()
		}
		return name, nil
	}

	u, ok := h.d.Users.ByID(cmd.Target)
	if !ok {
		h.log.Debug("admin target not found", logx.String("command", cmd.Code.String()), logx.Int64("target_id", cmd.Target))
		return "", nil
	}
	by := actorName(issuer)

	switch cmd.Code {
	case BanUser, MuteUser:
		kind := moderation.Ban
		if cmd.Code == MuteUser {
			kind = moderation.Mute
		}
		if _, err := h.d.Moderation.Add(ctx, kind, u.Username(), cmd.DurationDays, by); err != nil {
			return u.Username(), err
		}
		if kind == moderation.Ban {
			h.disconnect(u, "banned")
		}
		return u.Username(), nil

	case IPBanUser, IPMuteUser:
		ip, online := u.IP()
		if !online || ip == "" {
			h.log.Debug("admin target has no connection", logx.String("command", cmd.Code.String()), logx.Int64("target_id", cmd.Target))
			return "", nil
		}
		kind := moderation.Ban
		if cmd.Code == IPMuteUser {
			kind = moderation.Mute
		}
		if _, err := h.d.Moderation.Add(ctx, kind, ip, cmd.DurationDays, by); err != nil {
			return ip, err
		}
		if kind == moderation.Ban {
			h.disconnect(u, "banned")
		}
		return ip, nil

	case PromoteUserAdmin:
		return u.Username(), h.d.Users.SetRights(u.ID(), users.RightsAdmin)
	case PromoteUserMod:
		return u.Username(), h.d.Users.SetRights(u.ID(), users.RightsMod)
	case PromoteUserPlayer:
		return u.Username(), h.d.Users.SetRights(u.ID(), users.RightsPlayer)
	}
	return "", nil
}

func (h *Handler) disconnect(u *users.User, reason string) {
	if h.d.Disconnector != nil && u.Online() {
		h.d.Disconnector.Disconnect(u.ID(), reason)
	}
}

func (h *Handler) audit(ctx context.Context, issuer Issuer, cmd Command, target string, err error) {
	if h.d.Audit == nil {
		return
	}
	e := storage.AuditEntry{
		At:            time.Now(),
		ActorUsername: actorName(issuer),
		Action:        cmd.Code.String(),
		Code:          int(cmd.Code),
		TargetID:      cmd.Target,
		Target:        target,
		DurationDays:  cmd.DurationDays,
	}
	if u := issuer.User(); u != nil {
		e.ActorID = u.ID()
	}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := h.d.Audit.AppendAudit(ctx, e); aerr != nil {
		h.log.Warn("audit append failed", logx.Err(aerr))
	}
}

func actorName(issuer Issuer) string {
	if issuer == nil {
		return ""
	}
	if u := issuer.User(); u != nil {
		return u.Username()
	}
	if issuer.Trusted() {
		return "console"
	}
	return ""
}

func actorFields(issuer Issuer) []logx.Field {
	fields := []logx.Field{logx.String("actor", actorName(issuer))}
	if issuer != nil {
		if u := issuer.User(); u != nil {
			fields = append(fields, logx.Int64("actor_id", u.ID()), logx.String("rights", u.Rights().String()))
		}
	}
	return fields
}
