package admin

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"mmoserver/internal/moderation"
	"mmoserver/internal/storage"
	"mmoserver/internal/users"
	"mmoserver/pkg/logx"
)

type sentError struct {
	Code    int
	Message string
}

type fakeIssuer struct {
	user    *users.User
	trusted bool
	errs    []sentError
}

func (f *fakeIssuer) User() *users.User { return f.user }
func (f *fakeIssuer) Trusted() bool     { return f.trusted }
func (f *fakeIssuer) SendError(code int, message string) {
	f.errs = append(f.errs, sentError{code, message})
}

type fakeScheduler struct {
	frozen   bool
	exits    int
	resolves int
}

func (f *fakeScheduler) RequestExit()             { f.exits++ }
func (f *fakeScheduler) Frozen() bool             { return f.frozen }
func (f *fakeScheduler) NotifyFailureResolution() { f.resolves++ }
func (f *fakeScheduler) TickCount() uint64        { return 0 }

type fakeRestarter struct{ names []string }

func (f *fakeRestarter) Restart(ctx context.Context, name string) error {
	f.names = append(f.names, name)
	return nil
}

type fakeDisconnector struct{ ids []int64 }

func (f *fakeDisconnector) Disconnect(id int64, reason string) { f.ids = append(f.ids, id) }

type fixture struct {
	h     *Handler
	sched *fakeScheduler
	rs    *fakeRestarter
	dc    *fakeDisconnector
	store storage.Store
	users *users.Manager
	mod   *moderation.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := storage.NewMemory()
	// Seed ids that match the wire examples.
	seed := []storage.UserRecord{
		{ID: 1, Username: "root", Rights: int(users.RightsAdmin)},
		{ID: 2, Username: "modder", Rights: int(users.RightsMod)},
		{ID: 3, Username: "player", Rights: int(users.RightsPlayer)},
		{ID: 42, Username: "mallory", Rights: int(users.RightsPlayer)},
	}
	if err := st.SaveUsers(ctx, seed); err != nil {
		t.Fatal(err)
	}
	um := users.New(st)
	if err := um.Load(ctx); err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		sched: &fakeScheduler{},
		rs:    &fakeRestarter{},
		dc:    &fakeDisconnector{},
		store: st,
		users: um,
		mod:   moderation.New(st),
	}
	f.h = New(Deps{
		Scheduler:    f.sched,
		Restarter:    f.rs,
		Users:        um,
		Moderation:   f.mod,
		Audit:        st,
		Disconnector: f.dc,
		Log:          logx.Nop(),
	})
	return f
}

func (f *fixture) login(t *testing.T, name, ip string) *fakeIssuer {
	t.Helper()
	u, err := f.users.Login(name, ip)
	if err != nil {
		t.Fatal(err)
	}
	return &fakeIssuer{user: u}
}

func (f *fixture) auditActions(t *testing.T) []string {
	t.Helper()
	es, err := f.store.RecentAudit(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	var out []string
	for _, e := range es {
		out = append(out, e.Action+":"+e.Target)
	}
	return out
}

func TestRejectsNonAdminForEveryCode(t *testing.T) {
	issuers := map[string]func(t *testing.T, f *fixture) *fakeIssuer{
		"not logged in": func(t *testing.T, f *fixture) *fakeIssuer { return &fakeIssuer{} },
		"player":        func(t *testing.T, f *fixture) *fakeIssuer { return f.login(t, "player", "10.0.0.3") },
		"mod":           func(t *testing.T, f *fixture) *fakeIssuer { return f.login(t, "modder", "10.0.0.2") },
	}
	for name, mk := range issuers {
		for _, code := range Codes() {
			t.Run(name+"/"+code.String(), func(t *testing.T) {
				f := newFixture(t)
				issuer := mk(t, f)
				_, _ = f.users.Login("mallory", "10.0.0.42")

				err := f.h.Handle(context.Background(), issuer, Command{Code: code, Target: 42, DurationDays: 7})
				if !errors.Is(err, ErrPermission) {
					t.Fatalf("err = %v, want ErrPermission", err)
				}
				want := []sentError{{PermissionError, "You do not have the correct permissions to do that."}}
				if diff := cmp.Diff(want, issuer.errs); diff != "" {
					t.Fatalf("error packets (-want +got):\n%s", diff)
				}
				if f.sched.exits+f.sched.resolves != 0 || len(f.rs.names) != 0 || len(f.dc.ids) != 0 {
					t.Fatal("rejected command changed server state")
				}
				if f.mod.IsActive(moderation.Ban, "mallory", "10.0.0.42") || f.mod.IsActive(moderation.Mute, "mallory", "10.0.0.42") {
					t.Fatal("rejected command added moderation")
				}
				if u, _ := f.users.ByID(42); u.Rights() != users.RightsPlayer {
					t.Fatalf("rejected command changed rights to %v", u.Rights())
				}
				if got := f.auditActions(t); len(got) != 0 {
					t.Fatalf("rejected command audited: %v", got)
				}
			})
		}
	}
}

func TestBanUser(t *testing.T) {
	f := newFixture(t)
	admin := f.login(t, "root", "10.0.0.1")
	_, _ = f.users.Login("mallory", "10.0.0.42")

	before := time.Now()
	if err := f.h.Handle(context.Background(), admin, Command{Code: BanUser, Target: 42, DurationDays: 7}); err != nil {
		t.Fatal(err)
	}
	rec, ok := f.mod.Lookup(moderation.Ban, "mallory")
	if !ok {
		t.Fatal("mallory not banned")
	}
	if span := rec.Until.Sub(before); span < 7*24*time.Hour || span > 7*24*time.Hour+time.Minute {
		t.Fatalf("ban span = %v", span)
	}
	if rec.By != "root" {
		t.Fatalf("ban issued by %q", rec.By)
	}
	if f.mod.IsActive(moderation.Ban, "10.0.0.42") {
		t.Fatal("BAN_USER must key by username, not IP")
	}
	if diff := cmp.Diff([]int64{42}, f.dc.ids); diff != "" {
		t.Fatalf("disconnects (-want +got):\n%s", diff)
	}
	if len(admin.errs) != 0 {
		t.Fatalf("admin got error packets: %v", admin.errs)
	}
	es, _ := f.store.RecentAudit(context.Background(), 1)
	want := storage.AuditEntry{ActorID: 1, ActorUsername: "root", Action: "BAN_USER", Code: 5, TargetID: 42, Target: "mallory", DurationDays: 7}
	if diff := cmp.Diff(want, es[0], cmpIgnoreAt()); diff != "" {
		t.Fatalf("audit (-want +got):\n%s", diff)
	}
}

func cmpIgnoreAt() cmp.Option {
	return cmp.FilterPath(func(p cmp.Path) bool { return p.String() == "At" }, cmp.Ignore())
}

func TestIPModerationUsesConnectionIP(t *testing.T) {
	f := newFixture(t)
	admin := f.login(t, "root", "10.0.0.1")
	_, _ = f.users.Login("mallory", "10.0.0.42")

	ctx := context.Background()
	_ = f.h.Handle(ctx, admin, Command{Code: IPMuteUser, Target: 42, DurationDays: 1})
	_ = f.h.Handle(ctx, admin, Command{Code: IPBanUser, Target: 42, DurationDays: 2})
	if !f.mod.IsActive(moderation.Mute, "10.0.0.42") || !f.mod.IsActive(moderation.Ban, "10.0.0.42") {
		t.Fatal("IP moderation not keyed by connection IP")
	}
	if f.mod.IsActive(moderation.Ban, "mallory") {
		t.Fatal("IP ban must not ban the username")
	}

	// Offline target: no connection, nothing to key on.
	f.users.Logout(42)
	if err := f.h.Handle(ctx, admin, Command{Code: IPBanUser, Target: 3, DurationDays: 2}); err != nil {
		t.Fatal(err)
	}
	if got := len(f.mod.Active(moderation.Ban)); got != 1 {
		t.Fatalf("active bans = %d, want 1", got)
	}
}

func TestMuteUser(t *testing.T) {
	f := newFixture(t)
	admin := f.login(t, "root", "10.0.0.1")
	if err := f.h.Handle(context.Background(), admin, Command{Code: MuteUser, Target: 42, DurationDays: 3}); err != nil {
		t.Fatal(err)
	}
	if !f.mod.IsActive(moderation.Mute, "mallory") || f.mod.IsActive(moderation.Ban, "mallory") {
		t.Fatal("MUTE_USER should only mute")
	}
	if len(f.dc.ids) != 0 {
		t.Fatal("mute must not disconnect")
	}
}

func TestRestartCodes(t *testing.T) {
	f := newFixture(t)
	admin := f.login(t, "root", "10.0.0.1")
	ctx := context.Background()

	for _, c := range []Code{RestartCharacterManager, RestartConnectionManager, RestartCycleProcessManager} {
		if err := f.h.Handle(ctx, admin, Command{Code: c}); err != nil {
			t.Fatal(err)
		}
	}
	if f.sched.resolves != 0 {
		t.Fatal("resolution notified while not frozen")
	}
	f.sched.frozen = true
	_ = f.h.Handle(ctx, admin, Command{Code: RestartNPCManager})
	if f.sched.resolves != 1 {
		t.Fatalf("resolves = %d, want 1", f.sched.resolves)
	}
	if diff := cmp.Diff([]string{"character", "connection", "cycle", "npc"}, f.rs.names); diff != "" {
		t.Fatalf("restarts (-want +got):\n%s", diff)
	}

	_ = f.h.Handle(ctx, admin, Command{Code: RestartServer})
	if f.sched.exits != 1 {
		t.Fatalf("exits = %d", f.sched.exits)
	}
	want := []string{
		"RESTART_CHARACTER_MANAGER:character",
		"RESTART_CONNECTION_MANAGER:connection",
		"RESTART_CYCLE_PROCESS_MANAGER:cycle",
		"RESTART_NPC_MANAGER:npc",
		"RESTART_SERVER:server",
	}
	if diff := cmp.Diff(want, f.auditActions(t)); diff != "" {
		t.Fatalf("audit (-want +got):\n%s", diff)
	}
}

func TestPromoteCodes(t *testing.T) {
	f := newFixture(t)
	admin := f.login(t, "root", "10.0.0.1")
	ctx := context.Background()
	steps := []struct {
		code Code
		want users.Rights
	}{
		{PromoteUserMod, users.RightsMod},
		{PromoteUserAdmin, users.RightsAdmin},
		{PromoteUserPlayer, users.RightsPlayer},
	}
	for _, s := range steps {
		if err := f.h.Handle(ctx, admin, Command{Code: s.code, Target: 42}); err != nil {
			t.Fatal(err)
		}
		if u, _ := f.users.ByID(42); u.Rights() != s.want {
			t.Fatalf("%s: rights = %v, want %v", s.code, u.Rights(), s.want)
		}
	}
}

func TestUnknownTargetIsSilentNoop(t *testing.T) {
	f := newFixture(t)
	admin := f.login(t, "root", "10.0.0.1")
	for _, c := range []Code{BanUser, IPBanUser, MuteUser, IPMuteUser, PromoteUserAdmin} {
		if err := f.h.Handle(context.Background(), admin, Command{Code: c, Target: 999, DurationDays: 1}); err != nil {
			t.Fatalf("%s: %v", c, err)
		}
	}
	if len(admin.errs) != 0 || len(f.mod.Active(moderation.Ban)) != 0 || len(f.mod.Active(moderation.Mute)) != 0 {
		t.Fatal("unknown target changed state or replied with an error")
	}
}

func TestUnknownCodeIgnored(t *testing.T) {
	f := newFixture(t)
	admin := f.login(t, "root", "10.0.0.1")
	if err := f.h.Handle(context.Background(), admin, Command{Code: 77, Target: 42}); err != nil {
		t.Fatal(err)
	}
	if len(f.auditActions(t)) != 0 || len(admin.errs) != 0 {
		t.Fatal("unknown code should be ignored")
	}
}

func TestConsoleIsTrusted(t *testing.T) {
	f := newFixture(t)
	input := strings.Join([]string{
		"# operator session",
		"",
		"PROMOTE_USER_MOD 42",
		"7 42 2",
		"nonsense",
	}, "\n")
	if err := f.h.ServeConsole(context.Background(), strings.NewReader(input)); err != nil {
		t.Fatal(err)
	}
	if u, _ := f.users.ByID(42); u.Rights() != users.RightsMod {
		t.Fatalf("rights = %v", u.Rights())
	}
	if !f.mod.IsActive(moderation.Mute, "mallory") {
		t.Fatal("console mute not applied")
	}
	es, _ := f.store.RecentAudit(context.Background(), 0)
	if len(es) != 2 || es[0].ActorUsername != "console" || es[0].ActorID != 0 {
		t.Fatalf("audit = %+v", es)
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in   string
		want Command
		err  bool
	}{
		{in: "5 42 7", want: Command{Code: BanUser, Target: 42, DurationDays: 7}},
		{in: "ban_user 42 7", want: Command{Code: BanUser, Target: 42, DurationDays: 7}},
		{in: "RESTART_NPC_MANAGER", want: Command{Code: RestartNPCManager}},
		{in: "", err: true},
		{in: "BAN_USER x", err: true},
		{in: "FLY 1", err: true},
		{in: "1 2 3 4", err: true},
	}
	for _, tt := range tests {
		got, err := ParseCommand(tt.in)
		if (err != nil) != tt.err {
			t.Errorf("ParseCommand(%q) err = %v", tt.in, err)
			continue
		}
		if diff := cmp.Diff(tt.want, got); !tt.err && diff != "" {
			t.Errorf("ParseCommand(%q) (-want +got):\n%s", tt.in, diff)
		}
	}
}

func TestCodeWireValues(t *testing.T) {
	want := []string{
		"RESTART_SERVER", "RESTART_CHARACTER_MANAGER", "RESTART_CONNECTION_MANAGER",
		"RESTART_CYCLE_PROCESS_MANAGER", "RESTART_NPC_MANAGER", "BAN_USER", "IP_BAN_USER",
		"MUTE_USER", "IP_MUTE_USER", "PROMOTE_USER_ADMIN", "PROMOTE_USER_MOD", "PROMOTE_USER_PLAYER",
	}
	var got []string
	for i, c := range Codes() {
		if int(c) != i {
			t.Fatalf("code %s has wire value %d, want %d", c, c, i)
		}
		got = append(got, c.String())
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("codes (-want +got):\n%s", diff)
	}
}
