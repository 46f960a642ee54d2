package admin

import (
	"bufio"
	"context"
	"io"
	"strings"

	"mmoserver/internal/users"
	"mmoserver/pkg/logx"
)

// Console is the trusted local operator. Errors go to the log.
type Console struct {
	Log logx.Logger
}

func (Console) User() *users.User { return nil }
func (Console) Trusted() bool     { return true }

func (c Console) SendError(code int, message string) {
	c.Log.Warn("console command error", logx.Int("code", code), logx.String("message", message))
}

// ServeConsole reads one command per line from r until EOF or ctx is done.
// Blank lines and lines starting with '#' are skipped.
func (h *Handler) ServeConsole(ctx context.Context, r io.Reader) error {
	c := Console{Log: h.log.With(logx.String("issuer", "console"))}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cmd, err := ParseCommand(line)
		if err != nil {
			c.SendError(0, err.Error())
			continue
		}
		_ = h.Handle(ctx, c, cmd)
	}
	return sc.Err()
}
