package app

import (
	"context"
	"strings"

	"mmoserver/internal/config"
	"mmoserver/pkg/logx"
)

// startConfigReload watches the config file and applies the live sections.
func (a *App) startConfigReload() {
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts and apply only the newest.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, fields, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(newCfg.LogSettings())

	if tc, err := newCfg.TickSettings(); err != nil {
		a.log.Warn("invalid tick config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(tc)
	}

	if err := a.applyJobs(newCfg.Jobs); err != nil {
		a.log.Warn("invalid jobs config; keeping previous", logx.Err(err))
	}
	a.jobs.SetTimezone(newCfg.Jobs.Timezone)

	if newCfg.Debug != oldCfg.Debug {
		if err := a.pprof.Apply(a.sup.Context(), newCfg.PprofSettings()); err != nil {
			a.log.Warn("pprof reconfigure failed", logx.Err(err))
		}
	}

	if len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)...)
}
