package engine

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/jdziat/command-queue/pkg/core"
)

// syncLimitersLocked reconciles the limiter set with cfg.RateLimits.
// Existing limiters keep their tokens when only the rate changes.
func (e *Engine) syncLimitersLocked() {
	now := e.now()
	for tag, rl := range e.cfg.RateLimits {
		if rl.Every <= 0 || rl.Burst <= 0 {
			delete(e.limiters, tag)
			continue
		}
		limit := rate.Every(rl.Every)
		if lim, ok := e.limiters[tag]; ok {
			lim.SetLimitAt(now, limit)
			lim.SetBurstAt(now, rl.Burst)
			continue
		}
		e.limiters[tag] = rate.NewLimiter(limit, rl.Burst)
	}
	for tag := range e.limiters {
		if _, ok := e.cfg.RateLimits[tag]; !ok {
			delete(e.limiters, tag)
		}
	}
}

// expireBansLocked drops bans whose deadline has passed and returns their tags.
func (e *Engine) expireBansLocked(now time.Time) []string {
	var expired []string
	for tag, until := range e.bannedTags {
		if !now.Before(until) {
			delete(e.bannedTags, tag)
			expired = append(expired, tag)
		}
	}
	return expired
}

func (e *Engine) publishBanExpiry(tags []string, now time.Time) {
	for _, tag := range tags {
		e.log.Info().Str("tag", tag).Msg("tag ban expired")
		e.bus.Publish(&core.ControlChanged{
			Control:   core.ControlTag,
			Target:    tag,
			Paused:    e.IsTagPaused(tag),
			Timestamp: now,
		})
	}
}
