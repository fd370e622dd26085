package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"animebot/internal/transport/telegram/router"
	"animebot/pkg/tgui"
)

const statusJobsShown = 15

func (h *Handlers) status(ctx context.Context, req *router.Request) error {
	snap := h.sched.Snapshot()
	eng := snap.Engine

	var b strings.Builder
	b.WriteString(tgui.B("Scheduler").String())
	fmt.Fprintf(&b, "\ntimezone: %s\narmed jobs: %d", tgui.Esc(snap.Timezone), len(snap.Jobs))
	fmt.Fprintf(&b, "\nworkers: %d (in flight %d)\nqueue: %d/%d, dropped %d", eng.Workers, eng.InFlight, eng.QueueLen, eng.QueueCap, eng.Dropped)

	now := h.now()
	for i, j := range snap.Jobs {
		if i == statusJobsShown {
			fmt.Fprintf(&b, "\n… and %d more", len(snap.Jobs)-statusJobsShown)
			break
		}
		next := "-"
		if !j.Next.IsZero() {
			next = j.Next.Sub(now).Round(time.Second).String()
		}
		fmt.Fprintf(&b, "\n%s in %s", tgui.Code(j.ID), next)
	}

	var failed int
	for _, it := range eng.History {
		if it.Error != "" {
			failed++
		}
	}
	fmt.Fprintf(&b, "\nrecent runs: %d (%d failed)", len(eng.History), failed)
	return req.ReplyHTML(ctx, b.String(), nil)
}
