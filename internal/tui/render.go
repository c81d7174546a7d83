package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/matheus3301/fieldsync/internal/api"
)

// Render formats a status snapshot as tview color-tagged text.
func Render(st *api.Status, now time.Time) string {
	if st == nil {
		return "[gray]waiting for daemon...[-]"
	}
	var b strings.Builder

	fmt.Fprintf(&b, "[::b]profile[-:-:-]  %s\n\n", st.Profile)

	switch {
	case st.IsOffline:
		b.WriteString("[::b]network[-:-:-]  [red]offline[-]")
		if !st.LastOnlineAt.IsZero() {
			fmt.Fprintf(&b, "  (last online %s)", humanize.RelTime(st.LastOnlineAt, now, "ago", "from now"))
		}
	case st.WasOffline:
		b.WriteString("[::b]network[-:-:-]  [yellow]back online[-]")
	default:
		b.WriteString("[::b]network[-:-:-]  [green]online[-]")
	}
	b.WriteString("\n\n")

	pendingColor := "green"
	if st.Pending > 0 {
		pendingColor = "yellow"
	}
	fmt.Fprintf(&b, "[::b]pending[-:-:-]  [%s]%s[-]\n", pendingColor, humanize.Comma(st.Pending))
	if st.Failed > 0 {
		fmt.Fprintf(&b, "[::b]failed[-:-:-]   [red]%s[-]  (fieldsyncctl queue failed)\n", humanize.Comma(st.Failed))
	} else {
		b.WriteString("[::b]failed[-:-:-]   0\n")
	}
	if st.LastDrainAt.IsZero() {
		b.WriteString("[::b]drained[-:-:-]  never\n")
	} else {
		fmt.Fprintf(&b, "[::b]drained[-:-:-]  %s\n", humanize.RelTime(st.LastDrainAt, now, "ago", "from now"))
	}
	b.WriteString("\n")

	cache := humanize.Bytes(uint64(max(st.CacheBytes, 0)))
	if st.CacheBudget > 0 {
		cache += " / " + humanize.Bytes(uint64(st.CacheBudget))
	}
	fmt.Fprintf(&b, "[::b]videos[-:-:-]   %s\n", cache)
	return b.String()
}
