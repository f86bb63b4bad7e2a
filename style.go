package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/dgnsrekt/wavecache/internal/wavedata"
)

var (
	keywordStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("204")).Background(lipgloss.Color("235"))
	paragraphStyle = lipgloss.NewStyle().Width(78).Padding(0, 0, 0, 2)

	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Width(14)
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	missingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
)

func keyword(s string) string {
	return keywordStyle.Render(s)
}

func paragraph(s string) string {
	return paragraphStyle.Render(s)
}

func row(label, value string) string {
	return labelStyle.Render(label) + value
}

// renderUsage writes a memory report for humans.
func renderUsage(w io.Writer, u wavedata.MemoryUsage) error {
	capacity := "unlimited"
	if u.MaxBytes > 0 {
		capacity = fmt.Sprintf("%s (%.1f%%)", humanize.IBytes(uint64(u.MaxBytes)), u.Percent)
	}

	lines := []string{
		row("files", fmt.Sprintf("%d", u.Entries)),
		row("resident", humanize.IBytes(uint64(u.Bytes))),
		row("budget", capacity),
		row("static", humanize.IBytes(uint64(u.StaticUsed))+" of "+humanize.IBytes(uint64(u.StaticSize))),
		row("stream", fmt.Sprintf("%s of %s, %d blocks",
			humanize.IBytes(uint64(u.StreamBytes())), humanize.IBytes(uint64(u.StreamPoolSize)), u.StreamBlocks)),
		row("dead", fmt.Sprintf("%d", u.DeadBuffers)),
	}

	for _, f := range u.Files {
		state := missingStyle.Render("not resident")
		if f.Resident {
			state = okStyle.Render(humanize.IBytes(uint64(f.Bytes)))
		}
		lines = append(lines, row("file", state+" "+f.Name))
	}
	for _, group := range []struct {
		title   string
		buffers []wavedata.BufferUsage
	}{
		{"pooled", u.Pooled},
		{"standard", u.Standard},
		{"streaming", u.Streaming},
	} {
		for _, b := range group.buffers {
			lines = append(lines, row(group.title, fmt.Sprintf("%s @%d, %d locks, %s",
				humanize.IBytes(uint64(b.Bytes)), b.Start, b.Locks, b.Name)))
		}
	}

	_, err := fmt.Fprintln(w, strings.Join(lines, "\n"))
	return err
}
