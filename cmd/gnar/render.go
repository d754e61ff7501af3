package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/term"

	"gnar-go/internal/feed"
)

const (
	defaultWidth = 80
	clearScreen  = "\033[H\033[2J"
)

// watch starts f and redraws it on every change until ctx is done.
func watch(ctx context.Context, f *feed.Feed, viewer string, w io.Writer) error {
	dirty := make(chan struct{}, 1)
	remove := f.OnChange(func() {
		select {
		case dirty <- struct{}{}:
		default:
		}
	})
	defer remove()

	if err := f.Start(ctx); err != nil {
		return err
	}
	defer f.Stop()

	interactive := isTerminal(os.Stdout)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-dirty:
		}

		if interactive {
			fmt.Fprint(w, clearScreen)
		}
		renderFeed(w, f.Items(), viewer, terminalWidth())
		if err := f.Err(); err != nil {
			return err
		}
	}
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func terminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return defaultWidth
	}
	return width
}

// renderFeed writes one block per item, each line cut to width.
func renderFeed(w io.Writer, items []feed.FeedItem, viewer string, width int) {
	if len(items) == 0 {
		fmt.Fprintln(w, "No posts yet.")
		return
	}

	rule := strings.Repeat("-", max(width, 1))
	for i, it := range items {
		if i > 0 {
			fmt.Fprintln(w, rule)
		}
		p := it.Post

		header := fmt.Sprintf("%s  @%s", p.ID, p.Author)
		if p.CreatedAt != nil {
			header += "  " + p.CreatedAt.Local().Format("2006-01-02 15:04")
		}
		if p.Tag != "" {
			header += "  #" + p.Tag
		}
		fmt.Fprintln(w, truncate(header, width))

		if p.Text != "" {
			fmt.Fprintln(w, truncate("  "+p.Text, width))
		}
		if it.MediaKind != feed.MediaNone {
			media := fmt.Sprintf("  [%s] %s", it.MediaKind, it.MediaURL)
			if it.InView {
				media += "  (playing)"
			}
			fmt.Fprintln(w, truncate(media, width))
		}

		likes := fmt.Sprintf("  %d like(s)", len(p.Likers))
		if p.LikedBy(viewer) {
			likes += ", including you"
		}
		fmt.Fprintf(w, "%s  %d comment(s)\n", likes, len(p.Comments))
		for _, c := range p.Comments {
			fmt.Fprintln(w, truncate(fmt.Sprintf("    @%s: %s", c.Author, c.Text), width))
		}
	}
}

func printProfile(w io.Writer, p feed.Profile) {
	fmt.Fprintf(w, "Handle:      @%s\n", p.Handle)
	fmt.Fprintf(w, "Gnar points: %d\n", p.GnarPoints)
	if p.Bio != "" {
		fmt.Fprintf(w, "Bio:         %s\n", p.Bio)
	}
	if p.Email != "" {
		fmt.Fprintf(w, "Email:       %s\n", p.Email)
	}
	if p.Instagram != "" {
		fmt.Fprintf(w, "Instagram:   %s\n", p.Instagram)
	}
	if p.ProfileImageURL != "" {
		fmt.Fprintf(w, "Image:       %s\n", p.ProfileImageURL)
	}
}

// truncate cuts s to at most width runes, marking the cut with "...".
func truncate(s string, width int) string {
	if width <= 0 || utf8.RuneCountInString(s) <= width {
		return s
	}
	r := []rune(s)
	if width <= 3 {
		return string(r[:width])
	}
	return string(r[:width-3]) + "..."
}
