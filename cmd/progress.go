package cmd

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/khanhnv2901/arachne-lens/internal/domain/scan"
)

const progressLineWidth = 100

// progressPrinter redraws a single status line for the session it is fed.
type progressPrinter struct {
	out      io.Writer
	name     string
	mu       sync.Mutex
	session  scan.Session
	started  time.Time
	updates  chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
	following sync.WaitGroup
}

func newProgressPrinter(out io.Writer, name string) *progressPrinter {
	return &progressPrinter{
		out:     out,
		name:    name,
		started: time.Now(),
		updates: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (p *progressPrinter) Start() {
	go p.loop()
}

// Follow feeds every snapshot from sessions into the printer until the channel closes.
func (p *progressPrinter) Follow(sessions <-chan scan.Session) {
	p.following.Add(1)
	go func() {
		defer p.following.Done()
		for s := range sessions {
			p.Update(s)
		}
	}()
}

// Finish prints final as the last line. Every channel passed to Follow must be
// closed first, so no older snapshot can land after final.
func (p *progressPrinter) Finish(final scan.Session) {
	p.following.Wait()
	p.Update(final)
	p.Stop()
}

func (p *progressPrinter) Update(s scan.Session) {
	p.mu.Lock()
	p.session = s
	p.mu.Unlock()

	select {
	case p.updates <- struct{}{}:
	default:
	}
}

func (p *progressPrinter) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		p.mu.Lock()
		defer p.mu.Unlock()
		fmt.Fprintf(p.out, "\r%s\r", strings.Repeat(" ", progressLineWidth))
		fmt.Fprintln(p.out, p.lineLocked())
	})
}

func (p *progressPrinter) loop() {
	ticker := time.NewTicker(300 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-p.updates:
			p.print()
		case <-ticker.C:
			p.print()
		case <-p.done:
			return
		}
	}
}

func (p *progressPrinter) print() {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return
	default:
	}
	fmt.Fprintf(p.out, "\r%s", p.lineLocked())
}

func (p *progressPrinter) lineLocked() string {
	s := p.session
	line := fmt.Sprintf("[%s] Progress: %.1f%% Elapsed:%s", p.name, s.ProgressPercent,
		time.Since(p.started).Truncate(time.Second))
	if s.ParseFailures > 0 {
		line += fmt.Sprintf(" Skipped:%d", s.ParseFailures)
	}
	if s.LastCrawledURL != "" {
		line += " Last: " + s.LastCrawledURL
	}
	if len(line) > progressLineWidth {
		line = truncateUTF8(line, progressLineWidth-3) + "..."
	}
	return line
}

// truncateUTF8 cuts s to at most max bytes without splitting a rune.
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
