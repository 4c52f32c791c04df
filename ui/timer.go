package ui

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/canvas"
)

type timer struct {
	showMillis bool
	startTime  time.Time
	stopTime   time.Time
	mtx        *sync.Mutex
	text       *canvas.Text
}

func newTimer(showMillis bool) *timer {
	return &timer{
		showMillis: showMillis,
		mtx:        &sync.Mutex{},
		text:       canvas.NewText(formatElapsed(0, showMillis), nil),
	}
}

// Set restarts the timer from start
func (t *timer) Set(start time.Time) {
	t.mtx.Lock()
	t.startTime = start
	t.stopTime = time.Time{}
	t.mtx.Unlock()
}

// Stop freezes the displayed time
func (t *timer) Stop() {
	t.mtx.Lock()
	if !t.startTime.IsZero() && t.stopTime.IsZero() {
		t.stopTime = time.Now()
	}
	t.mtx.Unlock()
}

func (t *timer) elapsed(now time.Time) time.Duration {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if t.startTime.IsZero() {
		return 0
	}
	if !t.stopTime.IsZero() {
		return t.stopTime.Sub(t.startTime)
	}
	return now.Sub(t.startTime)
}

// Go refreshes the text until ctx is done
func (t *timer) Go(ctx context.Context) {
	d := time.Second
	if t.showMillis {
		d = 64 * time.Millisecond
	}

	go func() {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				text := formatElapsed(t.elapsed(now), t.showMillis)
				fyne.Do(func() {
					t.text.Text = text
					t.text.Refresh()
				})
			}
		}
	}()
}

func formatElapsed(elapsed time.Duration, showMillis bool) string {
	minutes := int(elapsed.Minutes())
	seconds := int(elapsed.Seconds()) % 60
	if showMillis {
		millis := int(elapsed.Milliseconds()) % 1000
		return fmt.Sprintf("%02d:%02d.%03d", minutes, seconds, millis)
	}
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}
