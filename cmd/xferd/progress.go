package main

import (
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/Ning0612/xferd/internal/domain"
	"github.com/Ning0612/xferd/internal/events"
	"github.com/Ning0612/xferd/internal/progress"
)

const (
	barWidth      = 30
	printInterval = 500 * time.Millisecond
)

type transferLine struct {
	name     string
	meter    *progress.Meter
	throttle *progress.Throttle
}

// watch prints transfer events until the returned function is called
func (c *cli) watch(bus *events.Bus) func() {
	if c.quiet {
		return func() {}
	}

	var mu sync.Mutex
	lines := make(map[string]*transferLine)

	unsubs := []events.Unsubscribe{
		bus.OnStart(func(e events.StartEvent) {
			mu.Lock()
			defer mu.Unlock()
			lines[e.Session.ID] = &transferLine{
				name:     label(e.Session),
				meter:    progress.NewMeter(),
				throttle: progress.NewThrottle(printInterval, time.Now),
			}
			fmt.Fprintf(c.out, "%s %s %s\n", shortID(e.Session.ID), e.Session.Type, label(e.Session))
		}),
		bus.OnProgress(func(e events.ProgressEvent) {
			mu.Lock()
			defer mu.Unlock()
			line, ok := lines[e.ID]
			if !ok {
				return
			}
			line.meter.Update(e.Transferred)
			if !line.throttle.Allow() {
				return
			}
			total := "?"
			if e.Total > 0 {
				total = progress.FormatBytes(e.Total)
			}
			fmt.Fprintf(c.out, "%s %s %s / %s  %s  %s\n", shortID(e.ID), progress.FormatProgress(e.Progress, barWidth),
				progress.FormatBytes(e.Transferred), total, progress.FormatSpeed(line.meter.BytesPerSecond()), line.name)
		}),
		bus.OnEnd(func(e events.EndEvent) {
			mu.Lock()
			defer mu.Unlock()
			delete(lines, e.Session.ID)
			fmt.Fprintf(c.out, "%s %s %s (%s)\n", shortID(e.Session.ID), e.Session.Status, label(e.Session),
				progress.FormatBytes(e.Session.TransferredSize))
		}),
		bus.OnError(func(e events.ErrorEvent) {
			mu.Lock()
			defer mu.Unlock()
			delete(lines, e.Session.ID)
			fmt.Fprintf(c.out, "%s failed %s [%s]: %s\n", shortID(e.Session.ID), label(e.Session), domain.KindOf(e.Err), e.Session.Error)
		}),
	}

	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

func label(s domain.TransferSession) string {
	return path.Base(s.RemotePath)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
