package controller

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Lars-Olof-Turesson/flowcal"
	"github.com/Lars-Olof-Turesson/flowcal/twchart"
)

const journalTimeout = 5 * time.Second

// Journal records runs on an external server. *twchart.Client implements it.
type Journal interface {
	CreateSession(ctx context.Context, name string, probes twchart.Probes) (string, error)
	SetStartTime(ctx context.Context, startTime time.Time) error
	AddEvent(ctx context.Context, note string, now time.Time) error
	AddStage(ctx context.Context, name string, now time.Time) error
	Done(ctx context.Context) error
}

var _ Journal = &twchart.Client{}

type noopJournal struct{}

var _ Journal = noopJournal{}

// AddEvent implements Journal.
func (n noopJournal) AddEvent(ctx context.Context, note string, now time.Time) error {
	return nil
}

// AddStage implements Journal.
func (n noopJournal) AddStage(ctx context.Context, name string, now time.Time) error {
	return nil
}

// CreateSession implements Journal.
func (n noopJournal) CreateSession(ctx context.Context, name string, probes twchart.Probes) (string, error) {
	return "", nil
}

// Done implements Journal.
func (n noopJournal) Done(ctx context.Context) error {
	return nil
}

// SetStartTime implements Journal.
func (n noopJournal) SetStartTime(ctx context.Context, startTime time.Time) error {
	return nil
}

// runJournal makes journal calls best-effort: failures are logged and never abort a run
type runJournal struct {
	journal     Journal
	sessionName string
	logger      *zap.SugaredLogger
}

func newRunJournal(journal Journal, sessionName string, logger *zap.SugaredLogger) *runJournal {
	return &runJournal{journal: journal, sessionName: sessionName, logger: logger}
}

func (j *runJournal) call(what string, f func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()

	err := f(ctx)
	if err != nil {
		j.logger.Warnw("error recording run", "call", what, "error", err)
	}
}

func (j *runJournal) begin(result *RunResult, channels [flowcal.LogChannels]flowcal.LogChannel) {
	name := j.sessionName
	if name == "" {
		name = result.Mode.String()
	}
	name += " " + result.ID

	names := make([]string, 0, len(channels))
	for _, ch := range channels {
		names = append(names, ch.Name)
	}

	j.call("CreateSession", func(ctx context.Context) error {
		_, err := j.journal.CreateSession(ctx, name, twchart.ChannelProbes(names...))
		return err
	})
}

func (j *runJournal) start(t time.Time) {
	j.call("SetStartTime", func(ctx context.Context) error {
		return j.journal.SetStartTime(ctx, t)
	})
}

func (j *runJournal) stage(name string) {
	j.call("AddStage", func(ctx context.Context) error {
		return j.journal.AddStage(ctx, name, time.Now())
	})
}

func (j *runJournal) event(note string) {
	j.call("AddEvent", func(ctx context.Context) error {
		return j.journal.AddEvent(ctx, note, time.Now())
	})
}

func (j *runJournal) done() {
	j.call("Done", j.journal.Done)
}
