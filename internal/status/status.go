// Package status renders the engine's schedule and last decisions for
// operators, either as plain text or as an interactive table.
package status

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/amishk599/autobid/internal/model"
	"github.com/amishk599/autobid/internal/schedule"
)

// RateWindow reports the remaining shared cooldown.
type RateWindow interface {
	Remaining(ctx context.Context) (time.Duration, error)
}

// Snapshot is everything the status views show, read at one instant.
type Snapshot struct {
	Entries       []model.ScheduleEntry
	Decisions     map[string]model.JobDecision
	RateLimitLeft time.Duration
	TakenAt       time.Time
}

// Row is one line of the status table.
type Row struct {
	JobID     string
	Scheduled bool
	NextDue   time.Time
	Interval  time.Duration
	Decision  *model.JobDecision
}

// Collect reads the persisted schedule, decisions and cooldown.
func Collect(ctx context.Context, states *schedule.Store, window RateWindow, now time.Time) (Snapshot, error) {
	t := schedule.NewTable()
	if _, err := states.LoadInto(ctx, t); err != nil {
		return Snapshot{}, err
	}
	decisions, err := states.Decisions(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	left, err := window.Remaining(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading rate-limit window: %w", err)
	}
	return Snapshot{
		Entries:       t.Snapshot(),
		Decisions:     decisions,
		RateLimitLeft: left,
		TakenAt:       now,
	}, nil
}

// Rows merges entries and decisions. Scheduled jobs come first, soonest due
// first; finished jobs follow, most recent decision first.
func (s Snapshot) Rows() []Row {
	rows := make([]Row, 0, len(s.Entries)+len(s.Decisions))
	seen := make(map[string]bool, len(s.Entries))
	for _, e := range s.Entries {
		r := Row{JobID: e.JobID, Scheduled: true, NextDue: e.NextDue, Interval: e.Interval}
		if d, ok := s.Decisions[e.JobID]; ok {
			r.Decision = &d
		}
		rows = append(rows, r)
		seen[e.JobID] = true
	}
	for id, d := range s.Decisions {
		d := d
		if seen[id] {
			continue
		}
		rows = append(rows, Row{JobID: id, Decision: &d})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Scheduled != b.Scheduled {
			return a.Scheduled
		}
		if a.Scheduled {
			if !a.NextDue.Equal(b.NextDue) {
				return a.NextDue.Before(b.NextDue)
			}
			return a.JobID < b.JobID
		}
		if !a.Decision.DecidedAt.Equal(b.Decision.DecidedAt) {
			return a.Decision.DecidedAt.After(b.Decision.DecidedAt)
		}
		return a.JobID < b.JobID
	})
	return rows
}

// Cells formats r for display relative to now.
func (r Row) Cells(now time.Time) []string {
	due, interval := "-", "-"
	if r.Scheduled {
		due = relative(r.NextDue, now)
		interval = r.Interval.Round(time.Second).String()
	}
	outcome, reason, amount := "-", "-", ""
	if r.Decision != nil {
		outcome = string(r.Decision.Outcome)
		reason = r.Decision.Reason
		if r.Decision.Amount > 0 {
			amount = fmt.Sprintf("%.2f %s", r.Decision.Amount, r.Decision.Currency)
		}
	}
	return []string{r.JobID, due, interval, outcome, reason, amount}
}

// Headers are the column titles matching Row.Cells.
var Headers = []string{"JOB", "NEXT DUE", "INTERVAL", "OUTCOME", "REASON", "AMOUNT"}

func relative(t, now time.Time) string {
	d := t.Sub(now).Round(time.Second)
	if d <= 0 {
		return "due"
	}
	return "in " + d.String()
}

// RateLimitLine describes the cooldown window.
func (s Snapshot) RateLimitLine() string {
	if s.RateLimitLeft <= 0 {
		return "rate limit: clear"
	}
	return fmt.Sprintf("rate limit: cooling down, %s left", s.RateLimitLeft.Round(time.Second))
}

// RenderPlain writes s as an aligned text table.
func RenderPlain(w io.Writer, s Snapshot) error {
	if _, err := fmt.Fprintf(w, "%s, %d scheduled\n\n", s.RateLimitLine(), len(s.Entries)); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(Headers, "\t"))
	for _, r := range s.Rows() {
		fmt.Fprintln(tw, strings.Join(r.Cells(s.TakenAt), "\t"))
	}
	return tw.Flush()
}

// RenderState writes the view of a single job.
func RenderState(w io.Writer, st model.ScheduleState, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "job\t%s\n", st.JobID)
	fmt.Fprintf(tw, "phase\t%s\n", st.Phase)
	if st.Scheduled {
		fmt.Fprintf(tw, "next due\t%s (%s)\n", st.NextDue.Format(time.RFC3339), relative(st.NextDue, now))
		fmt.Fprintf(tw, "interval\t%s\n", st.Interval.Round(time.Second))
	} else {
		fmt.Fprintln(tw, "scheduled\tno")
	}
	if d := st.LastDecision; d != nil {
		fmt.Fprintf(tw, "outcome\t%s\n", d.Outcome)
		fmt.Fprintf(tw, "reason\t%s\n", d.Reason)
		if d.Amount > 0 {
			fmt.Fprintf(tw, "amount\t%.2f %s\n", d.Amount, d.Currency)
		}
		if d.Error != "" {
			fmt.Fprintf(tw, "error\t%s\n", d.Error)
		}
		fmt.Fprintf(tw, "decided at\t%s\n", d.DecidedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}
