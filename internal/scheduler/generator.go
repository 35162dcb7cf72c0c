// Package scheduler generates and executes scheduled observations: pass
// windows become ScheduledObservation rows, and the executor synthesizes
// internal sessions to run the same pipeline a live client would drive.
package scheduler

import (
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/cwsl/groundstation/internal/store"
	"github.com/cwsl/groundstation/internal/tracker"
)

// overlapMargin is the ±5 minute window within which two observations of
// the same satellite are considered duplicates.
const overlapMargin = 5 * time.Minute

// ConflictStrategy decides what happens when two candidate passes of
// different satellites overlap in time.
type ConflictStrategy string

const (
	// StrategyPriority keeps the pass with the higher peak elevation.
	StrategyPriority ConflictStrategy = "priority"
	// StrategySkip schedules neither conflicting pass.
	StrategySkip ConflictStrategy = "skip"
	// StrategyForce schedules both despite the overlap.
	StrategyForce ConflictStrategy = "force"
)

// PlanFunc supplies the session plans (SDR + tasks) for one satellite's
// observation; a nil/empty result skips the satellite.
type PlanFunc func(noradID int) []store.SessionPlan

// Generator turns upcoming pass windows into scheduled observations.
type Generator struct {
	st       store.Store
	loc      tracker.Location
	log      *log.Logger
	strategy ConflictStrategy

	lookahead    time.Duration
	minElevation float64
}

// NewGenerator creates a pass-window generator.
func NewGenerator(st store.Store, loc tracker.Location, lookahead time.Duration, minElevationDeg float64, strategy ConflictStrategy, logger *log.Logger) *Generator {
	if logger == nil {
		logger = log.Default()
	}
	if strategy == "" {
		strategy = StrategyPriority
	}
	return &Generator{
		st:           st,
		loc:          loc,
		log:          logger,
		strategy:     strategy,
		lookahead:    lookahead,
		minElevation: minElevationDeg,
	}
}

// overlaps reports whether [aStart,aEnd] and [bStart,bEnd] intersect once
// widened by margin.
func overlaps(aStart, aEnd, bStart, bEnd time.Time, margin time.Duration) bool {
	return aStart.Add(-margin).Before(bEnd) && bStart.Add(-margin).Before(aEnd)
}

// Generate computes upcoming passes and persists one ScheduledObservation
// per accepted pass. Returns the observations created this run.
func (g *Generator) Generate(plans PlanFunc) ([]store.ScheduledObservation, error) {
	passes, err := tracker.ComputePasses(g.st, g.loc, g.lookahead, g.minElevation, func(noradID int, reason string) {
		g.log.Printf("scheduler: skipping satellite %d: %s", noradID, reason)
	})
	if err != nil {
		return nil, err
	}

	existing, err := g.st.ListScheduledObservations()
	if err != nil {
		return nil, err
	}

	accepted := g.resolveConflicts(passes)

	var created []store.ScheduledObservation
	for _, pass := range accepted {
		if g.duplicateExists(existing, pass) {
			continue
		}
		sessions := plans(pass.NoradID)
		if len(sessions) == 0 {
			continue
		}

		obs := store.ScheduledObservation{
			ID:            uuid.New().String(),
			NoradID:       pass.NoradID,
			EventStartUTC: pass.AOS,
			EventEndUTC:   pass.LOS,
			TaskStartUTC:  pass.AOS,
			TaskEndUTC:    pass.LOS,
			Status:        store.ObsScheduled,
			Sessions:      sessions,
			GeneratedAt:   time.Now().UTC(),
		}
		if err := g.st.PutScheduledObservation(obs); err != nil {
			return created, fmt.Errorf("scheduler: persist observation: %w", err)
		}
		created = append(created, obs)
		existing = append(existing, obs)
		g.log.Printf("scheduler: scheduled observation %s for satellite %d (AOS=%s, peak=%.0f°)",
			obs.ID, pass.NoradID, pass.AOS.Format(time.RFC3339), pass.MaxElevDeg)
	}
	return created, nil
}

// duplicateExists checks the same-satellite ±5 min overlap rule against
// observations in a blocking status.
func (g *Generator) duplicateExists(existing []store.ScheduledObservation, pass tracker.Pass) bool {
	for _, obs := range existing {
		if obs.NoradID != pass.NoradID {
			continue
		}
		switch obs.Status {
		case store.ObsScheduled, store.ObsRunning, store.ObsCompleted:
		default:
			continue
		}
		if overlaps(pass.AOS, pass.LOS, obs.EventStartUTC, obs.EventEndUTC, overlapMargin) {
			return true
		}
	}
	return false
}

// resolveConflicts applies the configured strategy to overlapping passes of
// different satellites. Passes are considered in AOS order; under priority
// the higher peak elevation wins and the loser is logged as skipped.
func (g *Generator) resolveConflicts(passes []tracker.Pass) []tracker.Pass {
	if g.strategy == StrategyForce {
		return passes
	}

	sorted := make([]tracker.Pass, len(passes))
	copy(sorted, passes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].AOS.Before(sorted[j].AOS) })

	var accepted []tracker.Pass
	dropped := make(map[int]bool) // index into sorted

	for i := range sorted {
		if dropped[i] {
			continue
		}
		keep := true
		for j := i + 1; j < len(sorted); j++ {
			if dropped[j] {
				continue
			}
			if !overlaps(sorted[i].AOS, sorted[i].LOS, sorted[j].AOS, sorted[j].LOS, 0) {
				break
			}
			switch g.strategy {
			case StrategySkip:
				dropped[j] = true
				keep = false
				g.log.Printf("scheduler: skipping overlapping passes of satellites %d and %d", sorted[i].NoradID, sorted[j].NoradID)
			default: // priority
				if sorted[j].MaxElevDeg > sorted[i].MaxElevDeg {
					keep = false
					g.log.Printf("scheduler: pass of satellite %d (peak %.0f°) skipped for satellite %d (peak %.0f°)",
						sorted[i].NoradID, sorted[i].MaxElevDeg, sorted[j].NoradID, sorted[j].MaxElevDeg)
				} else {
					dropped[j] = true
					g.log.Printf("scheduler: pass of satellite %d (peak %.0f°) skipped for satellite %d (peak %.0f°)",
						sorted[j].NoradID, sorted[j].MaxElevDeg, sorted[i].NoradID, sorted[i].MaxElevDeg)
				}
			}
			if !keep {
				break
			}
		}
		if keep {
			accepted = append(accepted, sorted[i])
		}
	}
	return accepted
}

// RunPeriodic regenerates passes every interval (default every 12 h) until
// stop is closed.
func (g *Generator) RunPeriodic(stop <-chan struct{}, interval time.Duration, plans PlanFunc, onGenerated func([]store.ScheduledObservation)) {
	if interval <= 0 {
		interval = 12 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		created, err := g.Generate(plans)
		if err != nil {
			g.log.Printf("scheduler: pass generation failed: %v", err)
		} else if len(created) > 0 && onGenerated != nil {
			onGenerated(created)
		}

		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}
