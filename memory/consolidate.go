package memory

import (
	"context"
	"time"

	"github.com/calderahq/caldera"
)

const (
	// consolidationAge is how old a low-importance episodic memory must be
	// before promotion to semantic.
	consolidationAge = 7 * 24 * time.Hour
	// consolidationImportance is the cutoff under which old episodic
	// memories are candidates for promotion.
	consolidationImportance = 0.3
	// consolidationBoost is applied to importance on promotion.
	consolidationBoost = 1.2

	// DefaultConsolidationInterval is the periodic maintenance cadence.
	DefaultConsolidationInterval = time.Hour
)

// ConsolidationReport summarizes one consolidation pass.
type ConsolidationReport struct {
	Consolidated int      `json:"consolidated"`
	Archived     int      `json:"archived"`
	Deleted      int      `json:"deleted"`
	Errors       []string `json:"errors,omitempty"`
}

// Consolidate runs one maintenance pass for the agent: expired entries are
// deleted, and low-importance episodic entries older than seven days are
// promoted to semantic with their importance boosted by 1.2x, capped at 1.
func (s *Store) Consolidate(ctx context.Context, agentID string) (ConsolidationReport, error) {
	var report ConsolidationReport
	now := caldera.NowUnixMilli()

	deleted, err := s.backend.DeleteExpired(ctx, agentID, now)
	if err != nil {
		return report, caldera.BackendError("delete expired memories", err)
	}
	report.Deleted = deleted

	cutoff := now - consolidationAge.Milliseconds()
	candidates, err := s.backend.ListMemories(ctx, Filter{
		AgentID: agentID,
		Type:    caldera.MemoryEpisodic,
		Until:   cutoff,
	})
	if err != nil {
		return report, caldera.BackendError("list consolidation candidates", err)
	}

	for _, e := range candidates {
		if e.Importance >= consolidationImportance {
			continue
		}
		boosted := e.Importance * consolidationBoost
		if boosted > 1 {
			boosted = 1
		}
		if err := s.backend.PromoteMemory(ctx, e.ID, caldera.MemorySemantic, boosted); err != nil {
			report.Errors = append(report.Errors, e.ID+": "+err.Error())
			continue
		}
		report.Consolidated++
	}

	s.invalidate(agentID, "")
	s.logger.Info("memory consolidation finished",
		"agent", agentID, "deleted", report.Deleted,
		"consolidated", report.Consolidated, "errors", len(report.Errors))
	return report, nil
}

// AgentLister enumerates agent ids that own memories, used by the periodic
// consolidation loop to know whom to maintain.
type AgentLister interface {
	ListAgentIDs(ctx context.Context) ([]string, error)
}

// StartConsolidation runs Consolidate for every known agent on a fixed
// interval until ctx is cancelled. Runs never overlap: the next tick is
// armed only after the current pass finishes.
func (s *Store) StartConsolidation(ctx context.Context, agents AgentLister, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultConsolidationInterval
	}

	go func() {
		timer := time.NewTimer(interval)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}

			ids, err := agents.ListAgentIDs(ctx)
			if err != nil {
				s.logger.Warn("consolidation: list agents", "error", err)
			}
			for _, id := range ids {
				if ctx.Err() != nil {
					return
				}
				if _, err := s.Consolidate(ctx, id); err != nil {
					s.logger.Warn("consolidation pass failed", "agent", id, "error", err)
				}
			}

			timer.Reset(interval)
		}
	}()
}
