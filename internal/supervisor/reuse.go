package supervisor

import (
	"github.com/kingrea/the-loom/internal/backlog"
)

// Reuse scoring weights. Same-batch experience dominates, breadth of
// completions breaks ties, and accumulated context is a light nudge.
const (
	weightSameBatch = 10.0
	weightAnyBatch  = 1.0
	weightContext   = 0.1
)

// experience is one completed work stream in a worker's history.
type experience struct {
	itemID       string
	batch        int
	contextBytes int
}

func (s *Supervisor) recordExperience(workerID, personalName string, item backlog.Item) {
	bytes := len(buildContext(item, nil, s.cfg.Project.Worker.MaxContextBytes))
	s.mu.Lock()
	s.history[workerID] = append(s.history[workerID], experience{
		itemID:       item.ID,
		batch:        item.Batch,
		contextBytes: bytes,
	})
	if personalName != "" {
		s.names[workerID] = personalName
	}
	s.mu.Unlock()
}

// FindWorkerForItem scores idle past workers by how well their completion
// history fits an item and returns the best candidate id. Ids whose process
// is still live are skipped, and workers with no relevant signal score zero,
// so fresh items get fresh workers.
func (s *Supervisor) FindWorkerForItem(item backlog.Item) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bestID := ""
	bestScore := 0.0
	for workerID, record := range s.history {
		if e, ok := s.entries[workerID]; ok && !e.record.State().IsTerminal() {
			continue
		}
		score := 0.0
		kiloBytes := 0.0
		for _, exp := range record {
			if exp.batch == item.Batch {
				score += weightSameBatch
			}
			score += weightAnyBatch
			kiloBytes += float64(exp.contextBytes) / 1024.0
		}
		score += weightContext * kiloBytes
		if score > bestScore {
			bestScore = score
			bestID = workerID
		}
	}
	return bestID, bestID != ""
}

// ExperienceCount returns how many streams a worker has completed.
func (s *Supervisor) ExperienceCount(workerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history[workerID])
}
