// Package pipeline holds the stage wiring shared by every worker: queue
// names, message encoding, the retry/dead-letter policy and the runner that
// applies it to fabric deliveries.
package pipeline

import (
	"fmt"
	"strings"

	"github.com/kirillkom/paperless-pipeline/internal/core/domain"
)

const deadLetterSuffix = ".dead"

// Queues names the queue in front of each consuming stage.
type Queues struct {
	Extraction    string `yaml:"extraction"`
	Summarization string `yaml:"summarization"`
	Consolidation string `yaml:"consolidation"`
	Indexing      string `yaml:"indexing"`
}

func DefaultQueues() Queues {
	return Queues{
		Extraction:    "pipeline.extraction",
		Summarization: "pipeline.summarization",
		Consolidation: "pipeline.consolidation",
		Indexing:      "pipeline.indexing",
	}
}

// For returns the input queue of stage.
func (q Queues) For(stage domain.Stage) (string, error) {
	switch stage {
	case domain.StageExtraction:
		return q.Extraction, nil
	case domain.StageSummarization:
		return q.Summarization, nil
	case domain.StageConsolidation:
		return q.Consolidation, nil
	case domain.StageIndexing:
		return q.Indexing, nil
	}
	return "", fmt.Errorf("%w: stage %q has no input queue", domain.ErrInvalidInput, stage)
}

func (q Queues) All() []string {
	return []string{q.Extraction, q.Summarization, q.Consolidation, q.Indexing}
}

func (q Queues) Validate() error {
	seen := make(map[string]struct{}, 4)
	for _, name := range q.All() {
		name = strings.TrimSpace(name)
		if name == "" {
			return fmt.Errorf("%w: queue names must not be empty", domain.ErrInvalidInput)
		}
		if strings.HasSuffix(name, deadLetterSuffix) {
			return fmt.Errorf("%w: queue %q uses the dead-letter suffix", domain.ErrInvalidInput, name)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: queue %q configured twice", domain.ErrInvalidInput, name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

func DeadLetterQueue(queue string) string {
	return queue + deadLetterSuffix
}
