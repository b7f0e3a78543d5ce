package domain

import "fmt"

type ProcessingStatus string

const (
	StatusIngested   ProcessingStatus = "INGESTED"
	StatusExtracted  ProcessingStatus = "EXTRACTED"
	StatusSummarized ProcessingStatus = "SUMMARIZED"
	StatusIndexed    ProcessingStatus = "INDEXED"
	StatusFailed     ProcessingStatus = "FAILED"
)

type Stage string

const (
	StageIngestion     Stage = "ingestion"
	StageExtraction    Stage = "extraction"
	StageSummarization Stage = "summarization"
	StageConsolidation Stage = "consolidation"
	StageIndexing      Stage = "indexing"
)

func (s Stage) Valid() bool {
	switch s {
	case StageIngestion, StageExtraction, StageSummarization, StageConsolidation, StageIndexing:
		return true
	}
	return false
}

// Produces is the status a document holds once the stage has completed.
func (s Stage) Produces() ProcessingStatus {
	switch s {
	case StageIngestion:
		return StatusIngested
	case StageExtraction:
		return StatusExtracted
	case StageSummarization, StageConsolidation:
		return StatusSummarized
	case StageIndexing:
		return StatusIndexed
	}
	return ""
}

func (s ProcessingStatus) rank() int {
	switch s {
	case StatusIngested:
		return 1
	case StatusExtracted:
		return 2
	case StatusSummarized:
		return 3
	case StatusIndexed:
		return 4
	}
	return 0
}

func (s ProcessingStatus) Valid() bool {
	return s == StatusFailed || s.rank() > 0
}

// EffectiveStatus is the forward position of the document in its run.
// A failed document sits at the input status of the stage that failed.
func (d Document) EffectiveStatus() ProcessingStatus {
	if d.Status != StatusFailed {
		return d.Status
	}
	switch d.FailedStage.Produces() {
	case StatusExtracted:
		return StatusIngested
	case StatusSummarized:
		return StatusExtracted
	case StatusIndexed:
		return StatusSummarized
	}
	return StatusIngested
}

// Reached reports whether the document has passed through status.
func (d Document) Reached(status ProcessingStatus) bool {
	return d.EffectiveStatus().rank() >= status.rank()
}

// CheckTransition decides whether moving to next is a forward step.
// Equal or older targets are no-ops, skipping a stage is an error.
func CheckTransition(current, next ProcessingStatus) (bool, error) {
	if next.rank() == 0 {
		return false, fmt.Errorf("%w: unknown target status %q", ErrInvalidInput, next)
	}
	switch diff := next.rank() - current.rank(); {
	case diff <= 0:
		return false, nil
	case diff == 1:
		return true, nil
	default:
		return false, fmt.Errorf("%w: %s -> %s", ErrOutOfOrder, current, next)
	}
}

// Advance moves the document to next when that is a forward step.
// It reports false when the document already reached next.
func (d *Document) Advance(next ProcessingStatus) (bool, error) {
	apply, err := CheckTransition(d.EffectiveStatus(), next)
	if err != nil || !apply {
		return false, err
	}
	d.Status = next
	d.FailedStage = ""
	d.FailureReason = ""
	return true, nil
}

// MarkFailed records a terminal stage failure unless the document already
// moved beyond the stage.
func (d *Document) MarkFailed(stage Stage, reason string) bool {
	if d.Reached(stage.Produces()) {
		return false
	}
	if d.Status == StatusFailed && d.FailedStage == stage && d.FailureReason == reason {
		return false
	}
	d.Status = StatusFailed
	d.FailedStage = stage
	d.FailureReason = reason
	return true
}
