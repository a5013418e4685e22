package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart    Stage = "RUN_START"
	StageRunDone     Stage = "RUN_DONE"
	StageRunError    Stage = "RUN_ERROR"
	StageRunCanceled Stage = "RUN_CANCELED"
	StageSourceStart Stage = "SOURCE_START"
	StageSourceDone  Stage = "SOURCE_DONE"
	StageSourceError Stage = "SOURCE_ERROR"
)

// Event captures one crawl milestone.
type Event struct {
	// RunID identifies the crawl run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// SourceID and Source scope SOURCE_* events.
	SourceID int
	Source   string
	// Total is the number of sources selected; set on RUN_START.
	Total    int
	Fetched  int
	Merged   int
	Chapters int
	// Dur is the source or run wall time on completion events.
	Dur time.Duration
	// Note carries error text for *_ERROR stages.
	Note string
}

// IsRunStage reports whether the stage describes the run as a whole.
func (s Stage) IsRunStage() bool {
	switch s {
	case StageRunStart, StageRunDone, StageRunError, StageRunCanceled:
		return true
	}
	return false
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError, StageRunCanceled:
	case StageSourceStart, StageSourceDone, StageSourceError:
		if e.Source == "" {
			return fmt.Errorf("%s requires source", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Fetched < 0 || e.Merged < 0 || e.Chapters < 0 || e.Total < 0 {
		return errors.New("counts must be >= 0")
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
