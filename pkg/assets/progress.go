package assets

import (
	"context"
	"fmt"
	"sync"
)

// Stage is one step of a load. Stages are emitted in declaration order.
type Stage int

const (
	StageLoading Stage = iota
	StageBuildingTree
	StageProcessingLocations
	StageFetchingStructureInfo
	StagePreparingContainers
	StageLoadingNames
	StageSavingCache
	StageCompleted
)

var stageNames = [...]string{
	StageLoading:               "loading",
	StageBuildingTree:          "buildingTree",
	StageProcessingLocations:   "processingLocations",
	StageFetchingStructureInfo: "fetchingStructureInfo",
	StagePreparingContainers:   "preparingContainers",
	StageLoadingNames:          "loadingNames",
	StageSavingCache:           "savingCache",
	StageCompleted:             "completed",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("Stage(%d)", int(s))
	}
	return stageNames[s]
}

// Progress is a single loading event. Current and Total are only meaningful
// for loading (pages done / total pages), fetchingStructureInfo and
// loadingNames.
type Progress struct {
	Stage   Stage
	Current int
	Total   int
}

func (p Progress) String() string {
	switch p.Stage {
	case StageLoading:
		return fmt.Sprintf("%s(page %d/%d)", p.Stage, p.Current, p.Total)
	case StageFetchingStructureInfo, StageLoadingNames:
		return fmt.Sprintf("%s(%d/%d)", p.Stage, p.Current, p.Total)
	default:
		return p.Stage.String()
	}
}

// progressEmitter serializes callbacks from worker goroutines and drops
// anything that would move the stage backwards. Events also go to sink when
// one is set; a send gives up once done is closed.
type progressEmitter struct {
	mu     sync.Mutex
	fn     func(Progress)
	sink   chan<- Progress
	done   <-chan struct{}
	last   Stage
	active bool
}

func newProgressEmitter(fn func(Progress), sink chan<- Progress) *progressEmitter {
	return &progressEmitter{fn: fn, sink: sink}
}

// bind ties channel delivery to ctx.
func (e *progressEmitter) bind(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.done = ctx.Done()
}

func (e *progressEmitter) emit(p Progress) {
	if e == nil || (e.fn == nil && e.sink == nil) {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active && p.Stage < e.last {
		return
	}
	e.last = p.Stage
	e.active = true
	if e.fn != nil {
		e.fn(p)
	}
	if e.sink != nil {
		select {
		case e.sink <- p:
		case <-e.done:
		}
	}
}
