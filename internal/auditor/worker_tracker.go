package auditor

import (
	"maps"
	"time"

	"github.com/mongodb-labs/orphan-auditor/msync"
)

// WorkerTracker records what each scan worker is doing.
type WorkerTracker struct {
	guard *msync.DataGuard[WorkerStatusMap]
}

type WorkerStatusMap = map[int]WorkerStatus

// WorkerStatus describes a worker’s current pair. A zero StartTime means
// the worker is idle.
type WorkerStatus struct {
	Namespace string    `json:"namespace,omitempty"`
	ChunkID   string    `json:"chunkId,omitempty"`
	Shard     string    `json:"shard,omitempty"`
	StartTime time.Time `json:"startTime"`
}

func NewWorkerTracker(workersCount int) *WorkerTracker {
	wsmap := WorkerStatusMap{}
	for i := range workersCount {
		wsmap[i] = WorkerStatus{}
	}
	return &WorkerTracker{
		guard: msync.NewDataGuard(wsmap),
	}
}

func (wt *WorkerTracker) Set(workerNum int, pair scanPair) {
	wt.guard.Store(func(m WorkerStatusMap) WorkerStatusMap {
		m[workerNum] = WorkerStatus{
			Namespace: pair.chunk.Namespace,
			ChunkID:   pair.chunk.ID.String(),
			Shard:     pair.shard.ID,
			StartTime: time.Now(),
		}

		return m
	})
}

func (wt *WorkerTracker) Unset(workerNum int) {
	wt.guard.Store(func(m WorkerStatusMap) WorkerStatusMap {
		m[workerNum] = WorkerStatus{}

		return m
	})
}

// Load returns a copy of the workers’ statuses.
func (wt *WorkerTracker) Load() WorkerStatusMap {
	var wtmap WorkerStatusMap
	wt.guard.Load(func(m WorkerStatusMap) {
		wtmap = maps.Clone(m)
	})

	return wtmap
}

// ActiveCount returns how many workers are scanning a pair.
func (wt *WorkerTracker) ActiveCount() int {
	count := 0
	wt.guard.Load(func(m WorkerStatusMap) {
		for _, status := range m {
			if !status.StartTime.IsZero() {
				count++
			}
		}
	})

	return count
}
