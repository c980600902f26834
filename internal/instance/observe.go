package instance

import (
	"sync/atomic"
)

// Status is the lifecycle state of an instance.
type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
)

// PlayerView is the observer-facing projection of a player.
type PlayerView struct {
	AgentID    string         `json:"agent_id"`
	Name       string         `json:"name"`
	Position   [3]float64     `json:"position"`
	Yaw        float64        `json:"yaw"`
	Attributes map[string]any `json:"attributes,omitempty"`
	LastInput  string         `json:"last_input,omitempty"`
}

// EntityView is the observer-facing projection of a part.
type EntityView struct {
	Name       string         `json:"name"`
	Position   [3]float64     `json:"position"`
	Yaw        float64        `json:"yaw,omitempty"`
	Size       [3]float64     `json:"size"`
	Color      [3]float64     `json:"color"`
	Anchored   bool           `json:"anchored"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Snapshot is an immutable copy of instance state taken after the physics
// step of a completed tick. Readers never observe a tick in progress.
type Snapshot struct {
	GameStatus Status       `json:"game_status"`
	Tick       uint64       `json:"tick"`
	Error      string       `json:"error,omitempty"`
	Players    []PlayerView `json:"players"`
	Entities   []EntityView `json:"entities"`
}

// Observation is the per-agent view of a snapshot: the shared state plus
// the caller's own player, so a polling agent reads its attributes
// without scanning the roster.
type Observation struct {
	*Snapshot
	Player *PlayerView `json:"player,omitempty"`
}

// Publisher holds the latest published snapshot. Publish replaces it
// atomically; Read never blocks on an in-progress tick.
type Publisher struct {
	cur atomic.Pointer[Snapshot]
}

func NewPublisher() *Publisher {
	p := &Publisher{}
	p.cur.Store(&Snapshot{GameStatus: StatusWaiting})
	return p
}

// Publish replaces the current snapshot. Only the owning tick loop calls
// this, so snapshot ticks are monotonically non-decreasing by
// construction.
func (p *Publisher) Publish(s *Snapshot) {
	p.cur.Store(s)
}

// Read returns the latest complete snapshot.
func (p *Publisher) Read() *Snapshot {
	return p.cur.Load()
}
