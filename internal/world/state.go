package world

import (
	"github.com/agentarena/server/internal/physics"
)

// Part is a physics-backed or purely logical object owned by one instance.
// Accessed only from the instance's tick goroutine — no locks needed.
type Part struct {
	ID       ID
	Name     string
	Position physics.Vec3
	Yaw      float64
	Size     physics.Vec3
	Color    [3]float64
	Anchored bool

	// Body is zero for logic-only parts. Valid only for the lifetime of
	// the owning instance's physics world.
	Body physics.BodyHandle

	// Attributes are script-defined opaque values (string, float64, bool,
	// nested map/slice).
	Attributes map[string]any
}

// Player is an agent identity bound to one instance.
type Player struct {
	ID         ID
	AgentID    string
	Name       string
	Token      string // session token issued on join
	Position   physics.Vec3
	Yaw        float64
	Body       physics.BodyHandle
	Attributes map[string]any
	JoinedTick uint64

	// LastInput records the most recent applied input type, for
	// observation and debugging.
	LastInput string
}

// State is the per-instance entity/player registry: a generational arena
// for parts plus the roster of joined players. One State belongs to
// exactly one instance and is touched only by its tick loop.
type State struct {
	parts   *pool
	players *pool

	partsByID   map[ID]*Part
	playersByID map[ID]*Player

	byAgent map[string]*Player // agent id → player

	destroyQueue []destroyedPart // unregistered parts awaiting resource release
}

type destroyedPart struct {
	id   ID
	body physics.BodyHandle
}

func NewState() *State {
	return &State{
		parts:        newPool(),
		players:      newPool(),
		partsByID:    make(map[ID]*Part, 64),
		playersByID:  make(map[ID]*Player, 16),
		byAgent:      make(map[string]*Player, 16),
		destroyQueue: make([]destroyedPart, 0, 16),
	}
}

// AddPart allocates an arena slot and registers the part.
func (s *State) AddPart(p *Part) ID {
	p.ID = s.parts.create()
	if p.Attributes == nil {
		p.Attributes = make(map[string]any)
	}
	s.partsByID[p.ID] = p
	return p.ID
}

// GetPart resolves a part handle. Stale handles return nil.
func (s *State) GetPart(id ID) *Part {
	if !s.parts.alive(id) {
		return nil
	}
	return s.partsByID[id]
}

// MarkPartForDestruction unregisters a part at once and queues its slot
// for end-of-tick resource release. The part stops resolving immediately:
// it is gone from lookups, iteration and the next snapshot within the
// same tick, and stale handles raise on use. Marking twice is a no-op.
func (s *State) MarkPartForDestruction(id ID) {
	if !s.parts.alive(id) {
		return
	}
	p := s.partsByID[id]
	delete(s.partsByID, id)
	s.parts.destroy(id)
	s.destroyQueue = append(s.destroyQueue, destroyedPart{id: id, body: p.Body})
}

// FlushDestroyQueue drains the release queue, invoking fn for each
// destroyed part so the caller can free the physics body and any cached
// script refs.
func (s *State) FlushDestroyQueue(fn func(ID, physics.BodyHandle)) {
	for _, d := range s.destroyQueue {
		if fn != nil {
			fn(d.id, d.body)
		}
	}
	s.destroyQueue = s.destroyQueue[:0]
}

// EachPart iterates live parts.
func (s *State) EachPart(fn func(*Part)) {
	for id, p := range s.partsByID {
		if s.parts.alive(id) {
			fn(p)
		}
	}
}

// FindPart returns a live part with the given name, or nil.
func (s *State) FindPart(name string) *Part {
	for id, p := range s.partsByID {
		if s.parts.alive(id) && p.Name == name {
			return p
		}
	}
	return nil
}

func (s *State) PartCount() int { return len(s.partsByID) }

// AddPlayer registers a joined player. The caller has already checked the
// roster capacity and cross-instance exclusivity.
func (s *State) AddPlayer(p *Player) ID {
	p.ID = s.players.create()
	if p.Attributes == nil {
		p.Attributes = make(map[string]any)
	}
	s.playersByID[p.ID] = p
	s.byAgent[p.AgentID] = p
	return p.ID
}

// RemovePlayer drops a player from the roster and returns it, or nil if
// the agent is not joined.
func (s *State) RemovePlayer(agentID string) *Player {
	p, ok := s.byAgent[agentID]
	if !ok {
		return nil
	}
	delete(s.byAgent, agentID)
	delete(s.playersByID, p.ID)
	s.players.destroy(p.ID)
	return p
}

// GetPlayer resolves a player handle. Stale handles return nil.
func (s *State) GetPlayer(id ID) *Player {
	if !s.players.alive(id) {
		return nil
	}
	return s.playersByID[id]
}

// GetByAgent returns the player for an agent id, or nil.
func (s *State) GetByAgent(agentID string) *Player {
	return s.byAgent[agentID]
}

// EachPlayer iterates the current roster.
func (s *State) EachPlayer(fn func(*Player)) {
	for _, p := range s.playersByID {
		fn(p)
	}
}

func (s *State) PlayerCount() int { return len(s.playersByID) }
