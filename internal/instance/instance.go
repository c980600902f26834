package instance

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agentarena/server/internal/faults"
	"github.com/agentarena/server/internal/game"
	"github.com/agentarena/server/internal/physics"
	"github.com/agentarena/server/internal/scripting"
	"github.com/agentarena/server/internal/world"
)

// Instance is one running, stateful occurrence of a game definition. It
// exclusively owns its world registry, physics world, sandbox, input
// queue, chat log, and publisher; none are shared across instances.
//
// All simulation state is touched only by the tick goroutine. External
// callers interact through the Queue (writes) and the Publisher/ChatLog
// (reads), which are safe for concurrent access.
type Instance struct {
	ID  string
	Def *game.Definition

	log      *zap.Logger
	tickRate time.Duration

	queue   *Queue
	pub     *Publisher
	chat    *ChatLog
	state   *world.State
	phys    *physics.World
	sandbox *scripting.Sandbox
	pipe    pipeline

	// roster reservation, shared with submit goroutines
	rosterMu sync.Mutex
	joined   map[string]string // agent id → session token
	reserved int

	tick     uint64 // owned by the tick goroutine
	lastTick atomic.Uint64

	status   atomic.Value // Status
	faultMsg atomic.Value // string

	// onTerminate is invoked once from the tick goroutine when the
	// instance reaches StatusFinished on its own (script fault).
	onTerminate func(*Instance)

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// scratch for the input phase
	drained []Event
}

type instanceConfig struct {
	tickRate     time.Duration
	scriptBudget time.Duration
	queueLimit   int
}

func newInstance(id string, def *game.Definition, store scripting.DataStore, cfg instanceConfig, log *zap.Logger) (*Instance, error) {
	st := world.NewState()
	phys := physics.NewWorld()

	inst := &Instance{
		ID:       id,
		Def:      def,
		log:      log.With(zap.String("instance", id), zap.String("game", def.ID)),
		tickRate: cfg.tickRate,
		queue:    NewQueue(cfg.queueLimit),
		pub:      NewPublisher(),
		state:    st,
		phys:     phys,
		joined:   make(map[string]string, def.MaxPlayers),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	inst.chat = NewChatLog(id, inst.lastTick.Load)
	inst.status.Store(StatusWaiting)
	inst.faultMsg.Store("")

	inst.sandbox = scripting.NewSandbox(scripting.Host{
		GameID:  def.ID,
		World:   st,
		Physics: phys,
		Store:   store,
		Log:     inst.log,
	}, cfg.scriptBudget)

	// Validate the script before the instance is ever scheduled.
	if err := inst.sandbox.Boot(def.Proto); err != nil {
		inst.sandbox.Close()
		return nil, err
	}

	inst.pipe.register(PhaseInput, inst.applyInputs)
	inst.pipe.register(PhaseUpdate, inst.sandbox.FireHeartbeat)
	inst.pipe.register(PhasePhysics, func(dt float64) error {
		phys.Step(dt)
		return nil
	})
	inst.pipe.register(PhasePostStep, inst.sandbox.FireStepped)
	inst.pipe.register(PhaseOutput, inst.publish)
	inst.pipe.register(PhaseCleanup, inst.cleanup)

	return inst, nil
}

// Status returns the current lifecycle state.
func (i *Instance) Status() Status {
	return i.status.Load().(Status)
}

// run is the tick loop. One goroutine per instance; stopping is only
// observed between ticks, so an in-flight tick always completes before
// teardown.
func (i *Instance) run() {
	defer close(i.done)

	ticker := time.NewTicker(i.tickRate)
	defer ticker.Stop()

	dt := i.tickRate.Seconds()
	for {
		select {
		case <-ticker.C:
			if err := i.runTick(dt); err != nil {
				i.terminate(err)
				return
			}
		case <-i.stop:
			return
		}
	}
}

func (i *Instance) runTick(dt float64) error {
	i.tick++
	i.sandbox.BeginTick(i.tick)
	err := i.pipe.tick(dt)
	i.sandbox.EndTick()
	return err
}

// applyInputs drains the queue and applies the batch in enqueue order.
// Events from the same agent apply in submission order; events from
// different agents in receipt order, never prioritized by agent.
func (i *Instance) applyInputs(float64) error {
	i.drained = i.queue.Drain()
	for _, ev := range i.drained {
		var err error
		switch ev.Kind {
		case KindJoin:
			err = i.applyJoin(ev)
		case KindLeave:
			err = i.applyLeave(ev)
		case KindInput:
			err = i.applyInput(ev)
		}
		if err != nil {
			return err
		}
	}
	i.drained = nil
	return nil
}

func (i *Instance) applyJoin(ev Event) error {
	if i.state.GetByAgent(ev.AgentID) != nil {
		return nil // leave+rejoin collapsed into one tick
	}
	spawn := i.sandbox.SpawnPoint()
	body := i.phys.CreateBody(physics.Dynamic, spawn, physics.Vec3{X: 2, Y: 5, Z: 1})
	p := &world.Player{
		AgentID:    ev.AgentID,
		Name:       ev.PlayerName,
		Token:      ev.Token,
		Position:   spawn,
		Body:       body,
		JoinedTick: i.tick,
	}
	i.state.AddPlayer(p)
	if i.Status() == StatusWaiting {
		i.status.Store(StatusRunning)
	}
	return i.sandbox.FirePlayerAdded(p.ID)
}

func (i *Instance) applyLeave(ev Event) error {
	p := i.state.GetByAgent(ev.AgentID)
	if p == nil {
		return nil // idempotent
	}
	if err := i.sandbox.FirePlayerRemoving(p.ID); err != nil {
		return err
	}
	i.state.RemovePlayer(ev.AgentID)
	i.phys.RemoveBody(p.Body)
	i.sandbox.ForgetPlayer(p.ID)
	return nil
}

func (i *Instance) applyInput(ev Event) error {
	p := i.state.GetByAgent(ev.AgentID)
	if p == nil {
		return nil // left between enqueue and drain
	}
	p.LastInput = ev.Type
	return i.sandbox.DispatchInput(ev.Type, p.ID, ev.Data)
}

// publish snapshots post-step state under the new tick number.
func (i *Instance) publish(float64) error {
	i.syncPositions()
	i.pub.Publish(i.buildSnapshot(i.Status(), ""))
	i.lastTick.Store(i.tick)
	return nil
}

func (i *Instance) syncPositions() {
	i.state.EachPlayer(func(p *world.Player) {
		if !p.Body.IsZero() {
			p.Position = i.phys.Position(p.Body)
		}
	})
	i.state.EachPart(func(p *world.Part) {
		if !p.Body.IsZero() && !p.Anchored {
			p.Position = i.phys.Position(p.Body)
		}
	})
}

func (i *Instance) buildSnapshot(status Status, faultMsg string) *Snapshot {
	snap := &Snapshot{
		GameStatus: status,
		Tick:       i.tick,
		Error:      faultMsg,
		Players:    make([]PlayerView, 0, i.state.PlayerCount()),
		Entities:   make([]EntityView, 0, i.state.PartCount()),
	}
	i.state.EachPlayer(func(p *world.Player) {
		snap.Players = append(snap.Players, PlayerView{
			AgentID:    p.AgentID,
			Name:       p.Name,
			Position:   [3]float64{p.Position.X, p.Position.Y, p.Position.Z},
			Yaw:        p.Yaw,
			Attributes: copyAttrs(p.Attributes),
			LastInput:  p.LastInput,
		})
	})
	i.state.EachPart(func(p *world.Part) {
		snap.Entities = append(snap.Entities, EntityView{
			Name:       p.Name,
			Position:   [3]float64{p.Position.X, p.Position.Y, p.Position.Z},
			Yaw:        p.Yaw,
			Size:       [3]float64{p.Size.X, p.Size.Y, p.Size.Z},
			Color:      p.Color,
			Anchored:   p.Anchored,
			Attributes: copyAttrs(p.Attributes),
		})
	})
	return snap
}

// cleanup frees whatever destroyed parts still hold. The script bridge
// releases body and cached refs at the Destroy call itself; this pass
// covers destructions made outside the bridge. RemoveBody ignores stale
// handles, so releasing twice is harmless.
func (i *Instance) cleanup(float64) error {
	i.state.FlushDestroyQueue(func(id world.ID, h physics.BodyHandle) {
		if !h.IsZero() {
			i.phys.RemoveBody(h)
		}
		i.sandbox.ForgetPart(id)
	})
	return nil
}

// terminate stops the loop after a script fault. The fault is surfaced in
// the final snapshot's game_status and error; sibling instances are
// unaffected.
func (i *Instance) terminate(err error) {
	i.status.Store(StatusFinished)
	i.faultMsg.Store(err.Error())
	i.log.Error("instance terminated by script fault", zap.Error(err), zap.Uint64("tick", i.tick))

	i.pub.Publish(i.buildSnapshot(StatusFinished, err.Error()))
	i.lastTick.Store(i.tick)

	if i.onTerminate != nil {
		i.onTerminate(i)
	}
}

// reserve claims a player slot before the join event is enqueued, so
// capacity violations surface immediately to the caller.
func (i *Instance) reserve(agentID, token string) error {
	i.rosterMu.Lock()
	defer i.rosterMu.Unlock()
	if _, ok := i.joined[agentID]; ok {
		return faults.ErrConflict
	}
	if i.reserved >= i.Def.MaxPlayers {
		return faults.ErrResourceExhausted
	}
	i.joined[agentID] = token
	i.reserved++
	return nil
}

// release frees the slot. Idempotent.
func (i *Instance) release(agentID string) bool {
	i.rosterMu.Lock()
	defer i.rosterMu.Unlock()
	if _, ok := i.joined[agentID]; !ok {
		return false
	}
	delete(i.joined, agentID)
	i.reserved--
	return true
}

func (i *Instance) isJoined(agentID string) bool {
	i.rosterMu.Lock()
	defer i.rosterMu.Unlock()
	_, ok := i.joined[agentID]
	return ok
}

// releaseAll clears every reservation (instance teardown).
func (i *Instance) releaseAll() []string {
	i.rosterMu.Lock()
	defer i.rosterMu.Unlock()
	agents := make([]string, 0, len(i.joined))
	for a := range i.joined {
		agents = append(agents, a)
	}
	i.joined = make(map[string]string)
	i.reserved = 0
	return agents
}

// SubmitInput validates and enqueues an input event. Requires an active
// join; an input type without a registered handler is rejected at enqueue
// time and never disturbs the simulation.
func (i *Instance) SubmitInput(agentID, inputType string, data map[string]any) error {
	if i.Status() == StatusFinished {
		return faults.ErrNotFound
	}
	if !i.isJoined(agentID) {
		return faults.ErrNotFound
	}
	if !i.sandbox.HasInputHandler(inputType) {
		return faults.ErrInvalidInput
	}
	return i.queue.Enqueue(Event{
		Kind:       KindInput,
		Type:       inputType,
		Data:       data,
		AgentID:    agentID,
		ReceivedAt: time.Now(),
	})
}

// Observe returns the latest complete snapshot.
func (i *Instance) Observe() *Snapshot {
	return i.pub.Read()
}

// ObserveAs returns the snapshot plus the caller's own player view.
func (i *Instance) ObserveAs(agentID string) *Observation {
	snap := i.pub.Read()
	obs := &Observation{Snapshot: snap}
	for idx := range snap.Players {
		if snap.Players[idx].AgentID == agentID {
			obs.Player = &snap.Players[idx]
			break
		}
	}
	return obs
}

// Chat appends a message from a joined agent.
func (i *Instance) Chat(sender, text string) error {
	if !i.isJoined(sender) {
		return faults.ErrNotFound
	}
	i.chat.Append(sender, text)
	return nil
}

// ChatSince reads chat messages after the given sequence cursor.
func (i *Instance) ChatSince(seq uint64) []ChatMessage {
	return i.chat.ReadSince(seq)
}

func copyAttrs(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return copyAttrs(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = copyValue(e)
		}
		return out
	default:
		return x
	}
}
