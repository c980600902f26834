package instance

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/agentarena/server/internal/faults"
	"github.com/agentarena/server/internal/game"
	"github.com/agentarena/server/internal/scripting"
)

// ManagerConfig bounds the manager's concurrency and per-instance
// runtime parameters.
type ManagerConfig struct {
	MaxInstances int           // instance-creation capacity
	TickRate     time.Duration // default 50ms (20 ticks/sec)
	ScriptBudget time.Duration // per-tick lua execution budget
	QueueLimit   int           // per-instance input backlog cap
}

func (c *ManagerConfig) applyDefaults() {
	if c.MaxInstances <= 0 {
		c.MaxInstances = 64
	}
	if c.TickRate <= 0 {
		c.TickRate = 50 * time.Millisecond
	}
	if c.ScriptBudget <= 0 {
		c.ScriptBudget = 25 * time.Millisecond
	}
	if c.QueueLimit <= 0 {
		c.QueueLimit = 4096
	}
}

// Manager owns the set of live instances. Instances run concurrently and
// are isolated; the only resource they share is the datastore.
type Manager struct {
	cfg   ManagerConfig
	store scripting.DataStore
	log   *zap.Logger

	mu         sync.Mutex
	instances  map[string]*Instance
	agentJoins map[string]string // agent id → instance id, enforces one join per agent
}

func NewManager(cfg ManagerConfig, store scripting.DataStore, log *zap.Logger) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:        cfg,
		store:      store,
		log:        log,
		instances:  make(map[string]*Instance, cfg.MaxInstances),
		agentJoins: make(map[string]string, 64),
	}
}

// Create builds and schedules a new instance of the definition. The
// script boots here, before scheduling, so a faulty script fails the
// create instead of a running instance. When capacity is exhausted the
// create fails rather than degrading existing instances' tick rate.
func (m *Manager) Create(def *game.Definition) (string, error) {
	m.mu.Lock()
	if len(m.instances) >= m.cfg.MaxInstances {
		m.mu.Unlock()
		return "", fmt.Errorf("instance capacity %d reached: %w", m.cfg.MaxInstances, faults.ErrResourceExhausted)
	}
	m.mu.Unlock()

	id := uuid.NewString()
	inst, err := newInstance(id, def, m.store, instanceConfig{
		tickRate:     m.cfg.TickRate,
		scriptBudget: m.cfg.ScriptBudget,
		queueLimit:   m.cfg.QueueLimit,
	}, m.log)
	if err != nil {
		return "", fmt.Errorf("create instance for %s: %w", def.ID, err)
	}
	inst.onTerminate = m.handleTerminated

	m.mu.Lock()
	if len(m.instances) >= m.cfg.MaxInstances {
		m.mu.Unlock()
		inst.sandbox.Close()
		return "", fmt.Errorf("instance capacity %d reached: %w", m.cfg.MaxInstances, faults.ErrResourceExhausted)
	}
	m.instances[id] = inst
	m.mu.Unlock()

	go inst.run()
	m.log.Info("instance created",
		zap.String("instance", id),
		zap.String("game", def.ID),
		zap.Int("max_players", def.MaxPlayers),
	)
	return id, nil
}

// Get returns a live (or finished but not yet destroyed) instance.
func (m *Manager) Get(id string) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, fmt.Errorf("instance %s: %w", id, faults.ErrNotFound)
	}
	return inst, nil
}

// Destroy stops an instance and releases its resources. Idempotent. The
// in-flight tick, if any, completes before teardown.
func (m *Manager) Destroy(id string) {
	m.mu.Lock()
	inst, ok := m.instances[id]
	if ok {
		delete(m.instances, id)
		for _, agent := range inst.releaseAll() {
			if m.agentJoins[agent] == id {
				delete(m.agentJoins, agent)
			}
		}
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	inst.stopOnce.Do(func() { close(inst.stop) })
	<-inst.done
	inst.sandbox.Close()
	m.log.Info("instance destroyed", zap.String("instance", id))
}

// handleTerminated releases the joined agents of a faulted instance so
// they may join elsewhere. The instance itself stays gettable (and its
// terminal snapshot readable) until destroyed.
func (m *Manager) handleTerminated(inst *Instance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, agent := range inst.releaseAll() {
		if m.agentJoins[agent] == inst.ID {
			delete(m.agentJoins, agent)
		}
	}
}

// Join binds an agent to an instance and returns a session token. An
// agent can be joined to at most one instance at a time: a second join
// anywhere fails with Conflict until the first is released.
func (m *Manager) Join(instanceID, agentID, name string) (string, error) {
	inst, err := m.Get(instanceID)
	if err != nil {
		return "", err
	}
	if inst.Status() == StatusFinished {
		return "", fmt.Errorf("instance %s finished: %w", instanceID, faults.ErrNotFound)
	}

	name = strings.TrimSpace(norm.NFC.String(name))
	if name == "" {
		name = agentID
	}

	m.mu.Lock()
	if other, ok := m.agentJoins[agentID]; ok {
		m.mu.Unlock()
		return "", fmt.Errorf("agent %s already joined to %s: %w", agentID, other, faults.ErrConflict)
	}
	m.agentJoins[agentID] = instanceID
	m.mu.Unlock()

	token := uuid.NewString()
	if err := inst.reserve(agentID, token); err != nil {
		m.unbind(agentID, instanceID)
		return "", fmt.Errorf("join %s: %w", instanceID, err)
	}
	inst.queue.EnqueueControl(Event{
		Kind:       KindJoin,
		AgentID:    agentID,
		PlayerName: name,
		Token:      token,
		ReceivedAt: time.Now(),
	})
	return token, nil
}

// Leave unbinds an agent from an instance. Idempotent: leaving twice, or
// leaving without a join, succeeds silently.
func (m *Manager) Leave(instanceID, agentID string) error {
	inst, err := m.Get(instanceID)
	if err != nil {
		return err
	}
	if !inst.release(agentID) {
		return nil
	}
	m.unbind(agentID, instanceID)
	// Removal is applied at the next tick boundary, after any inputs the
	// agent already submitted. The roster slot is gone, so the leave must
	// reach the queue even when the backlog cap has been hit.
	inst.queue.EnqueueControl(Event{
		Kind:       KindLeave,
		AgentID:    agentID,
		ReceivedAt: time.Now(),
	})
	return nil
}

func (m *Manager) unbind(agentID, instanceID string) {
	m.mu.Lock()
	if m.agentJoins[agentID] == instanceID {
		delete(m.agentJoins, agentID)
	}
	m.mu.Unlock()
}

// SubmitInput validates and enqueues an input event for the agent.
func (m *Manager) SubmitInput(instanceID, agentID, inputType string, data map[string]any) error {
	inst, err := m.Get(instanceID)
	if err != nil {
		return err
	}
	return inst.SubmitInput(agentID, inputType, data)
}

// Observe returns the latest snapshot of an instance. Spectator-readable:
// no join required.
func (m *Manager) Observe(instanceID string) (*Snapshot, error) {
	inst, err := m.Get(instanceID)
	if err != nil {
		return nil, err
	}
	return inst.Observe(), nil
}

// ObserveAs returns the snapshot with the agent's own player view.
func (m *Manager) ObserveAs(instanceID, agentID string) (*Observation, error) {
	inst, err := m.Get(instanceID)
	if err != nil {
		return nil, err
	}
	return inst.ObserveAs(agentID), nil
}

// Chat appends a chat message from a joined agent.
func (m *Manager) Chat(instanceID, agentID, text string) error {
	inst, err := m.Get(instanceID)
	if err != nil {
		return err
	}
	return inst.Chat(agentID, text)
}

// ChatSince reads an instance's chat messages after a sequence cursor.
func (m *Manager) ChatSince(instanceID string, since uint64) ([]ChatMessage, error) {
	inst, err := m.Get(instanceID)
	if err != nil {
		return nil, err
	}
	return inst.ChatSince(since), nil
}

// InstanceCount returns the number of non-destroyed instances.
func (m *Manager) InstanceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.instances)
}

// Shutdown destroys every instance, completing in-flight ticks.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Destroy(id)
	}
}
