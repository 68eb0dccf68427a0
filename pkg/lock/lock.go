// Package lock is the Redis Deploy Lock (spec §4.11): a distributed
// per-lab mutex with a short TTL and periodic extension, so a crashed agent
// releases its lock quickly while a slow-but-alive deploy keeps it.
package lock

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/ovlab/ovlab/pkg/util"
)

const keyPrefix = "deploy_lock:"

// Manager acquires, extends, releases and inspects per-lab deploy locks
// backed by a shared Redis instance.
type Manager struct {
	client  *redis.Client
	agentID string

	retryInterval time.Duration

	mu         sync.Mutex
	localLocks map[string]*sync.Mutex // lab_id -> in-process mutex guarding the retry loop
}

// New constructs a Manager. agentID is written into every lock value this
// agent acquires, so Release/Status can tell ownership apart.
func New(client *redis.Client, agentID string) *Manager {
	return &Manager{
		client:        client,
		agentID:       agentID,
		retryInterval: 500 * time.Millisecond,
		localLocks:    make(map[string]*sync.Mutex),
	}
}

func key(labID string) string {
	return keyPrefix + labID
}

func (m *Manager) value() string {
	return fmt.Sprintf("%s:%d", m.agentID, time.Now().Unix())
}

// localMutex returns the in-process mutex guarding labID's retry loop,
// creating one on first use. It prevents two goroutines on the same agent
// from hammering Redis with competing SET NX attempts for the same lab.
func (m *Manager) localMutex(labID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.localLocks[labID]
	if !ok {
		mu = &sync.Mutex{}
		m.localLocks[labID] = mu
	}
	return mu
}

// Acquire attempts SET NX EX every retryInterval until it succeeds or
// timeout elapses.
func (m *Manager) Acquire(ctx context.Context, labID string, ttl, timeout time.Duration) error {
	local := m.localMutex(labID)
	local.Lock()
	defer local.Unlock()

	deadline := time.Now().Add(timeout)
	for {
		ok, err := m.client.SetNX(ctx, key(labID), m.value(), ttl).Result()
		if err != nil {
			return util.NewTransportError("redis", err)
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			status, _ := m.Status(ctx, labID)
			return util.NewLockContentionError(key(labID), status.Owner, status.TTL.String())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.retryInterval):
		}
	}
}

// Heartbeat is a scoped acquisition: it acquires the lock, starts a
// background task that extends the TTL every extendInterval, and returns a
// handle whose Stop must be called once the deploy completes.
type Heartbeat struct {
	m      *Manager
	labID  string
	ttl    time.Duration
	cancel context.CancelFunc
	done   chan struct{}
}

// AcquireWithHeartbeat acquires labID's lock and starts the extension
// ticker described in spec §4.11.
func (m *Manager) AcquireWithHeartbeat(ctx context.Context, labID string, ttl, timeout, extendInterval time.Duration) (*Heartbeat, error) {
	if err := m.Acquire(ctx, labID, ttl, timeout); err != nil {
		return nil, err
	}

	hctx, cancel := context.WithCancel(context.Background())
	h := &Heartbeat{m: m, labID: labID, ttl: ttl, cancel: cancel, done: make(chan struct{})}
	go h.run(hctx, extendInterval)
	return h, nil
}

func (h *Heartbeat) run(ctx context.Context, interval time.Duration) {
	defer close(h.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.m.extend(context.Background(), h.labID, h.ttl); err != nil {
				util.WithFields(map[string]interface{}{"lab_id": h.labID}).
					Warn("failed to extend deploy lock: " + err.Error())
			}
		}
	}
}

// extend does GET then EXPIRE only if the value still belongs to this
// agent, so a lock that was force-released or stolen is never resurrected.
func (m *Manager) extend(ctx context.Context, labID string, ttl time.Duration) error {
	val, err := m.client.Get(ctx, key(labID)).Result()
	if err == redis.Nil {
		return fmt.Errorf("lock for %s no longer exists", labID)
	}
	if err != nil {
		return util.NewTransportError("redis", err)
	}
	if !strings.HasPrefix(val, m.agentID+":") {
		return fmt.Errorf("lock for %s is now owned by someone else", labID)
	}
	return m.client.Expire(ctx, key(labID), ttl).Err()
}

// Stop cancels the heartbeat ticker and releases the lock.
func (h *Heartbeat) Stop(ctx context.Context) error {
	h.cancel()
	<-h.done
	return h.m.Release(ctx, h.labID)
}

// Release deletes the lock only if it's still owned by this agent; a
// mismatch is logged and otherwise ignored, since that means someone force-
// released it already.
func (m *Manager) Release(ctx context.Context, labID string) error {
	val, err := m.client.Get(ctx, key(labID)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return util.NewTransportError("redis", err)
	}
	if !strings.HasPrefix(val, m.agentID+":") {
		util.WithFields(map[string]interface{}{"lab_id": labID, "value": val}).
			Warn("skipping release of deploy lock owned by another agent")
		return nil
	}
	return m.client.Del(ctx, key(labID)).Err()
}

// ForceRelease deletes the lock unconditionally, used by the controller's
// "clear stuck lock" admin action.
func (m *Manager) ForceRelease(ctx context.Context, labID string) error {
	status, _ := m.Status(ctx, labID)
	if err := m.client.Del(ctx, key(labID)).Err(); err != nil {
		return util.NewTransportError("redis", err)
	}
	if status.Held {
		util.WithFields(map[string]interface{}{
			"lab_id": labID, "previous_owner": status.Owner, "ttl": status.TTL,
		}).Warn("force-released deploy lock")
	}
	return nil
}

// Status is the parsed state of one lab's deploy lock.
type Status struct {
	LabID   string
	Held    bool
	Owner   string
	AgeSecs int64
	TTL     time.Duration
	Stuck   bool // age > 0.9 * ttl
}

// Status parses a lock's current value and remaining TTL.
func (m *Manager) Status(ctx context.Context, labID string) (Status, error) {
	val, err := m.client.Get(ctx, key(labID)).Result()
	if err == redis.Nil {
		return Status{LabID: labID}, nil
	}
	if err != nil {
		return Status{}, util.NewTransportError("redis", err)
	}

	ttl, err := m.client.TTL(ctx, key(labID)).Result()
	if err != nil {
		return Status{}, util.NewTransportError("redis", err)
	}

	owner, acquiredAt := parseValue(val)
	age := int64(0)
	if acquiredAt > 0 {
		age = time.Now().Unix() - acquiredAt
	}

	st := Status{LabID: labID, Held: true, Owner: owner, AgeSecs: age, TTL: ttl}
	if ttl > 0 {
		st.Stuck = float64(age) > 0.9*ttl.Seconds()
	}
	return st, nil
}

// AllStatuses scans deploy_lock:* and returns the parsed status of every
// held lock.
func (m *Manager) AllStatuses(ctx context.Context) ([]Status, error) {
	var statuses []Status
	iter := m.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		labID := strings.TrimPrefix(iter.Val(), keyPrefix)
		st, err := m.Status(ctx, labID)
		if err != nil {
			return nil, err
		}
		if st.Held {
			statuses = append(statuses, st)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, util.NewTransportError("redis", err)
	}
	return statuses, nil
}

func parseValue(val string) (owner string, acquiredAt int64) {
	idx := strings.LastIndexByte(val, ':')
	if idx < 0 {
		return val, 0
	}
	owner = val[:idx]
	acquiredAt, _ = strconv.ParseInt(val[idx+1:], 10, 64)
	return owner, acquiredAt
}
