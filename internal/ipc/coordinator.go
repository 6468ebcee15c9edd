// Package ipc implements the Cross-Process Coordinator: a file-backed
// message queue and process-liveness table shared by every out-of-process
// agent working against the same .mnemosyne directory. Process identity
// is authenticated with an HMAC-SHA256 signature over a shared secret;
// the stdlib crypto/hmac primitive is used directly (see DESIGN.md for
// why no ecosystem HMAC library improves on it).
package ipc

import (
	"bufio"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/mnemosyne/orchestrator/internal/log"
	"github.com/mnemosyne/orchestrator/internal/mnemoevent"
)

// LivenessTimeout is the default duration after which a process with no
// heartbeat is considered dead.
const LivenessTimeout = 30 * time.Second

// MaxMessageSize is the maximum serialized size of a CoordinationMessage.
const MaxMessageSize = 1024 // 1 KiB

var messageIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// ProcessRegistration is a signed record of one live process.
type ProcessRegistration struct {
	AgentID      string    `json:"agent_id"`
	PID          int       `json:"pid"`
	RegisteredAt time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Signature    string    `json:"signature"`
}

func signingPayload(agentID string, pid int, registeredAt time.Time) string {
	return fmt.Sprintf("%s:%d:%d", agentID, pid, registeredAt.UnixNano())
}

func sign(secret []byte, agentID string, pid int, registeredAt time.Time) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(signingPayload(agentID, pid, registeredAt)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether r's signature is valid for secret.
func (r ProcessRegistration) Verify(secret []byte) bool {
	expected := sign(secret, r.AgentID, r.PID, r.RegisteredAt)
	return hmac.Equal([]byte(expected), []byte(r.Signature))
}

// CoordinationMessage is a single queued inter-process message.
type CoordinationMessage struct {
	ID          string    `json:"id"`
	Source      string    `json:"source"`
	Destination string    `json:"destination"` // "" means broadcast
	Payload     []byte    `json:"payload"`
	CreatedAt   time.Time `json:"created_at"`
}

// Coordinator manages the on-disk process table and message queue rooted
// at dir (the resolved .mnemosyne directory).
type Coordinator struct {
	dir    string
	secret []byte
	bus    eventPublisher

	mu      sync.RWMutex
	liveness *gocache.Cache
}

type eventPublisher interface {
	Publish(mnemoevent.Event)
}

// New creates a Coordinator rooted at dir with the given HMAC shared
// secret. The liveness cache evicts entries LivenessTimeout after their
// last heartbeat, matching the process-dead threshold.
func New(dir string, secret []byte, bus eventPublisher) *Coordinator {
	_ = os.MkdirAll(filepath.Join(dir, "processes"), 0700)
	_ = os.MkdirAll(filepath.Join(dir, "queue"), 0700)
	return &Coordinator{
		dir:      dir,
		secret:   secret,
		bus:      bus,
		liveness: gocache.New(LivenessTimeout, LivenessTimeout/2),
	}
}

// Register writes a signed ProcessRegistration for agentID/pid and marks
// it live in the liveness cache.
func (c *Coordinator) Register(agentID string, pid int) (ProcessRegistration, error) {
	now := time.Now().UTC()
	reg := ProcessRegistration{
		AgentID:       agentID,
		PID:           pid,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	reg.Signature = sign(c.secret, agentID, pid, now)

	if err := c.writeRegistration(reg); err != nil {
		return ProcessRegistration{}, err
	}
	c.liveness.Set(agentID, reg, gocache.DefaultExpiration)
	c.publish(mnemoevent.KindProcessRegistered, agentID, nil)
	return reg, nil
}

// Heartbeat re-signs and refreshes agentID's registration.
func (c *Coordinator) Heartbeat(agentID string) error {
	c.mu.RLock()
	v, ok := c.liveness.Get(agentID)
	c.mu.RUnlock()

	var reg ProcessRegistration
	if ok {
		reg = v.(ProcessRegistration)
	} else {
		loaded, err := c.readRegistration(agentID)
		if err != nil {
			return err
		}
		reg = loaded
	}

	reg.LastHeartbeat = time.Now().UTC()
	reg.Signature = sign(c.secret, reg.AgentID, reg.PID, reg.RegisteredAt)
	if err := c.writeRegistration(reg); err != nil {
		return err
	}
	c.liveness.Set(agentID, reg, gocache.DefaultExpiration)
	return nil
}

// IsAlive reports whether agentID has a live, unexpired liveness entry.
func (c *Coordinator) IsAlive(agentID string) bool {
	_, ok := c.liveness.Get(agentID)
	return ok
}

// LoadProcessTable reads every registration file under processes/,
// dropping (and logging) any with an invalid or missing signature.
func (c *Coordinator) LoadProcessTable() (map[string]ProcessRegistration, error) {
	entries, err := os.ReadDir(filepath.Join(c.dir, "processes"))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]ProcessRegistration{}, nil
		}
		return nil, err
	}

	table := make(map[string]ProcessRegistration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		reg, err := c.readRegistrationFile(filepath.Join(c.dir, "processes", entry.Name()))
		if err != nil {
			log.Warn(log.CatIPC, "skipping unreadable process registration", "file", entry.Name(), "error", err.Error())
			continue
		}
		if !reg.Verify(c.secret) {
			log.Warn(log.CatIPC, "dropping process registration with invalid signature", "agent_id", reg.AgentID)
			c.publish(mnemoevent.KindProcessSignatureInvalid, reg.AgentID, nil)
			continue
		}
		table[reg.AgentID] = reg
		c.liveness.Set(reg.AgentID, reg, gocache.DefaultExpiration)
	}
	return table, nil
}

func (c *Coordinator) writeRegistration(reg ProcessRegistration) error {
	path := filepath.Join(c.dir, "processes", reg.AgentID+".json")
	return writeAtomicJSON(path, reg)
}

func (c *Coordinator) readRegistration(agentID string) (ProcessRegistration, error) {
	return c.readRegistrationFile(filepath.Join(c.dir, "processes", agentID+".json"))
}

func (c *Coordinator) readRegistrationFile(path string) (ProcessRegistration, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is within the resolved .mnemosyne/processes dir
	if err != nil {
		return ProcessRegistration{}, err
	}
	var reg ProcessRegistration
	if err := json.Unmarshal(data, &reg); err != nil {
		return ProcessRegistration{}, fmt.Errorf("%w: %v", mnemoevent.ErrMalformed, err)
	}
	return reg, nil
}

// Send validates and atomically writes msg to the queue directory.
func (c *Coordinator) Send(msg CoordinationMessage) error {
	if !messageIDPattern.MatchString(msg.ID) {
		return fmt.Errorf("%w: invalid message id %q", mnemoevent.ErrMalformed, msg.ID)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", mnemoevent.ErrMalformed, err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("%w: message %d bytes exceeds %d byte limit", mnemoevent.ErrOversize, len(data), MaxMessageSize)
	}

	path := filepath.Join(c.dir, "queue", msg.ID+".json")
	if err := writeAtomicBytes(path, data); err != nil {
		return err
	}
	c.publish(mnemoevent.KindMessageSent, msg.Source, map[string]any{"message_id": msg.ID})
	return nil
}

// Receive lists and consumes every queued message addressed to agentID or
// broadcast. Oversized or malformed files are skipped (never aborting the
// batch) and left in place; a separate janitor pass unlinks them.
func (c *Coordinator) Receive(agentID string) ([]CoordinationMessage, error) {
	queueDir := filepath.Join(c.dir, "queue")
	entries, err := os.ReadDir(queueDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []CoordinationMessage
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(queueDir, entry.Name())

		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.Size() > MaxMessageSize {
			log.Warn(log.CatIPC, "skipping oversize queue file", "file", entry.Name(), "size", info.Size())
			c.publish(mnemoevent.KindMessageOversize, agentID, map[string]any{"file": entry.Name()})
			continue
		}

		data, err := os.ReadFile(path) //nolint:gosec // path is within the resolved .mnemosyne/queue dir
		if err != nil {
			continue
		}
		var msg CoordinationMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn(log.CatIPC, "skipping malformed queue file", "file", entry.Name(), "error", err.Error())
			continue
		}
		if msg.Destination != "" && msg.Destination != agentID {
			continue
		}

		out = append(out, msg)
		_ = os.Remove(path)
	}
	return out, nil
}

func (c *Coordinator) publish(kind mnemoevent.Kind, agent string, payload map[string]any) {
	if c.bus == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	c.bus.Publish(mnemoevent.New(agent, 0, kind, 3, payload))
}

func writeAtomicJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return writeAtomicBytes(path, data)
}

func writeAtomicBytes(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".ipc-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	w := bufio.NewWriter(tmp)
	if _, err := w.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}
