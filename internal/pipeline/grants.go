package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/natefinch/atomic"
)

// SessionGrant records an allow_session decision: the tool is pre-approved for
// the rest of the session on that thread, until the grant expires.
type SessionGrant struct {
	ThreadID  string    `json:"thread_id"`
	ToolName  string    `json:"tool_name"`
	GrantedAt time.Time `json:"granted_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// GrantStore keeps session grants in memory and mirrors them to a JSON file in
// the workspace governance directory so they survive restarts.
type GrantStore struct {
	mu     sync.RWMutex
	grants map[string]SessionGrant // key: threadID + "\x00" + toolName
	path   string
	ttl    time.Duration
}

func NewGrantStore(governanceDir string, ttl time.Duration) (*GrantStore, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	g := &GrantStore{
		grants: make(map[string]SessionGrant),
		ttl:    ttl,
	}
	if governanceDir != "" {
		if err := os.MkdirAll(governanceDir, 0755); err != nil {
			return nil, fmt.Errorf("create governance dir: %w", err)
		}
		g.path = filepath.Join(governanceDir, "grants.json")
		if err := g.load(); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func grantKey(threadID, toolName string) string {
	return threadID + "\x00" + toolName
}

func (g *GrantStore) load() error {
	data, err := os.ReadFile(g.path)
	if err != nil || len(data) == 0 {
		return nil
	}
	var grants []SessionGrant
	if err := json.Unmarshal(data, &grants); err != nil {
		return fmt.Errorf("load grants: %w", err)
	}
	now := time.Now()
	for _, grant := range grants {
		if now.Before(grant.ExpiresAt) {
			g.grants[grantKey(grant.ThreadID, grant.ToolName)] = grant
		}
	}
	return nil
}

func (g *GrantStore) save() error {
	if g.path == "" {
		return nil
	}
	grants := make([]SessionGrant, 0, len(g.grants))
	for _, grant := range g.grants {
		grants = append(grants, grant)
	}
	data, err := json.MarshalIndent(grants, "", "  ")
	if err != nil {
		return err
	}
	return atomic.WriteFile(g.path, bytes.NewReader(data))
}

// Grant records an allow_session decision for the tool on the thread.
func (g *GrantStore) Grant(threadID, toolName string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	g.grants[grantKey(threadID, toolName)] = SessionGrant{
		ThreadID:  threadID,
		ToolName:  toolName,
		GrantedAt: now,
		ExpiresAt: now.Add(g.ttl),
	}
	return g.save()
}

// Granted reports whether an unexpired session grant covers the tool on the
// thread.
func (g *GrantStore) Granted(threadID, toolName string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	grant, ok := g.grants[grantKey(threadID, toolName)]
	return ok && time.Now().Before(grant.ExpiresAt)
}

// Prune drops expired grants and persists the survivors. Returns how many
// grants were removed.
func (g *GrantStore) Prune() (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, grant := range g.grants {
		if !now.Before(grant.ExpiresAt) {
			delete(g.grants, key)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, g.save()
}
