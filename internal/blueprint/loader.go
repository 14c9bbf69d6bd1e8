package blueprint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/kandev/agentcoord/internal/common/apperrors"
)

const (
	metadataFile     = "agent.json"
	systemPromptFile = "agent.system-prompt.md"
	mcpServersFile   = "agent.mcp.json"
)

// Loader loads blueprints by name from a directory tree:
//
//	<root>/<name>/agent.json
//	<root>/<name>/agent.system-prompt.md   (agent-type only)
//	<root>/<name>/agent.mcp.json           (agent-type only, optional)
//
// Loaded blueprints are cached; the coordinator expects blueprint files
// to change only via a restart or an explicit reload.
type Loader struct {
	root string

	mu    sync.RWMutex
	cache map[string]*Blueprint
}

// NewLoader creates a Loader rooted at root.
func NewLoader(root string) *Loader {
	return &Loader{root: root, cache: make(map[string]*Blueprint)}
}

// Load returns the blueprint named name, loading and caching it from
// disk on first access.
func (l *Loader) Load(name string) (*Blueprint, error) {
	l.mu.RLock()
	if bp, ok := l.cache[name]; ok {
		l.mu.RUnlock()
		return bp, nil
	}
	l.mu.RUnlock()

	bp, err := l.loadFromDisk(name)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[name] = bp
	l.mu.Unlock()
	return bp, nil
}

// Reload drops the cache entry for name so the next Load re-reads disk.
func (l *Loader) Reload(name string) {
	l.mu.Lock()
	delete(l.cache, name)
	l.mu.Unlock()
}

func (l *Loader) loadFromDisk(name string) (*Blueprint, error) {
	dir := filepath.Join(l.root, name)

	metaBytes, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if os.IsNotExist(err) {
		return nil, apperrors.ValidationError("agent_name", "blueprint '"+name+"' not found")
	}
	if err != nil {
		return nil, apperrors.InternalError("failed to read blueprint metadata", err)
	}

	var bp Blueprint
	if err := json.Unmarshal(metaBytes, &bp); err != nil {
		return nil, apperrors.InternalError("failed to parse blueprint metadata", err)
	}
	if bp.Name != name {
		return nil, apperrors.ValidationError("agent_name", "blueprint agent.json name must equal its directory name")
	}

	if bp.Type == KindAgent {
		promptBytes, err := os.ReadFile(filepath.Join(dir, systemPromptFile))
		if err != nil {
			return nil, apperrors.InternalError("failed to read blueprint system prompt", err)
		}
		bp.SystemPrompt = string(promptBytes)

		mcpBytes, err := os.ReadFile(filepath.Join(dir, mcpServersFile))
		if err == nil {
			bp.MCPServers = mcpBytes
		} else if !os.IsNotExist(err) {
			return nil, apperrors.InternalError("failed to read blueprint mcp servers", err)
		}
	}

	return &bp, nil
}
