package session

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/modelroute/gateway/internal/config"
)

// ProjectResolver maps session ids to project directories by scanning the
// projects tree for a session log, and reads per-project Router overrides.
//
// Bindings — including negative results — are cached in a bounded LRU so the
// directory scan runs at most once per session id.
type ProjectResolver struct {
	projectsDir string
	homeDir     string
	cache       *lruCache
}

// projectBinding is the cached scan result. Empty projectID means the scan
// ran and found nothing.
type projectBinding struct {
	projectID string
}

// NewProjectResolver creates a resolver over the given directory roots.
func NewProjectResolver(projectsDir, homeDir string) *ProjectResolver {
	return &ProjectResolver{
		projectsDir: projectsDir,
		homeDir:     homeDir,
		cache:       newLRUCache(config.ProjectCacheSize, 0),
	}
}

// Resolve returns the project owning sessionID, consulting the cache first.
// ok is false when no project has a <sessionID>.jsonl log.
func (r *ProjectResolver) Resolve(sessionID string) (string, bool) {
	if sessionID == "" || r.projectsDir == "" {
		return "", false
	}

	if v, hit := r.cache.get(sessionID); hit {
		b := v.(projectBinding)
		return b.projectID, b.projectID != ""
	}

	projectID := r.scan(sessionID)
	r.cache.put(sessionID, projectBinding{projectID: projectID})
	return projectID, projectID != ""
}

// scan walks the first level of the projects tree looking for the session
// log file.
func (r *ProjectResolver) scan(sessionID string) string {
	entries, err := os.ReadDir(r.projectsDir)
	if err != nil {
		log.Debug().Err(err).Str("dir", r.projectsDir).Msg("project scan: cannot read projects dir")
		return ""
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		logPath := filepath.Join(r.projectsDir, entry.Name(), sessionID+".jsonl")
		if _, err := os.Stat(logPath); err == nil {
			return entry.Name()
		}
	}
	return ""
}

// routerFile is the subset of a project config file this resolver cares
// about.
type routerFile struct {
	Router *config.RouterConfig `json:"Router"`
}

// RouterOverride loads the effective Router override for a project, checking
// the session-specific file first, then the project-level one. The first
// file containing a Router section wins and fully replaces the global Router
// for that request's decision. Unreadable or malformed files are skipped.
func (r *ProjectResolver) RouterOverride(projectID, sessionID string) (*config.RouterConfig, bool) {
	if projectID == "" || r.homeDir == "" {
		return nil, false
	}

	candidates := []string{
		filepath.Join(r.homeDir, projectID, sessionID+".json"),
		filepath.Join(r.homeDir, projectID, "config.json"),
	}
	if sessionID == "" {
		candidates = candidates[1:]
	}

	for _, path := range candidates {
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var f routerFile
		if err := json.Unmarshal(raw, &f); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("project router override: malformed file")
			continue
		}
		if f.Router != nil {
			return f.Router, true
		}
	}
	return nil, false
}
