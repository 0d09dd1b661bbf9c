// Package farmfs owns the shared-filesystem layout MidRender uses as
// the rendezvous point for peer discovery: a farm root with one
// subdirectory per node, each holding an identity file and a
// frequently-rewritten endpoint file other nodes poll when UDP
// multicast is unavailable.
package farmfs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/cbkow/mid-render/internal/snapshot"
	"github.com/cbkow/mid-render/pkg/types"
)

const (
	farmMarkerFile = "farm.json"
	identityFile   = "identity.json"
	endpointFile   = "endpoint.json"
	snapshotDir    = "state"
	snapshotFile   = "snapshot.db"
	localHomeEnv   = "MIDRENDER_HOME"
	localHomeDir   = ".midrender"
)

// farmMarker is the small file that makes a directory recognizable as
// a MidRender farm root.
type farmMarker struct {
	SchemaVersion int `json:"schema_version"`
}

// Layout resolves every path MidRender reads or writes under one farm
// root, and owns the identity/endpoint files for the local node.
type Layout struct {
	root string
}

// Init bootstraps farmRoot as a MidRender farm directory if it is not
// one already, then returns a Layout bound to it. Matches the original
// implementation's FarmInit::init contract: idempotent, safe to call on
// every startup.
func Init(farmRoot string) (*Layout, error) {
	if err := os.MkdirAll(farmRoot, 0755); err != nil {
		return nil, fmt.Errorf("create farm root: %w", err)
	}

	markerPath := filepath.Join(farmRoot, farmMarkerFile)
	if _, err := os.Stat(markerPath); os.IsNotExist(err) {
		marker := farmMarker{SchemaVersion: 1}
		data, err := json.MarshalIndent(marker, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshal farm marker: %w", err)
		}
		if err := os.WriteFile(markerPath, data, 0644); err != nil {
			return nil, fmt.Errorf("write farm marker: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("stat farm marker: %w", err)
	}

	return &Layout{root: farmRoot}, nil
}

// Root returns the farm root directory.
func (l *Layout) Root() string { return l.root }

// NodeDir returns the per-node subdirectory for id, creating it if
// necessary.
func (l *Layout) NodeDir(id types.NodeID) (string, error) {
	dir := filepath.Join(l.root, "nodes", string(id))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create node dir: %w", err)
	}
	return dir, nil
}

// SnapshotPath returns the shared whole-database snapshot file every
// leader writes to periodically and a newly-elected leader restores
// from, per spec's "atomic whole-database copy to {farm}/state/
// snapshot.db that a future leader restores" requirement. Distinct
// from the leader's own working database, which lives outside the
// shared farm root entirely (see LocalAppDataDir) since the spec
// requires the store itself never be opened concurrently by two
// nodes over the shared mount.
func (l *Layout) SnapshotPath() string {
	return filepath.Join(l.root, snapshotDir, snapshotFile)
}

// LocalAppDataDir returns this machine's local (non-shared) MidRender
// data directory for nodeID, creating it if necessary. Unlike the farm
// root, which every node mounts in common, this directory is private
// storage on the node's own disk, used for the leader's working
// database and render staging scratch space. Grounded on the
// Tutu-Engine pack example's TutuHome() (env override, falling back to
// a dotdir under the user's home).
func LocalAppDataDir(nodeID types.NodeID) (string, error) {
	base := os.Getenv(localHomeEnv)
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve local home dir: %w", err)
		}
		base = filepath.Join(home, localHomeDir)
	}
	dir := filepath.Join(base, "nodes", string(nodeID))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create local app data dir: %w", err)
	}
	return dir, nil
}

// identity is the persisted record of a node's self-assigned ID.
type identity struct {
	NodeID types.NodeID `json:"node_id"`
}

// LoadOrCreateIdentity returns the node ID persisted under nodeDir,
// generating and persisting a new UUID-based ID on first run so a
// node's identity survives restarts without depending on hostname.
func LoadOrCreateIdentity(nodeDir string) (types.NodeID, error) {
	path := filepath.Join(nodeDir, identityFile)
	mgr := snapshot.NewManager[identity](path)

	existing, err := mgr.Load()
	if err != nil {
		return "", fmt.Errorf("load identity: %w", err)
	}
	if existing.NodeID != "" {
		return existing.NodeID, nil
	}

	id := identity{NodeID: types.NodeID(uuid.NewString())}
	if err := mgr.Write(id); err != nil {
		return "", fmt.Errorf("write identity: %w", err)
	}
	return id.NodeID, nil
}

// EndpointManager reads and atomically rewrites one node's endpoint
// file, the shared-filesystem fallback path for peer discovery when
// UDP multicast is blocked or unavailable.
type EndpointManager struct {
	mgr *snapshot.Manager[types.PeerEndpoint]
}

// NewEndpointManager binds an EndpointManager to nodeDir's endpoint file.
func NewEndpointManager(nodeDir string) *EndpointManager {
	return &EndpointManager{
		mgr: snapshot.NewManager[types.PeerEndpoint](filepath.Join(nodeDir, endpointFile)),
	}
}

// Write atomically rewrites the endpoint file with ep.
func (e *EndpointManager) Write(ep types.PeerEndpoint) error {
	return e.mgr.Write(ep)
}

// Read loads the current endpoint record, returning the zero value if
// the node has never written one.
func (e *EndpointManager) Read() (types.PeerEndpoint, error) {
	return e.mgr.Load()
}

// ListNodeDirs returns every node subdirectory's base name (node ID)
// currently present under the farm root, used by the registry to
// discover peers that have never sent a UDP frame.
func (l *Layout) ListNodeDirs() ([]types.NodeID, error) {
	nodesRoot := filepath.Join(l.root, "nodes")
	entries, err := os.ReadDir(nodesRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list node dirs: %w", err)
	}

	ids := make([]types.NodeID, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, types.NodeID(e.Name()))
		}
	}
	return ids, nil
}

// RemoveNode removes a node's subdirectory, and everything in it, from
// the farm root.
func (l *Layout) RemoveNode(id types.NodeID) error {
	dir := filepath.Join(l.root, "nodes", string(id))
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove node dir: %w", err)
	}
	return nil
}
