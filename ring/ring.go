// Package ring implements the consistent-hashing ring that maps shard keys
// to storage nodes. A Ring is immutable: membership and health changes
// build a new snapshot, so a lookup that started on one version never
// observes a half-updated ring.
package ring

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"lukechampine.com/blake3"
)

var (
	// ErrEmpty is returned when a lookup runs against a ring with no nodes.
	ErrEmpty = errors.New("ring: no nodes")
	// ErrNotEnoughNodes is returned when fewer live nodes exist than the
	// requested replica count. Callers must treat this as fatal: data
	// cannot be placed safely.
	ErrNotEnoughNodes = errors.New("ring: not enough live nodes")
)

// Health is the liveness state of a physical node as seen by the health
// monitor.
type Health int

const (
	// Healthy nodes serve reads and writes normally.
	Healthy Health = iota
	// Degraded nodes are behind on replication but still own their arcs.
	Degraded
	// Unreachable nodes are excluded from lookups entirely.
	Unreachable
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unreachable:
		return "unreachable"
	}
	return "unknown"
}

type point struct {
	hash uint64
	node string
}

// Ring is one immutable snapshot of cluster membership. The zero value is
// unusable; build rings with New.
type Ring struct {
	version      uint64
	virtualNodes int
	points       []point
	health       map[string]Health
}

// New builds the initial ring snapshot with every node healthy.
func New(nodeIDs []string, virtualNodes int) (*Ring, error) {
	if virtualNodes < 1 {
		return nil, fmt.Errorf("ring: virtual node count %d must be positive", virtualNodes)
	}
	r := &Ring{
		version:      1,
		virtualNodes: virtualNodes,
		health:       make(map[string]Health, len(nodeIDs)),
	}
	for _, id := range nodeIDs {
		if _, dup := r.health[id]; dup {
			return nil, fmt.Errorf("ring: duplicate node %q", id)
		}
		r.health[id] = Healthy
		r.points = append(r.points, pointsFor(id, virtualNodes)...)
	}
	sortPoints(r.points)
	return r, nil
}

func pointsFor(nodeID string, virtualNodes int) []point {
	pts := make([]point, virtualNodes)
	for i := 0; i < virtualNodes; i++ {
		pts[i] = point{hash: positionHash(nodeID, i), node: nodeID}
	}
	return pts
}

func sortPoints(pts []point) {
	sort.Slice(pts, func(i, j int) bool {
		if pts[i].hash != pts[j].hash {
			return pts[i].hash < pts[j].hash
		}
		return pts[i].node < pts[j].node
	})
}

// positionHash digests node_id || virtual_index into a ring position.
func positionHash(nodeID string, index int) uint64 {
	sum := blake3.Sum256([]byte(nodeID + "#" + strconv.Itoa(index)))
	return binary.BigEndian.Uint64(sum[:8])
}

// KeyHash digests an arbitrary key onto the ring's hash space.
func KeyHash(key string) uint64 {
	sum := blake3.Sum256([]byte(key))
	return binary.BigEndian.Uint64(sum[:8])
}

// Version identifies this snapshot. Strictly increasing across mutations.
func (r *Ring) Version() uint64 { return r.version }

// Nodes returns the ids of all member nodes, sorted.
func (r *Ring) Nodes() []string {
	out := make([]string, 0, len(r.health))
	for id := range r.health {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// NodeHealth reports the recorded health of a member node.
func (r *Ring) NodeHealth(id string) (Health, bool) {
	h, ok := r.health[id]
	return h, ok
}

// LiveNodes counts nodes that can currently own data (not unreachable).
func (r *Ring) LiveNodes() int {
	n := 0
	for _, h := range r.health {
		if h != Unreachable {
			n++
		}
	}
	return n
}

func (r *Ring) clone() *Ring {
	next := &Ring{
		version:      r.version + 1,
		virtualNodes: r.virtualNodes,
		points:       append([]point(nil), r.points...),
		health:       make(map[string]Health, len(r.health)),
	}
	for id, h := range r.health {
		next.health[id] = h
	}
	return next
}

// WithNode returns a new snapshot that includes the given node. Only the
// arcs adjacent to the node's virtual positions change ownership.
func (r *Ring) WithNode(id string) (*Ring, error) {
	if _, exists := r.health[id]; exists {
		return nil, fmt.Errorf("ring: node %q already present", id)
	}
	next := r.clone()
	next.health[id] = Healthy
	next.points = append(next.points, pointsFor(id, r.virtualNodes)...)
	sortPoints(next.points)
	return next, nil
}

// WithoutNode returns a new snapshot with the node removed.
func (r *Ring) WithoutNode(id string) (*Ring, error) {
	if _, exists := r.health[id]; !exists {
		return nil, fmt.Errorf("ring: node %q not present", id)
	}
	next := r.clone()
	delete(next.health, id)
	kept := next.points[:0]
	for _, pt := range next.points {
		if pt.node != id {
			kept = append(kept, pt)
		}
	}
	next.points = kept
	return next, nil
}

// WithHealth returns a new snapshot with the node's health updated.
func (r *Ring) WithHealth(id string, h Health) (*Ring, error) {
	if _, exists := r.health[id]; !exists {
		return nil, fmt.Errorf("ring: node %q not present", id)
	}
	next := r.clone()
	next.health[id] = h
	return next, nil
}

// Lookup hashes the key onto the ring and walks clockwise, returning the
// owning node followed by the next n-1 distinct physical nodes. Nodes
// marked unreachable are skipped. The walk wraps at the end of the hash
// space.
func (r *Ring) Lookup(key string, n int) ([]string, error) {
	if len(r.points) == 0 {
		return nil, ErrEmpty
	}
	if n < 1 {
		return nil, fmt.Errorf("ring: replica count %d must be positive", n)
	}
	if r.LiveNodes() < n {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrNotEnoughNodes, n, r.LiveNodes())
	}

	h := KeyHash(key)
	start := sort.Search(len(r.points), func(i int) bool {
		return r.points[i].hash >= h
	})

	owners := make([]string, 0, n)
	seen := make(map[string]struct{}, n)
	for i := 0; i < len(r.points) && len(owners) < n; i++ {
		pt := r.points[(start+i)%len(r.points)]
		if r.health[pt.node] == Unreachable {
			continue
		}
		if _, dup := seen[pt.node]; dup {
			continue
		}
		seen[pt.node] = struct{}{}
		owners = append(owners, pt.node)
	}
	if len(owners) < n {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrNotEnoughNodes, n, len(owners))
	}
	return owners, nil
}
