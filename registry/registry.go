package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/lightningnetwork/relaydir/relay"
)

const (
	// DefaultMaxAge is the window in which a node must have sent a
	// heartbeat to be listed as available.
	DefaultMaxAge = 5 * time.Minute
)

var (
	// ErrUnknownNode is returned when a node ID is not registered.
	ErrUnknownNode = errors.New("unknown node")

	// ErrMissingPublicKey is returned when a node registers without a
	// key.
	ErrMissingPublicKey = errors.New("missing public key")

	// ErrMissingAddress is returned when a node registers without an
	// address.
	ErrMissingAddress = errors.New("missing address")
)

// Node is a relay that registered itself with the directory.
type Node struct {
	// ID is assigned on registration.
	ID string

	// PublicKey is the key the node registered with.
	PublicKey string

	// Address is the host:port the node is reachable at.
	Address string

	// Role is the circuit position the node offers.
	Role relay.Role

	// LastSeen is the time of the registration or the last heartbeat.
	LastSeen time.Time

	// Bandwidth is the advertised bandwidth, if any.
	Bandwidth fn.Option[uint64]
}

// Config holds the collaborators of a Registry.
type Config struct {
	// Clock stamps registrations and heartbeats. Defaults to the wall
	// clock.
	Clock clock.Clock

	// PruneTicker, if set, drives the removal of nodes older than
	// PruneAge.
	PruneTicker ticker.Ticker

	// PruneAge is the heartbeat age after which a node is removed.
	PruneAge time.Duration
}

// Registry is an in-memory store of self registered nodes.
type Registry struct {
	started sync.Once
	stopped sync.Once

	cfg Config

	mu    sync.RWMutex
	nodes map[string]*Node

	pruned atomic.Uint64

	quit chan struct{}
	wg   sync.WaitGroup
}

// New creates a registry.
func New(cfg Config) *Registry {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &Registry{
		cfg:   cfg,
		nodes: make(map[string]*Node),
		quit:  make(chan struct{}),
	}
}

// Start launches the pruner if a prune ticker is configured.
func (r *Registry) Start() error {
	r.started.Do(func() {
		if r.cfg.PruneTicker == nil || r.cfg.PruneAge <= 0 {
			return
		}

		log.Infof("Starting node registry pruner (prune_age=%v)",
			r.cfg.PruneAge)

		r.cfg.PruneTicker.Resume()

		r.wg.Add(1)
		go r.pruner()
	})

	return nil
}

// Stop halts the pruner.
func (r *Registry) Stop() error {
	r.stopped.Do(func() {
		log.Debugf("Node registry shutting down")

		close(r.quit)
		r.wg.Wait()

		if r.cfg.PruneTicker != nil {
			r.cfg.PruneTicker.Stop()
		}
	})

	return nil
}

// pruner removes expired nodes on every tick.
//
// NOTE: This MUST be run as a goroutine.
func (r *Registry) pruner() {
	defer r.wg.Done()

	for {
		select {
		case <-r.cfg.PruneTicker.Ticks():
			n := r.Prune(r.cfg.PruneAge)
			if n > 0 {
				log.Infof("Pruned %d nodes without a heartbeat "+
					"in %v", n, r.cfg.PruneAge)
			}

		case <-r.quit:
			return
		}
	}
}

// Register stores a new node and returns it with its assigned ID.
func (r *Registry) Register(publicKey, address string, role relay.Role,
	bandwidth fn.Option[uint64]) (Node, error) {

	switch {
	case publicKey == "":
		return Node{}, ErrMissingPublicKey

	case address == "":
		return Node{}, ErrMissingAddress
	}

	if _, err := relay.ParseRole(role.String()); err != nil {
		return Node{}, err
	}

	node := &Node{
		ID:        uuid.NewString(),
		PublicKey: publicKey,
		Address:   address,
		Role:      role,
		LastSeen:  r.cfg.Clock.Now(),
		Bandwidth: bandwidth,
	}

	r.mu.Lock()
	r.nodes[node.ID] = node
	r.mu.Unlock()

	log.Debugf("Registered %v node %v at %v", role, node.ID, address)

	return *node, nil
}

// Touch records a heartbeat of the node.
func (r *Registry) Touch(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnknownNode, id)
	}
	node.LastSeen = r.cfg.Clock.Now()

	return nil
}

// Get returns the node with the given ID.
func (r *Registry) Get(id string) (Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[id]
	if !ok {
		return Node{}, fmt.Errorf("%w: %v", ErrUnknownNode, id)
	}

	return *node, nil
}

// Available returns the nodes seen within maxAge, least recently seen first.
// A non-positive maxAge selects DefaultMaxAge.
func (r *Registry) Available(maxAge time.Duration) []Node {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	cutoff := r.cfg.Clock.Now().Add(-maxAge)

	r.mu.RLock()
	nodes := make([]Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		if !node.LastSeen.Before(cutoff) {
			nodes = append(nodes, *node)
		}
	}
	r.mu.RUnlock()

	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].LastSeen.Equal(nodes[j].LastSeen) {
			return nodes[i].ID < nodes[j].ID
		}

		return nodes[i].LastSeen.Before(nodes[j].LastSeen)
	})

	return nodes
}

// Prune removes the nodes not seen within maxAge and returns how many were
// removed.
func (r *Registry) Prune(maxAge time.Duration) int {
	cutoff := r.cfg.Clock.Now().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()

	var n int
	for id, node := range r.nodes {
		if node.LastSeen.Before(cutoff) {
			delete(r.nodes, id)
			n++
		}
	}
	r.pruned.Add(uint64(n))

	return n
}

// Len returns the number of registered nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.nodes)
}

// Pruned returns the number of nodes removed since the registry was created.
func (r *Registry) Pruned() uint64 {
	return r.pruned.Load()
}
