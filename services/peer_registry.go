package services

import (
	"sort"
	"sync"

	"meshprice/models"
	"meshprice/utils"
)

type peerEntry struct {
	info     models.PeerInfo
	snapshot *models.StatusSnapshot
}

// PeerRegistry records what this node knows about each connected peer.
type PeerRegistry struct {
	mu    sync.RWMutex
	peers map[string]*peerEntry
	geo   *utils.GeoResolver
}

func NewPeerRegistry(geo *utils.GeoResolver) *PeerRegistry {
	return &PeerRegistry{
		peers: make(map[string]*peerEntry),
		geo:   geo,
	}
}

func (r *PeerRegistry) Add(info models.PeerInfo) {
	loc := r.geo.Lookup(info.Address)
	info.Country = loc.Country
	info.City = loc.City

	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[info.ID] = &peerEntry{info: info}
}

func (r *PeerRegistry) Remove(id string) (models.PeerInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.peers[id]
	if !ok {
		return models.PeerInfo{}, false
	}
	delete(r.peers, id)
	return e.info, true
}

// RecordSnapshot stores the latest status snapshot from a peer. It returns
// false for unknown peers.
func (r *PeerRegistry) RecordSnapshot(id string, snap *models.StatusSnapshot) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.peers[id]
	if !ok {
		return false
	}
	e.snapshot = snap
	e.info.IsProvider = snap.IsProvider
	if snap.ProtocolVersion != "" {
		e.info.Version = snap.ProtocolVersion
	}
	return true
}

func (r *PeerRegistry) List() []models.PeerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.PeerInfo, 0, len(r.peers))
	for _, e := range r.peers {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *PeerRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// EstimateNetworkSize is the largest size any peer reported, and at least
// the direct peers plus this node.
func (r *PeerRegistry) EstimateNetworkSize() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	est := len(r.peers) + 1
	for _, e := range r.peers {
		if e.snapshot != nil && e.snapshot.EstimatedNetworkSize > est {
			est = e.snapshot.EstimatedNetworkSize
		}
	}
	return est
}
