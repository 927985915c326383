package node

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/asip-collective/asip/internal/consensus"
	"github.com/asip-collective/asip/internal/reputation"
	"github.com/asip-collective/asip/internal/room"
)

const (
	roomSweepInterval  = 2 * time.Second
	banCleanupInterval = time.Minute
	exportTopPeers     = 50
)

// runRoomSweeper periodically evaluates hosted rooms so expired ones settle
// even when no further messages arrive.
func (n *Node) runRoomSweeper() {
	defer n.wg.Done()
	ticker := time.NewTicker(roomSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.sweepRooms(time.Now().UnixMilli())
		}
	}
}

func (n *Node) sweepRooms(now int64) {
	n.mu.Lock()
	open := make([]*room.Room, 0, len(n.rooms))
	for _, rm := range n.rooms {
		open = append(open, rm)
	}
	n.mu.Unlock()

	for _, rm := range open {
		res := n.cons.CheckConsensus(rm.Snapshot(), now)
		if res.Reached || res.Method == consensus.MethodDivergent || res.Method == consensus.MethodTimeout {
			n.finalizeRoom(rm, res)
		}
	}
}

// runBanCleanup evicts expired temporary bans.
func (n *Node) runBanCleanup() {
	defer n.wg.Done()
	ticker := time.NewTicker(banCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if evicted := n.bans.CleanupExpired(time.Now().UnixMilli()); evicted > 0 {
				log.Printf("[BAN] evicted %d expired bans", evicted)
			}
		}
	}
}

// reputationExport is the on-disk snapshot written by the exporter.
type reputationExport struct {
	LastUpdated int64               `json:"lastUpdated"`
	TotalAgents int                 `json:"totalAgents"`
	Agents      []reputation.Record `json:"agents"`
}

// runReputationExporter writes the top of the ledger to DataDir on the
// configured interval, plus once at shutdown.
func (n *Node) runReputationExporter() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.ExportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			n.exportReputation()
			return
		case <-ticker.C:
			n.exportReputation()
		}
	}
}

func (n *Node) exportReputation() {
	export := reputationExport{
		LastUpdated: time.Now().UnixMilli(),
		TotalAgents: n.ledger.Size(),
		Agents:      n.ledger.TopPeers(exportTopPeers),
	}
	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		log.Printf("[EXPORT] encode reputation: %v", err)
		return
	}
	path := filepath.Join(n.cfg.DataDir, "reputation.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Printf("[EXPORT] write %s: %v", path, err)
		return
	}
	log.Printf("[EXPORT] wrote %d agents to %s", len(export.Agents), path)
}
