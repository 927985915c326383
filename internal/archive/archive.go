// Package archive preserves closed discussion rooms as Merkle-rooted
// records. Each archive carries a reconstructed timeline, a root hash over
// its canonical entries, and a content-addressed identifier, and the store
// answers free-text search and aggregate statistics over everything kept.
package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/sha3"

	"github.com/asip-collective/asip/internal/consensus"
	"github.com/asip-collective/asip/internal/room"
)

var (
	ErrRoomNotClosed   = errors.New("ROOM_NOT_CLOSED")
	ErrAlreadyArchived = errors.New("ALREADY_ARCHIVED")
)

// TimelineEntry is one event in the reconstructed room timeline. Time is
// relative to room creation, in milliseconds.
type TimelineEntry struct {
	Event   string `json:"event"`
	By      string `json:"by"`
	Time    int64  `json:"time"`
	Content string `json:"content,omitempty"`
}

// Record is one archived room.
type Record struct {
	RoomID       string             `json:"roomId"`
	CID          string             `json:"cid"`
	Question     string             `json:"question"`
	Answer       string             `json:"answer,omitempty"`
	Method       string             `json:"method"`
	Reached      bool               `json:"reached"`
	Participants []string           `json:"participants"`
	Timeline     []TimelineEntry    `json:"timeline"`
	MerkleRoot   string             `json:"merkleRoot"`
	Changes      []consensus.Change `json:"reputationChanges"`
	ArchivedAt   int64              `json:"archivedAt"`
}

// Stats aggregates outcomes across every archived room.
type Stats struct {
	Total            int `json:"total"`
	Consensus        int `json:"consensus"`
	Divergent        int `json:"divergent"`
	Timeout          int `json:"timeout"`
	ReputationGained int `json:"reputationGained"`
	ReputationLost   int `json:"reputationLost"`
}

// System is the archive store. Safe for concurrent use.
type System struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewSystem creates an empty archive store.
func NewSystem() *System {
	return &System{records: make(map[string]*Record)}
}

// Archive preserves a closed room. now is the archival time in Unix
// milliseconds; it feeds the content identifier.
func (s *System) Archive(snap *room.Snapshot, changes []consensus.Change, now int64) (*Record, error) {
	if snap.Status != room.StatusClosed {
		return nil, fmt.Errorf("%w: room %s is %s", ErrRoomNotClosed, snap.ID, snap.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[snap.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyArchived, snap.ID)
	}

	timeline := buildTimeline(snap)
	rec := &Record{
		RoomID:       snap.ID,
		CID:          contentID(snap.ID, now),
		Question:     snap.Question.Content,
		Method:       consensus.MethodTimeout,
		Participants: append([]string(nil), snap.Participants...),
		Timeline:     timeline,
		MerkleRoot:   merkleRoot(timeline),
		Changes:      append([]consensus.Change(nil), changes...),
		ArchivedAt:   now,
	}
	if snap.Outcome != nil {
		rec.Method = snap.Outcome.Method
		rec.Reached = snap.Outcome.Reached
		rec.Answer = snap.Outcome.Answer
	}

	s.records[snap.ID] = rec
	log.Printf("[ARCHIVE] room %s archived as %s (%s)", snap.ID[:min(8, len(snap.ID))], rec.CID[:10], rec.Method)
	return rec, nil
}

// buildTimeline reconstructs the room's history relative to creation: a
// synthetic ROOM_CREATED at t=0, joins and generic log events, every
// response and message, and a trailing ROOM_CLOSED when stamped. Sorted
// ascending by relative time; the sort is stable so equal timestamps keep
// log order.
func buildTimeline(snap *room.Snapshot) []TimelineEntry {
	timeline := []TimelineEntry{{Event: room.EventRoomCreated, By: snap.Requester, Time: 0}}

	// Responses and messages are rebuilt from their own collections below;
	// only roster events come from the event log.
	for _, ev := range snap.Events {
		if ev.Event != room.EventParticipantJoined && ev.Event != room.EventParticipantLeft {
			continue
		}
		timeline = append(timeline, TimelineEntry{
			Event: ev.Event,
			By:    ev.By,
			Time:  ev.Timestamp - snap.CreatedAt,
		})
	}
	for _, resp := range snap.Responses {
		timeline = append(timeline, TimelineEntry{
			Event:   room.EventResponseSubmitted,
			By:      resp.Author,
			Time:    resp.Timestamp - snap.CreatedAt,
			Content: resp.Content,
		})
	}
	for _, msg := range snap.Messages {
		timeline = append(timeline, TimelineEntry{
			Event:   room.EventMessage,
			By:      msg.Author,
			Time:    msg.Timestamp - snap.CreatedAt,
			Content: msg.Content,
		})
	}
	if snap.ClosedAt != 0 {
		timeline = append(timeline, TimelineEntry{
			Event: room.EventRoomClosed,
			By:    "SYSTEM",
			Time:  snap.ClosedAt - snap.CreatedAt,
		})
	}

	sort.SliceStable(timeline, func(i, j int) bool {
		return timeline[i].Time < timeline[j].Time
	})
	return timeline
}

// merkleRoot hashes each entry's canonical {event, by, time} tuple as a
// leaf, then combines adjacent pairs bottom-up, duplicating the last hash
// of any odd level. An empty timeline yields the hash of empty input.
func merkleRoot(timeline []TimelineEntry) string {
	if len(timeline) == 0 {
		sum := sha256.Sum256(nil)
		return hex.EncodeToString(sum[:])
	}

	level := make([]string, len(timeline))
	for i, entry := range timeline {
		leaf, _ := json.Marshal(struct {
			Event string `json:"event"`
			By    string `json:"by"`
			Time  int64  `json:"time"`
		}{entry.Event, entry.By, entry.Time})
		sum := sha256.Sum256(leaf)
		level[i] = hex.EncodeToString(sum[:])
	}

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]string, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			sum := sha256.Sum256([]byte(level[i] + level[i+1]))
			next = append(next, hex.EncodeToString(sum[:]))
		}
		level = next
	}
	return level[0]
}

// contentID derives the archive's content-addressed identifier from the
// room id and archival time.
func contentID(roomID string, now int64) string {
	digest := sha3.Sum256([]byte(roomID + strconv.FormatInt(now, 10)))
	return "Qm" + hex.EncodeToString(digest[:])[:44]
}

// Get returns an archived record by room id.
func (s *System) Get(roomID string) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[roomID]
	return rec, ok
}

// Search returns archives whose question, answer, or participant keys
// contain the query, case-insensitively, ordered by archival time.
func (s *System) Search(query string) []*Record {
	q := strings.ToLower(query)

	s.mu.RLock()
	var out []*Record
	for _, rec := range s.records {
		if matches(rec, q) {
			out = append(out, rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ArchivedAt != out[j].ArchivedAt {
			return out[i].ArchivedAt < out[j].ArchivedAt
		}
		return out[i].RoomID < out[j].RoomID
	})
	return out
}

func matches(rec *Record, q string) bool {
	if strings.Contains(strings.ToLower(rec.Question), q) {
		return true
	}
	if strings.Contains(strings.ToLower(rec.Answer), q) {
		return true
	}
	for _, p := range rec.Participants {
		if strings.Contains(strings.ToLower(p), q) {
			return true
		}
	}
	return false
}

// Stats aggregates outcome counts and net reputation movement across every
// archive.
func (s *System) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Total: len(s.records)}
	for _, rec := range s.records {
		switch rec.Method {
		case consensus.MethodDivergent:
			st.Divergent++
		case consensus.MethodTimeout:
			st.Timeout++
		default:
			st.Consensus++
		}
		for _, c := range rec.Changes {
			if c.Delta > 0 {
				st.ReputationGained += c.Delta
			} else {
				st.ReputationLost -= c.Delta
			}
		}
	}
	return st
}

// Size returns the number of archived rooms.
func (s *System) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
