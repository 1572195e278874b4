package xframe

import (
	"errors"
	"sort"
	"sync"
)

type GroupID string

type DeliveryStatus string

const (
	DeliveryOK      DeliveryStatus = "ok"
	DeliveryDropped DeliveryStatus = "dropped"
	DeliveryFailed  DeliveryStatus = "failed"
)

type DeliveryReport struct {
	Target string         `json:"target"`
	Status DeliveryStatus `json:"status"`
	Error  string         `json:"error,omitempty"`
}

type BatchDeliveryReport struct {
	Total   int              `json:"total"`
	Success int              `json:"success"`
	Dropped int              `json:"dropped"`
	Failed  int              `json:"failed"`
	Reports []DeliveryReport `json:"reports"`
}

func (r *BatchDeliveryReport) add(target string, err error) {
	r.Total++
	switch {
	case err == nil:
		r.Success++
		r.Reports = append(r.Reports, DeliveryReport{Target: target, Status: DeliveryOK})
	case errors.Is(err, ErrSendQueueFull):
		r.Dropped++
		r.Reports = append(r.Reports, DeliveryReport{Target: target, Status: DeliveryDropped, Error: err.Error()})
	default:
		r.Failed++
		r.Reports = append(r.Reports, DeliveryReport{Target: target, Status: DeliveryFailed, Error: err.Error()})
	}
}

// GroupManager keeps named sets of destination ids. Empty groups are
// removed.
type GroupManager struct {
	mu       sync.RWMutex
	groups   map[GroupID]map[string]struct{}
	memberOf map[string]map[GroupID]struct{}
}

func NewGroupManager() *GroupManager {
	return &GroupManager{
		groups:   make(map[GroupID]map[string]struct{}),
		memberOf: make(map[string]map[GroupID]struct{}),
	}
}

func (gm *GroupManager) Join(group GroupID, id string) error {
	if group == "" || id == "" {
		return errors.New("xframe: empty group or destination id")
	}

	gm.mu.Lock()
	defer gm.mu.Unlock()

	if _, ok := gm.groups[group]; !ok {
		gm.groups[group] = make(map[string]struct{})
	}
	gm.groups[group][id] = struct{}{}

	if _, ok := gm.memberOf[id]; !ok {
		gm.memberOf[id] = make(map[GroupID]struct{})
	}
	gm.memberOf[id][group] = struct{}{}
	return nil
}

func (gm *GroupManager) Leave(group GroupID, id string) {
	gm.mu.Lock()
	defer gm.mu.Unlock()
	gm.leaveLocked(group, id)
}

// RemoveMember takes id out of every group.
func (gm *GroupManager) RemoveMember(id string) {
	gm.mu.Lock()
	defer gm.mu.Unlock()
	for group := range gm.memberOf[id] {
		gm.leaveLocked(group, id)
	}
}

func (gm *GroupManager) leaveLocked(group GroupID, id string) {
	if members, ok := gm.groups[group]; ok {
		delete(members, id)
		if len(members) == 0 {
			delete(gm.groups, group)
		}
	}
	if groups, ok := gm.memberOf[id]; ok {
		delete(groups, group)
		if len(groups) == 0 {
			delete(gm.memberOf, id)
		}
	}
}

// Members returns the ids in group, sorted.
func (gm *GroupManager) Members(group GroupID) []string {
	gm.mu.RLock()
	defer gm.mu.RUnlock()

	out := make([]string, 0, len(gm.groups[group]))
	for id := range gm.groups[group] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// GroupsOf returns the groups id belongs to, sorted.
func (gm *GroupManager) GroupsOf(id string) []GroupID {
	gm.mu.RLock()
	defer gm.mu.RUnlock()

	out := make([]GroupID, 0, len(gm.memberOf[id]))
	for g := range gm.memberOf[id] {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (gm *GroupManager) Count() int {
	gm.mu.RLock()
	defer gm.mu.RUnlock()
	return len(gm.groups)
}
