package ircdd

import (
	"sort"
	"sync"
)

// shardedGroup is the local handle to one channel: a roster of users
// attached to this node plus a bus subscription on the channel's topic.
// The authoritative membership view lives in the store's group_states row.
type shardedGroup struct {
	realm *Realm
	name  string

	lock   sync.Mutex
	roster map[string]*shardedUser
}

func newShardedGroup(realm *Realm, name string) *shardedGroup {
	return &shardedGroup{
		realm:  realm,
		name:   casemapASCII(name),
		roster: make(map[string]*shardedUser),
	}
}

// add admits a locally attached user and records a membership heartbeat
// so other nodes see the join immediately.
func (g *shardedGroup) add(u *shardedUser) error {
	g.lock.Lock()
	if _, ok := g.roster[u.name]; ok {
		g.lock.Unlock()
		return errAlreadyOnChannel
	}
	g.roster[u.name] = u
	g.lock.Unlock()

	if err := g.realm.store.HeartbeatUserInGroup(g.name, u.name); err != nil {
		g.realm.logger.Printf("failed to heartbeat %q in %q: %v", u.name, g.name, err)
	}
	return nil
}

func (g *shardedGroup) remove(u *shardedUser, reason string) error {
	g.lock.Lock()
	if _, ok := g.roster[u.name]; !ok {
		g.lock.Unlock()
		return errNotOnChannel
	}
	delete(g.roster, u.name)
	empty := len(g.roster) == 0
	g.lock.Unlock()

	if err := g.realm.store.RemoveUserFromGroup(g.name, u.name); err != nil {
		g.realm.logger.Printf("failed to remove %q from %q: %v", u.name, g.name, err)
	}
	if empty {
		g.realm.dropGroup(g)
	}
	return nil
}

// send publishes a record on the group's topic. Publish failures are
// logged and swallowed; peers already holding the line locally keep it.
func (g *shardedGroup) send(rec *ChatRecord) {
	if err := g.realm.bus.Publish(g.name, rec); err != nil {
		g.realm.logger.Printf("failed to publish to %q: %v", g.name, err)
	}
}

// receive is the bus-side callback: it fans a record out to every local
// roster member, suppressing the echo to the original sender when the
// record originated on this node.
func (g *shardedGroup) receive(rec *ChatRecord) {
	sender := casemapASCII(rec.Sender)

	g.lock.Lock()
	members := make([]*shardedUser, 0, len(g.roster))
	for _, u := range g.roster {
		if rec.SenderNode == g.realm.Name && u.name == sender {
			continue
		}
		members = append(members, u)
	}
	g.lock.Unlock()

	for _, u := range members {
		u.receive(rec.Sender, "#"+g.name, rec)
	}
}

// iterusers snapshots the local roster names, sorted for stable replies.
func (g *shardedGroup) iterusers() []string {
	g.lock.Lock()
	names := make([]string, 0, len(g.roster))
	for name := range g.roster {
		names = append(names, name)
	}
	g.lock.Unlock()
	sort.Strings(names)
	return names
}

func (g *shardedGroup) empty() bool {
	g.lock.Lock()
	defer g.lock.Unlock()
	return len(g.roster) == 0
}

func (g *shardedGroup) setMeta(field string, value interface{}) error {
	return g.realm.store.SetGroupMeta(g.name, field, value)
}
