package ircdd

import (
	"sync"
	"time"
)

// mind is the delivery end of a sharded user: the IRC connection when the
// user terminates on this node, a remoteMind when it terminates elsewhere.
type mind interface {
	receive(sender, target string, rec *ChatRecord)
	local() bool
}

// remoteMind stands in for a connection held by another node. Deliveries
// are dropped here; the owning node learns of them through its own bus
// subscriptions.
type remoteMind struct {
	nodeID string
}

func (m *remoteMind) receive(sender, target string, rec *ChatRecord) {}

func (m *remoteMind) local() bool { return false }

// shardedUser is a per-user handle owned by the realm, alive from login
// to disconnect. The zero of groups means "joined nothing yet".
type shardedUser struct {
	realm *Realm
	name  string
	mind  mind

	lock   sync.Mutex
	groups map[string]*shardedGroup
}

func newShardedUser(realm *Realm, name string, m mind) *shardedUser {
	return &shardedUser{
		realm:  realm,
		name:   casemapASCII(name),
		mind:   m,
		groups: make(map[string]*shardedGroup),
	}
}

func (u *shardedUser) receive(sender, target string, rec *ChatRecord) {
	u.mind.receive(sender, target, rec)
}

// send publishes one line into a group and refreshes the sender's session
// heartbeat, so an actively chatting user never expires.
func (u *shardedUser) send(g *shardedGroup, text string) {
	g.send(&ChatRecord{
		Sender:     u.name,
		Text:       text,
		Ts:         time.Now().Unix(),
		SenderNode: u.realm.Name,
		Recipient:  "#" + g.name,
	})
	if err := u.realm.store.HeartbeatUserSession(u.name); err != nil {
		u.realm.logger.Printf("failed to heartbeat session for %q: %v", u.name, err)
	}
}

// sendTo delivers one line to another user. A peer attached to this node
// receives directly; a remote peer's record rides the bus on the topic
// named after its nickname, which only its home node consumes.
func (u *shardedUser) sendTo(peer *shardedUser, text string) {
	rec := &ChatRecord{
		Sender:     u.name,
		Text:       text,
		Ts:         time.Now().Unix(),
		SenderNode: u.realm.Name,
		Recipient:  peer.name,
	}
	if peer.mind.local() {
		peer.receive(u.name, peer.name, rec)
	} else if err := u.realm.bus.Publish(peer.name, rec); err != nil {
		u.realm.logger.Printf("failed to publish to %q: %v", peer.name, err)
	}
	if err := u.realm.store.HeartbeatUserSession(u.name); err != nil {
		u.realm.logger.Printf("failed to heartbeat session for %q: %v", u.name, err)
	}
}

func (u *shardedUser) join(g *shardedGroup) error {
	if err := g.add(u); err != nil {
		return err
	}
	u.lock.Lock()
	u.groups[g.name] = g
	u.lock.Unlock()
	return nil
}

func (u *shardedUser) leave(g *shardedGroup, reason string) error {
	u.lock.Lock()
	_, joined := u.groups[g.name]
	delete(u.groups, g.name)
	u.lock.Unlock()
	if !joined {
		return errNotOnChannel
	}
	return g.remove(u, reason)
}

// forEachGroup visits a snapshot of the user's joined groups.
func (u *shardedUser) forEachGroup(f func(g *shardedGroup)) {
	u.lock.Lock()
	groups := make([]*shardedGroup, 0, len(u.groups))
	for _, g := range u.groups {
		groups = append(groups, g)
	}
	u.lock.Unlock()
	for _, g := range groups {
		f(g)
	}
}
