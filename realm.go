package ircdd

import (
	"errors"
	"sync"
	"time"
)

var (
	errAlreadyLoggedIn  = errors.New("already logged in")
	errAlreadyOnChannel = errors.New("already on channel")
	errNotOnChannel     = errors.New("not on channel")
)

// Realm is one node's view of the cluster: the directory of users whose
// connections terminate here and of groups some local user is interested
// in. The store holds the authoritative cluster state; the realm is the
// local cache and relay on top of it.
type Realm struct {
	// Name doubles as the node id in session rows and bus channels, and
	// as the server identity in IRC replies.
	Name string

	logger Logger
	store  Store
	bus    Bus

	createUserOnRequest  bool
	createGroupOnRequest bool
	sessionExpiry        time.Duration

	lock   sync.Mutex
	users  map[string]*shardedUser
	groups map[string]*shardedGroup
}

func NewRealm(cfg *Config, store Store, bus Bus, logger Logger) *Realm {
	return &Realm{
		Name:                 cfg.Hostname,
		logger:               &prefixLogger{logger, "realm: "},
		store:                store,
		bus:                  bus,
		createUserOnRequest:  cfg.UserOnRequest,
		createGroupOnRequest: cfg.GroupOnRequest,
		sessionExpiry:        cfg.SessionExpiry,
		users:                make(map[string]*shardedUser),
		groups:               make(map[string]*shardedGroup),
	}
}

// sessionLive reports whether a session row represents a user currently
// connected somewhere in the cluster.
func (r *Realm) sessionLive(rec *SessionRecord) bool {
	return rec.Active && time.Since(rec.LastHeartbeat) < r.sessionExpiry
}

// requestAvatar admits an authenticated nick and binds it to m. It
// returns the attached user and a logout function that detaches it,
// deactivates the session and empties the user's rosters. A nick already
// attached here, or holding a live session on another node, is refused.
func (r *Realm) requestAvatar(nick string, m mind) (*shardedUser, func(), error) {
	u, err := r.getUser(nick, m)
	if err != nil {
		return nil, nil, err
	}
	if u.mind != m {
		return nil, nil, errAlreadyLoggedIn
	}

	if err := r.store.HeartbeatUserSession(u.name); err != nil {
		r.logger.Printf("failed to heartbeat session for %q: %v", u.name, err)
	}
	// Direct messages for this nick ride the bus on a topic named after
	// it; only the node holding the connection consumes that topic.
	if err := r.bus.Subscribe(u.name, r.Name, func(rec *ChatRecord) {
		u.receive(rec.Sender, u.name, rec)
	}); err != nil {
		r.logger.Printf("failed to subscribe inbox for %q: %v", u.name, err)
	}

	return u, func() { r.logout(u) }, nil
}

func (r *Realm) logout(u *shardedUser) {
	u.forEachGroup(func(g *shardedGroup) {
		if err := u.leave(g, "logged out"); err != nil {
			r.logger.Printf("failed to part %q from %q: %v", u.name, g.name, err)
		}
	})
	if err := r.bus.Unsubscribe(u.name, r.Name); err != nil {
		r.logger.Printf("failed to unsubscribe inbox for %q: %v", u.name, err)
	}
	if err := r.store.DeactivateUserSession(u.name); err != nil {
		r.logger.Printf("failed to deactivate session for %q: %v", u.name, err)
	}

	r.lock.Lock()
	if r.users[u.name] == u {
		delete(r.users, u.name)
	}
	r.lock.Unlock()
}

func (r *Realm) addUser(u *shardedUser) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.users[u.name]; ok {
		return errDuplicateUser
	}
	r.users[u.name] = u
	return nil
}

func (r *Realm) getUser(name string, m mind) (*shardedUser, error) {
	if r.createUserOnRequest {
		u, err := r.createUser(name, m)
		if err == errDuplicateUser {
			return r.lookupUser(name)
		}
		return u, err
	}
	return r.lookupUser(name)
}

// lookupUser resolves a nick to its handle: the local user if attached
// here, a remote proxy if the store shows a live session elsewhere,
// not-found otherwise.
func (r *Realm) lookupUser(name string) (*shardedUser, error) {
	name = casemapASCII(name)

	r.lock.Lock()
	u, ok := r.users[name]
	r.lock.Unlock()
	if ok {
		return u, nil
	}

	if _, err := r.store.LookupUser(name); err != nil {
		return nil, err
	}
	session, err := r.store.LookupUserSession(name)
	if err != nil {
		return nil, err
	}
	if !r.sessionLive(session) {
		return nil, errNoSuchUser
	}
	return newShardedUser(r, name, &remoteMind{nodeID: session.NodeID}), nil
}

// createUser builds the local handle for an authenticated nick. The
// caller's auth layer has already ensured the store row exists.
func (r *Realm) createUser(name string, m mind) (*shardedUser, error) {
	switch _, err := r.lookupUser(name); err {
	case nil:
		return nil, errDuplicateUser
	case errNoSuchUser:
	default:
		return nil, err
	}

	u := newShardedUser(r, name, m)
	if err := r.addUser(u); err != nil {
		return nil, err
	}
	return u, nil
}

func (r *Realm) addGroup(g *shardedGroup) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.groups[g.name]; ok {
		return errDuplicateGroup
	}
	r.groups[g.name] = g
	return nil
}

// lookupGroup is local-only: a group nobody here has joined is not
// considered present, even if its row exists in the store.
func (r *Realm) lookupGroup(name string) (*shardedGroup, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if g, ok := r.groups[casemapASCII(name)]; ok {
		return g, nil
	}
	return nil, errNoSuchGroup
}

// getGroup resolves a group for JOIN. A row that exists cluster-wide is
// always adopted with a fresh local handle; createGroupOnRequest only
// governs creating rows that do not exist anywhere yet.
func (r *Realm) getGroup(name string) (*shardedGroup, error) {
	if g, err := r.lookupGroup(name); err == nil {
		return g, nil
	}
	switch _, err := r.store.LookupGroup(name); err {
	case nil:
		return r.instantiateGroup(name)
	case errNoSuchGroup:
	default:
		return nil, err
	}
	if !r.createGroupOnRequest {
		return nil, errNoSuchGroup
	}
	g, err := r.createGroup(name)
	if err == errDuplicateGroup {
		return r.lookupGroup(name)
	}
	return g, err
}

// createGroup upserts the group row through the store and registers a
// subscribed local handle for it.
func (r *Realm) createGroup(name string) (*shardedGroup, error) {
	if _, err := r.lookupGroup(name); err == nil {
		return nil, errDuplicateGroup
	}
	if err := r.store.CreateGroup(name, "public"); err != nil && err != errDuplicateGroup {
		return nil, err
	}
	return r.instantiateGroup(name)
}

func (r *Realm) instantiateGroup(name string) (*shardedGroup, error) {
	g := newShardedGroup(r, name)
	if err := r.addGroup(g); err != nil {
		// Lost the race to another connection; keep its handle.
		return r.lookupGroup(name)
	}
	if err := r.bus.Subscribe(g.name, r.Name, g.receive); err != nil {
		r.lock.Lock()
		delete(r.groups, g.name)
		r.lock.Unlock()
		return nil, err
	}
	return g, nil
}

// dropGroup retires a handle whose roster emptied: the bus subscription
// is released and the next local interest builds a fresh handle.
func (r *Realm) dropGroup(g *shardedGroup) {
	r.lock.Lock()
	if r.groups[g.name] != g || !g.empty() {
		r.lock.Unlock()
		return
	}
	delete(r.groups, g.name)
	r.lock.Unlock()

	if err := r.bus.Unsubscribe(g.name, r.Name); err != nil {
		r.logger.Printf("failed to unsubscribe %q: %v", g.name, err)
	}
}

// forEachUser visits a snapshot of the locally attached users.
func (r *Realm) forEachUser(f func(u *shardedUser)) {
	r.lock.Lock()
	users := make([]*shardedUser, 0, len(r.users))
	for _, u := range r.users {
		users = append(users, u)
	}
	r.lock.Unlock()
	for _, u := range users {
		f(u)
	}
}
