package ircdd

import (
	"fmt"
	"io"
	"log"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/irc.v3"
)

// memData is the cluster-shared backing state for in-memory stores.
// Each node gets its own memStore facade over the same data, mirroring
// several servers talking to one database.
type memData struct {
	lock     sync.Mutex
	users    map[string]UserRecord
	sessions map[string]SessionRecord
	groups   map[string]GroupRecord
	states   map[string]map[string]time.Time
}

func newMemData() *memData {
	return &memData{
		users:    make(map[string]UserRecord),
		sessions: make(map[string]SessionRecord),
		groups:   make(map[string]GroupRecord),
		states:   make(map[string]map[string]time.Time),
	}
}

func (d *memData) store(nodeID string) *memStore {
	return &memStore{d: d, nodeID: nodeID}
}

type memStore struct {
	d      *memData
	nodeID string
}

var _ Store = (*memStore)(nil)

func (s *memStore) CreateUser(name, email, password string, registered bool, permissions string) error {
	name = casemapASCII(name)
	s.d.lock.Lock()
	defer s.d.lock.Unlock()
	if _, ok := s.d.users[name]; ok {
		return errDuplicateUser
	}
	s.d.users[name] = UserRecord{
		Nickname:    name,
		Email:       email,
		Password:    password,
		Registered:  registered,
		Permissions: permissions,
	}
	return nil
}

func (s *memStore) LookupUser(name string) (*UserRecord, error) {
	s.d.lock.Lock()
	defer s.d.lock.Unlock()
	record, ok := s.d.users[casemapASCII(name)]
	if !ok {
		return nil, errNoSuchUser
	}
	return &record, nil
}

func (s *memStore) LookupUserSession(name string) (*SessionRecord, error) {
	s.d.lock.Lock()
	defer s.d.lock.Unlock()
	record, ok := s.d.sessions[casemapASCII(name)]
	if !ok {
		return nil, errNoSuchUser
	}
	return &record, nil
}

func (s *memStore) HeartbeatUserSession(name string) error {
	name = casemapASCII(name)
	s.d.lock.Lock()
	defer s.d.lock.Unlock()
	s.d.sessions[name] = SessionRecord{
		Nickname:      name,
		LastHeartbeat: time.Now(),
		Active:        true,
		NodeID:        s.nodeID,
	}
	return nil
}

func (s *memStore) DeactivateUserSession(name string) error {
	name = casemapASCII(name)
	s.d.lock.Lock()
	defer s.d.lock.Unlock()
	if record, ok := s.d.sessions[name]; ok {
		record.Active = false
		s.d.sessions[name] = record
	}
	return nil
}

func (s *memStore) CreateGroup(name, groupType string) error {
	name = casemapASCII(name)
	s.d.lock.Lock()
	defer s.d.lock.Unlock()
	if _, ok := s.d.groups[name]; ok {
		return errDuplicateGroup
	}
	s.d.groups[name] = GroupRecord{
		Name:      name,
		Type:      groupType,
		CreatedAt: time.Now(),
	}
	if _, ok := s.d.states[name]; !ok {
		s.d.states[name] = make(map[string]time.Time)
	}
	return nil
}

func (s *memStore) LookupGroup(name string) (*GroupRecord, error) {
	s.d.lock.Lock()
	defer s.d.lock.Unlock()
	record, ok := s.d.groups[casemapASCII(name)]
	if !ok {
		return nil, errNoSuchGroup
	}
	return &record, nil
}

func (s *memStore) ListGroups() ([]GroupRecord, error) {
	s.d.lock.Lock()
	defer s.d.lock.Unlock()
	var records []GroupRecord
	for _, record := range s.d.groups {
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	return records, nil
}

func (s *memStore) SetGroupMeta(name, field string, value interface{}) error {
	name = casemapASCII(name)
	s.d.lock.Lock()
	defer s.d.lock.Unlock()
	record, ok := s.d.groups[name]
	if !ok {
		return errNoSuchGroup
	}
	if field == "topic" {
		record.Meta.Topic, _ = value.(string)
	}
	s.d.groups[name] = record
	return nil
}

func (s *memStore) LookupGroupState(name string) (*GroupState, error) {
	name = casemapASCII(name)
	s.d.lock.Lock()
	defer s.d.lock.Unlock()
	heartbeats, ok := s.d.states[name]
	if !ok {
		return nil, errNoSuchGroup
	}
	state := &GroupState{Name: name, UserHeartbeats: make(map[string]time.Time, len(heartbeats))}
	for user, hb := range heartbeats {
		state.UserHeartbeats[user] = hb
	}
	return state, nil
}

func (s *memStore) HeartbeatUserInGroup(group, user string) error {
	group, user = casemapASCII(group), casemapASCII(user)
	s.d.lock.Lock()
	defer s.d.lock.Unlock()
	if _, ok := s.d.states[group]; !ok {
		s.d.states[group] = make(map[string]time.Time)
	}
	s.d.states[group][user] = time.Now()
	return nil
}

func (s *memStore) RemoveUserFromGroup(group, user string) error {
	s.d.lock.Lock()
	defer s.d.lock.Unlock()
	if heartbeats, ok := s.d.states[casemapASCII(group)]; ok {
		delete(heartbeats, casemapASCII(user))
	}
	return nil
}

func (s *memStore) GroupsForUser(name string) ([]string, error) {
	name = casemapASCII(name)
	s.d.lock.Lock()
	defer s.d.lock.Unlock()
	var groups []string
	for group, heartbeats := range s.d.states {
		if _, ok := heartbeats[name]; ok {
			groups = append(groups, group)
		}
	}
	sort.Strings(groups)
	return groups, nil
}

// memBus delivers records synchronously to every handler subscribed on
// the topic, regardless of channel, which is the fan-out the real bus
// provides.
type memBus struct {
	lock sync.Mutex
	subs map[subKey]BusHandler
}

var _ Bus = (*memBus)(nil)

func newMemBus() *memBus {
	return &memBus{subs: make(map[subKey]BusHandler)}
}

func (b *memBus) Publish(topic string, rec *ChatRecord) error {
	b.lock.Lock()
	var handlers []BusHandler
	for key, handler := range b.subs {
		if key.topic == topic {
			handlers = append(handlers, handler)
		}
	}
	b.lock.Unlock()

	for _, handler := range handlers {
		handler(rec)
	}
	return nil
}

func (b *memBus) Subscribe(topic, channel string, handler BusHandler) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	key := subKey{topic, channel}
	if _, ok := b.subs[key]; ok {
		return fmt.Errorf("already subscribed to %v as %v", topic, channel)
	}
	b.subs[key] = handler
	return nil
}

func (b *memBus) Unsubscribe(topic, channel string) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	key := subKey{topic, channel}
	if _, ok := b.subs[key]; !ok {
		return fmt.Errorf("not subscribed to %v as %v", topic, channel)
	}
	delete(b.subs, key)
	return nil
}

func (b *memBus) subscribed(topic, channel string) bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	_, ok := b.subs[subKey{topic, channel}]
	return ok
}

func (b *memBus) Close() error {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.subs = make(map[subKey]BusHandler)
	return nil
}

// fakeMind records deliveries in place of a client connection.
type fakeMind struct {
	lock sync.Mutex
	recs []*ChatRecord
}

func (m *fakeMind) receive(sender, target string, rec *ChatRecord) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.recs = append(m.recs, rec)
}

func (m *fakeMind) local() bool { return true }

func (m *fakeMind) received() []*ChatRecord {
	m.lock.Lock()
	defer m.lock.Unlock()
	recs := make([]*ChatRecord, len(m.recs))
	copy(recs, m.recs)
	return recs
}

const (
	testHostname = "testserver"
	testPassword = "pw"
)

func testConfig(hostname string) *Config {
	cfg := DefaultConfig()
	cfg.Hostname = hostname
	cfg.GroupOnRequest = true
	return cfg
}

func newTestServer(t *testing.T, cfg *Config, data *memData, bus Bus) *Server {
	t.Helper()
	srv := NewServer(cfg, data.store(cfg.Hostname), bus, log.New(io.Discard, "", 0))
	t.Cleanup(srv.Shutdown)
	return srv
}

func createRegisteredUser(t *testing.T, data *memData, nick, password string) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to generate bcrypt hash: %v", err)
	}
	if err := data.store(testHostname).CreateUser(nick, "", string(hash), true, ""); err != nil {
		t.Fatalf("failed to create test user: %v", err)
	}
}

func createTestClient(t *testing.T, srv *Server) *irc.Conn {
	t.Helper()
	c1, c2 := net.Pipe()
	go srv.Handle(c1)
	t.Cleanup(func() { c2.Close() })
	return irc.NewConn(c2)
}

func expectMessage(t *testing.T, c *irc.Conn, cmd string) *irc.Message {
	t.Helper()
	msg, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read IRC message (want %q): %v", cmd, err)
	}
	if msg.Command != cmd {
		t.Fatalf("invalid message received: want %q, got: %v", cmd, msg)
	}
	return msg
}

func sendLogin(t *testing.T, c *irc.Conn, nick, password string) {
	t.Helper()
	if err := c.WriteMessage(&irc.Message{Command: "PASS", Params: []string{password}}); err != nil {
		t.Fatalf("failed to send PASS: %v", err)
	}
	if err := c.WriteMessage(&irc.Message{Command: "NICK", Params: []string{nick}}); err != nil {
		t.Fatalf("failed to send NICK: %v", err)
	}
}

// registerClient logs a client in and consumes the whole greeting burst.
func registerClient(t *testing.T, c *irc.Conn, nick, password string) {
	t.Helper()
	sendLogin(t, c, nick, password)
	expectMessage(t, c, irc.RPL_MOTDSTART)
	expectMessage(t, c, irc.RPL_ENDOFMOTD)
	expectMessage(t, c, irc.RPL_WELCOME)
	expectMessage(t, c, irc.RPL_YOURHOST)
	expectMessage(t, c, irc.RPL_CREATED)
	expectMessage(t, c, irc.RPL_MYINFO)
}

// joinChannel joins and consumes the JOIN burst (JOIN, names, topic).
func joinChannel(t *testing.T, c *irc.Conn, name string) {
	t.Helper()
	if err := c.WriteMessage(&irc.Message{Command: "JOIN", Params: []string{name}}); err != nil {
		t.Fatalf("failed to send JOIN: %v", err)
	}
	expectMessage(t, c, "JOIN")
	expectMessage(t, c, irc.RPL_NAMREPLY)
	expectMessage(t, c, irc.RPL_ENDOFNAMES)
	msg, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read topic reply: %v", err)
	}
	if msg.Command != irc.RPL_TOPIC && msg.Command != irc.RPL_NOTOPIC {
		t.Fatalf("invalid topic reply: %v", msg)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %v", what)
}
