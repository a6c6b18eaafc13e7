package ircdd

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	r "gopkg.in/rethinkdb/rethinkdb-go.v5"
)

var (
	errDuplicateUser  = errors.New("duplicate user")
	errNoSuchUser     = errors.New("no such user")
	errDuplicateGroup = errors.New("duplicate group")
	errNoSuchGroup    = errors.New("no such group")
)

// UserRecord is the authoritative user row in the cluster directory.
type UserRecord struct {
	Nickname    string `rethinkdb:"nickname"`
	Email       string `rethinkdb:"email"`
	Password    string `rethinkdb:"password"`
	Registered  bool   `rethinkdb:"registered"`
	Permissions string `rethinkdb:"permissions"`
}

// SessionRecord tracks a user's liveness and the node its connection
// terminates on.
type SessionRecord struct {
	Nickname      string    `rethinkdb:"nickname"`
	LastHeartbeat time.Time `rethinkdb:"last_heartbeat"`
	Active        bool      `rethinkdb:"active"`
	NodeID        string    `rethinkdb:"node_id"`
}

// GroupMeta is the mutable metadata blob attached to a group row.
type GroupMeta struct {
	Topic string `rethinkdb:"topic"`
}

// GroupRecord is the authoritative group row.
type GroupRecord struct {
	Name      string    `rethinkdb:"name"`
	Owner     string    `rethinkdb:"owner"`
	Type      string    `rethinkdb:"type"`
	Meta      GroupMeta `rethinkdb:"meta"`
	CreatedAt time.Time `rethinkdb:"created_at"`
}

// GroupState holds the per-group membership heartbeats, one entry per
// (user, node) pair currently claiming membership somewhere in the cluster.
type GroupState struct {
	Name           string               `rethinkdb:"name"`
	UserHeartbeats map[string]time.Time `rethinkdb:"user_heartbeats"`
}

// MemberCount returns the number of heartbeats younger than expiry. A zero
// expiry counts every entry.
func (gs *GroupState) MemberCount(expiry time.Duration) int {
	if gs == nil {
		return 0
	}
	n := 0
	cutoff := time.Now().Add(-expiry)
	for _, hb := range gs.UserHeartbeats {
		if expiry == 0 || hb.After(cutoff) {
			n++
		}
	}
	return n
}

// sortedHeartbeatNames returns the members of a group state whose
// heartbeats are younger than expiry, sorted for stable replies.
func sortedHeartbeatNames(gs *GroupState, expiry time.Duration) []string {
	if gs == nil {
		return nil
	}
	cutoff := time.Now().Add(-expiry)
	var names []string
	for name, hb := range gs.UserHeartbeats {
		if expiry == 0 || hb.After(cutoff) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Store is the document-store facade the realm, groups and protocol adapter
// consume. The production implementation is Database (RethinkDB); tests
// substitute an in-memory one.
type Store interface {
	CreateUser(name, email, password string, registered bool, permissions string) error
	LookupUser(name string) (*UserRecord, error)
	LookupUserSession(name string) (*SessionRecord, error)
	HeartbeatUserSession(name string) error
	DeactivateUserSession(name string) error

	CreateGroup(name, groupType string) error
	LookupGroup(name string) (*GroupRecord, error)
	ListGroups() ([]GroupRecord, error)
	SetGroupMeta(name, field string, value interface{}) error

	LookupGroupState(name string) (*GroupState, error)
	HeartbeatUserInGroup(group, user string) error
	RemoveUserFromGroup(group, user string) error
	GroupsForUser(name string) ([]string, error)
}

// Database is the RethinkDB-backed Store. All methods are safe for use from
// multiple goroutines; the driver pools connections internally.
type Database struct {
	exec   r.QueryExecutor
	name   string
	nodeID string
}

// OpenDatabase connects to the RethinkDB endpoint named by the config and
// returns a facade scoped to cfg.DB, stamping session rows with the node
// hostname.
func OpenDatabase(cfg *Config) (*Database, error) {
	session, err := r.Connect(r.ConnectOpts{
		Address:  fmt.Sprintf("%v:%v", cfg.RDBHost, cfg.RDBPort),
		Database: cfg.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to document store: %v", err)
	}
	return &Database{exec: session, name: cfg.DB, nodeID: cfg.Hostname}, nil
}

var storeTables = map[string]string{
	"users":         "nickname",
	"user_sessions": "nickname",
	"groups":        "name",
	"group_states":  "name",
}

// Init bootstraps the database and the four collections. It is idempotent:
// already-existing databases and tables are left alone.
func (db *Database) Init() error {
	if _, err := r.DBCreate(db.name).RunWrite(db.exec); err != nil && !isAlreadyExistsErr(err) {
		return err
	}
	for table, pk := range storeTables {
		_, err := r.DB(db.name).TableCreate(table, r.TableCreateOpts{PrimaryKey: pk}).RunWrite(db.exec)
		if err != nil && !isAlreadyExistsErr(err) {
			return err
		}
	}
	return nil
}

// Close tears down the underlying session, if any.
func (db *Database) Close() error {
	if session, ok := db.exec.(*r.Session); ok {
		return session.Close()
	}
	return nil
}

func (db *Database) CreateUser(name, email, password string, registered bool, permissions string) error {
	_, err := r.Table("users").Insert(UserRecord{
		Nickname:    casemapASCII(name),
		Email:       email,
		Password:    password,
		Registered:  registered,
		Permissions: permissions,
	}).RunWrite(db.exec)
	if isDuplicateErr(err) {
		return errDuplicateUser
	}
	return err
}

func (db *Database) LookupUser(name string) (*UserRecord, error) {
	var record UserRecord
	if err := db.getOne(r.Table("users").Get(casemapASCII(name)), &record, errNoSuchUser); err != nil {
		return nil, err
	}
	return &record, nil
}

func (db *Database) LookupUserSession(name string) (*SessionRecord, error) {
	var record SessionRecord
	if err := db.getOne(r.Table("user_sessions").Get(casemapASCII(name)), &record, errNoSuchUser); err != nil {
		return nil, err
	}
	return &record, nil
}

func (db *Database) HeartbeatUserSession(name string) error {
	_, err := r.Table("user_sessions").Insert(SessionRecord{
		Nickname:      casemapASCII(name),
		LastHeartbeat: time.Now().UTC(),
		Active:        true,
		NodeID:        db.nodeID,
	}, r.InsertOpts{Conflict: "update"}).RunWrite(db.exec)
	return err
}

func (db *Database) DeactivateUserSession(name string) error {
	_, err := r.Table("user_sessions").Get(casemapASCII(name)).Update(map[string]interface{}{
		"active": false,
	}).RunWrite(db.exec)
	return err
}

func (db *Database) CreateGroup(name, groupType string) error {
	name = casemapASCII(name)
	_, err := r.Table("groups").Insert(GroupRecord{
		Name:      name,
		Type:      groupType,
		Meta:      GroupMeta{Topic: ""},
		CreatedAt: time.Now().UTC(),
	}).RunWrite(db.exec)
	if isDuplicateErr(err) {
		return errDuplicateGroup
	}
	if err != nil {
		return err
	}
	// Seed the membership row so LIST and WHO see the group immediately.
	_, err = r.Table("group_states").Insert(map[string]interface{}{
		"name":            name,
		"user_heartbeats": map[string]interface{}{},
	}, r.InsertOpts{Conflict: "update"}).RunWrite(db.exec)
	return err
}

func (db *Database) LookupGroup(name string) (*GroupRecord, error) {
	var record GroupRecord
	if err := db.getOne(r.Table("groups").Get(casemapASCII(name)), &record, errNoSuchGroup); err != nil {
		return nil, err
	}
	return &record, nil
}

func (db *Database) ListGroups() ([]GroupRecord, error) {
	cursor, err := r.Table("groups").Run(db.exec)
	if err != nil {
		return nil, err
	}
	defer cursor.Close()

	var records []GroupRecord
	if err := cursor.All(&records); err != nil {
		return nil, err
	}
	return records, nil
}

func (db *Database) SetGroupMeta(name, field string, value interface{}) error {
	resp, err := r.Table("groups").Get(casemapASCII(name)).Update(map[string]interface{}{
		"meta": map[string]interface{}{field: value},
	}).RunWrite(db.exec)
	if err != nil {
		return err
	}
	if resp.Skipped > 0 {
		return errNoSuchGroup
	}
	return nil
}

func (db *Database) LookupGroupState(name string) (*GroupState, error) {
	var state GroupState
	if err := db.getOne(r.Table("group_states").Get(casemapASCII(name)), &state, errNoSuchGroup); err != nil {
		return nil, err
	}
	return &state, nil
}

func (db *Database) HeartbeatUserInGroup(group, user string) error {
	_, err := r.Table("group_states").Insert(map[string]interface{}{
		"name": casemapASCII(group),
		"user_heartbeats": map[string]interface{}{
			casemapASCII(user): time.Now().UTC(),
		},
	}, r.InsertOpts{Conflict: "update"}).RunWrite(db.exec)
	return err
}

func (db *Database) RemoveUserFromGroup(group, user string) error {
	_, err := r.Table("group_states").Get(casemapASCII(group)).Update(map[string]interface{}{
		"user_heartbeats": r.Literal(r.Row.Field("user_heartbeats").Without(casemapASCII(user))),
	}).RunWrite(db.exec)
	return err
}

func (db *Database) GroupsForUser(name string) ([]string, error) {
	cursor, err := r.Table("group_states").Filter(
		r.Row.Field("user_heartbeats").HasFields(casemapASCII(name)),
	).Field("name").Run(db.exec)
	if err != nil {
		return nil, err
	}
	defer cursor.Close()

	var names []string
	if err := cursor.All(&names); err != nil {
		return nil, err
	}
	return names, nil
}

func (db *Database) getOne(term r.Term, out interface{}, missing error) error {
	cursor, err := term.Run(db.exec)
	if err != nil {
		return err
	}
	defer cursor.Close()

	if err := cursor.One(out); err != nil {
		if err == r.ErrEmptyResult {
			return missing
		}
		return err
	}
	return nil
}

// RethinkDB reports unique-key violations in the write response error text.
func isDuplicateErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Duplicate primary key")
}

func isAlreadyExistsErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "already exists")
}
