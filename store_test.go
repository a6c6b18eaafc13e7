package ircdd

import (
	"errors"
	"testing"
	"time"

	r "gopkg.in/rethinkdb/rethinkdb-go.v5"
)

func mockDatabase(mock *r.Mock) *Database {
	return &Database{exec: mock, name: "ircdd", nodeID: "testserver"}
}

func TestLookupUserFound(t *testing.T) {
	mock := r.NewMock()
	mock.On(r.Table("users").Get("john")).Return(map[string]interface{}{
		"nickname":   "john",
		"email":      "john@example.com",
		"password":   "hash",
		"registered": true,
	}, nil)

	db := mockDatabase(mock)
	record, err := db.LookupUser("John")
	if err != nil {
		t.Fatalf("LookupUser failed: %v", err)
	}
	if record.Nickname != "john" || !record.Registered {
		t.Fatalf("invalid record: %+v", record)
	}
	mock.AssertExpectations(t)
}

func TestLookupUserNotFound(t *testing.T) {
	mock := r.NewMock()
	mock.On(r.Table("users").Get("ghost")).Return(nil, nil)

	db := mockDatabase(mock)
	if _, err := db.LookupUser("ghost"); err != errNoSuchUser {
		t.Fatalf("want errNoSuchUser, got: %v", err)
	}
	mock.AssertExpectations(t)
}

func TestCreateUserDuplicate(t *testing.T) {
	record := UserRecord{Nickname: "john", Password: "hash", Registered: true}

	mock := r.NewMock()
	mock.On(r.Table("users").Insert(record)).Return(nil,
		errors.New(`rethinkdb: Duplicate primary key "nickname"`))

	db := mockDatabase(mock)
	if err := db.CreateUser("John", "", "hash", true, ""); err != errDuplicateUser {
		t.Fatalf("want errDuplicateUser, got: %v", err)
	}
	mock.AssertExpectations(t)
}

func TestLookupGroupNotFound(t *testing.T) {
	mock := r.NewMock()
	mock.On(r.Table("groups").Get("nowhere")).Return(nil, nil)

	db := mockDatabase(mock)
	if _, err := db.LookupGroup("nowhere"); err != errNoSuchGroup {
		t.Fatalf("want errNoSuchGroup, got: %v", err)
	}
	mock.AssertExpectations(t)
}

func TestGroupsForUser(t *testing.T) {
	mock := r.NewMock()
	mock.On(r.Table("group_states").Filter(
		r.Row.Field("user_heartbeats").HasFields("john"),
	).Field("name")).Return([]interface{}{"a", "b"}, nil)

	db := mockDatabase(mock)
	groups, err := db.GroupsForUser("john")
	if err != nil {
		t.Fatalf("GroupsForUser failed: %v", err)
	}
	if len(groups) != 2 || groups[0] != "a" || groups[1] != "b" {
		t.Fatalf("invalid groups: %v", groups)
	}
	mock.AssertExpectations(t)
}

func TestMemberCount(t *testing.T) {
	state := &GroupState{
		Name: "room",
		UserHeartbeats: map[string]time.Time{
			"fresh": time.Now(),
			"stale": time.Now().Add(-5 * time.Minute),
		},
	}

	if got := state.MemberCount(90 * time.Second); got != 1 {
		t.Fatalf("want 1 live member, got %d", got)
	}
	if got := state.MemberCount(0); got != 2 {
		t.Fatalf("want 2 members without expiry, got %d", got)
	}

	var nilState *GroupState
	if got := nilState.MemberCount(time.Minute); got != 0 {
		t.Fatalf("want 0 members for nil state, got %d", got)
	}
}

func TestSortedHeartbeatNames(t *testing.T) {
	state := &GroupState{
		Name: "room",
		UserHeartbeats: map[string]time.Time{
			"zoe":   time.Now(),
			"adam":  time.Now(),
			"stale": time.Now().Add(-5 * time.Minute),
		},
	}

	names := sortedHeartbeatNames(state, 90*time.Second)
	if len(names) != 2 || names[0] != "adam" || names[1] != "zoe" {
		t.Fatalf("invalid names: %v", names)
	}
}
