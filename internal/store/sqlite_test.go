package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/garden-chat/internal/chat"
	"github.com/lk2023060901/garden-chat/pkg/util/merr"
	"github.com/lk2023060901/garden-chat/pkg/util/retry"
)

type SQLiteStoreSuite struct {
	suite.Suite

	ctx   context.Context
	path  string
	store *SQLiteStore
	clock time.Time
}

func (s *SQLiteStoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.path = filepath.Join(s.T().TempDir(), "chat.db")
	s.clock = time.Date(2024, 3, 1, 12, 0, 0, 0, time.Local)

	st, err := Open(s.ctx, s.path, WithClock(func() time.Time {
		s.clock = s.clock.Add(time.Second)
		return s.clock
	}))
	s.Require().NoError(err)
	s.store = st
}

func (s *SQLiteStoreSuite) TearDownTest() {
	s.NoError(s.store.Close())
}

func (s *SQLiteStoreSuite) TestUsers() {
	created, err := s.store.InsertUser(s.ctx, "alice", "hash-a")
	s.NoError(err)
	s.True(created)

	created, err = s.store.InsertUser(s.ctx, "alice", "other")
	s.NoError(err)
	s.False(created)

	// usernames are case-sensitive
	created, err = s.store.InsertUser(s.ctx, "Alice", "hash-b")
	s.NoError(err)
	s.True(created)

	hash, err := s.store.UserPasswordHash(s.ctx, "alice")
	s.NoError(err)
	s.Equal("hash-a", hash)

	_, err = s.store.UserPasswordHash(s.ctx, "bob")
	s.ErrorIs(err, merr.ErrUserNotFound)
}

func (s *SQLiteStoreSuite) TestRecentMessages() {
	s.NoError(s.store.InsertMessage(s.ctx, "alice", chat.BroadcastReceiver, "one", chat.MessageBroadcast))
	s.NoError(s.store.InsertMessage(s.ctx, "alice", "bob", "two", chat.MessagePrivate))
	s.NoError(s.store.InsertMessage(s.ctx, "bob", "team", "three", chat.MessageGroup))

	recent, err := s.store.RecentMessages(s.ctx, 2)
	s.NoError(err)
	s.Require().Len(recent, 2)
	s.Equal("three", recent[0].Content)
	s.Equal(chat.MessageGroup, recent[0].Type)
	s.Equal("team", recent[0].Receiver)
	s.Equal("two", recent[1].Content)
	s.Equal("2024-03-01 12:00:02", recent[1].Timestamp)
	s.Greater(recent[0].ID, recent[1].ID)

	all, err := s.store.RecentMessages(s.ctx, 50)
	s.NoError(err)
	s.Len(all, 3)

	none, err := s.store.RecentMessages(s.ctx, 0)
	s.NoError(err)
	s.Empty(none)
}

func (s *SQLiteStoreSuite) TestReopenKeepsData() {
	_, err := s.store.InsertUser(s.ctx, "carol", "h")
	s.Require().NoError(err)
	s.Require().NoError(s.store.Close())

	st, err := Open(s.ctx, s.path)
	s.Require().NoError(err)
	s.store = st

	hash, err := s.store.UserPasswordHash(s.ctx, "carol")
	s.NoError(err)
	s.Equal("h", hash)
}

func (s *SQLiteStoreSuite) TestClosedStore() {
	st, err := Open(s.ctx, filepath.Join(s.T().TempDir(), "closed.db"))
	s.Require().NoError(err)
	s.Require().NoError(st.Close())

	err = st.InsertMessage(s.ctx, "a", "b", "c", chat.MessagePrivate)
	s.ErrorIs(err, merr.ErrStoreIO)
}

func TestSQLiteStore(t *testing.T) {
	suite.Run(t, new(SQLiteStoreSuite))
}

func TestOpenErrors(t *testing.T) {
	_, err := Open(context.Background(), "")
	require.ErrorIs(t, err, merr.ErrParameterMissing)

	_, err = Open(context.Background(), filepath.Join(t.TempDir(), "no", "such", "dir", "chat.db"))
	require.ErrorIs(t, err, merr.ErrStoreOpen)
}

func TestClassify(t *testing.T) {
	busy := classify("ping", sqlite3.Error{Code: sqlite3.ErrBusy})
	require.ErrorIs(t, busy, merr.ErrStoreIO)
	require.True(t, merr.IsRetryableErr(busy))
	require.True(t, retry.IsRecoverable(busy))

	locked := classify("create schema", sqlite3.Error{Code: sqlite3.ErrLocked})
	require.True(t, merr.IsRetryableErr(locked))

	other := classify("ping", sqlite3.Error{Code: sqlite3.ErrCantOpen})
	require.False(t, retry.IsRecoverable(other))
	require.False(t, merr.IsRetryableErr(other))
}
