// Package store is the development row store: notification rows persisted
// in Badger, with every write emitted as a row change on the event stream
// the relay fans out.
package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Chrisleo-16/xtent-sub002/internal/metrics"
	"github.com/Chrisleo-16/xtent-sub002/internal/notifications"
	"github.com/Chrisleo-16/xtent-sub002/pkg/realtime"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Ensure Store implements notifications.Store
var _ notifications.Store = (*Store)(nil)

const (
	// Prefix keys for different record types
	prefixNotifications = "n:"
	prefixUserIndex     = "u:"
)

var (
	// ErrNotFound is returned for rows that do not exist or belong to
	// another user
	ErrNotFound = errors.New("store: not found")

	// ErrInvalid is returned for rows missing required fields
	ErrInvalid = errors.New("store: invalid row")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("store: closed")
)

// Config contains store configuration
type Config struct {
	// Base directory for data files; ignored when InMemory is set
	DataDir string

	// Keep everything in memory
	InMemory bool

	// Capacity of the change event stream
	EventBufferSize int
}

// DefaultConfig returns a default store configuration
func DefaultConfig() Config {
	return Config{
		DataDir:         "./data",
		EventBufferSize: 1000,
	}
}

// Store manages notification rows in Badger
type Store struct {
	config Config
	db     *badger.DB

	// writes are serialized so change events leave in commit order
	writeMu sync.Mutex
	events  chan *realtime.Change
	lost    chan struct{}
	closed  bool

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// New opens the store
func New(config Config) (*Store, error) {
	logger := log.With().Str("component", "store-badger").Logger()

	if config.EventBufferSize <= 0 {
		config.EventBufferSize = DefaultConfig().EventBufferSize
	}

	var options badger.Options
	if config.InMemory {
		options = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if config.DataDir == "" {
			config.DataDir = DefaultConfig().DataDir
		}
		dbPath := filepath.Join(config.DataDir, "badger")
		if err := os.MkdirAll(dbPath, 0755); err != nil {
			return nil, fmt.Errorf("failed to create badger directory: %w", err)
		}
		options = badger.DefaultOptions(dbPath)
	}
	options = options.WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open Badger: %w", err)
	}

	logger.Info().
		Bool("in_memory", config.InMemory).
		Str("data_dir", config.DataDir).
		Msg("Store opened")

	return &Store{
		config:  config,
		db:      db,
		events:  make(chan *realtime.Change, config.EventBufferSize),
		lost:    make(chan struct{}, 1),
		logger:  logger,
		metrics: metrics.GetMetrics(),
	}, nil
}

// Events returns the stream of row changes committed by the store
func (s *Store) Events() <-chan *realtime.Change {
	return s.events
}

// Lost receives a value after the event stream had to drop a change because
// its reader fell behind. Readers of Events can no longer trust the changes
// they saw and must resync. Closed with the store.
func (s *Store) Lost() <-chan struct{} {
	return s.lost
}

// Publish puts an externally produced row change on the event stream, e.g.
// a write to a table the store does not hold
func (s *Store) Publish(change *realtime.Change) error {
	if change == nil || change.Resource == "" {
		return fmt.Errorf("%w: change needs a resource", ErrInvalid)
	}
	if _, err := realtime.ParseEventType(string(change.Type)); err != nil || change.Type == realtime.EventAll {
		return fmt.Errorf("%w: change needs an INSERT, UPDATE or DELETE type", ErrInvalid)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if change.Id == "" {
		change.Id = uuid.NewString()
	}
	if change.CommitTs == nil {
		change.CommitTs = timestamppb.Now()
	}
	s.emitLocked(change)
	return nil
}

// CreateNotification inserts a notification row. Id and CreatedAt are
// assigned when missing.
func (s *Store) CreateNotification(ctx context.Context, n *realtime.Notification) (*realtime.Notification, error) {
	if n == nil || n.UserId == "" {
		s.metrics.StoreOperations.WithLabelValues("create_notification", "false").Inc()
		return nil, fmt.Errorf("%w: notification needs a user_id", ErrInvalid)
	}
	if err := realtime.ValidateUserID(n.UserId); err != nil {
		s.metrics.StoreOperations.WithLabelValues("create_notification", "false").Inc()
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	row := n.Clone()
	if row.Id == "" {
		row.Id = uuid.NewString()
	}
	if row.CreatedAt == nil {
		row.CreatedAt = timestamppb.Now()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(notificationKey(row.Id)); err == nil {
			return fmt.Errorf("%w: notification %s already exists", ErrInvalid, row.Id)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return putNotification(txn, row)
	})
	if err != nil {
		s.metrics.StoreOperations.WithLabelValues("create_notification", "false").Inc()
		return nil, fmt.Errorf("failed to create notification: %w", err)
	}
	s.metrics.StoreOperations.WithLabelValues("create_notification", "true").Inc()

	s.emitLocked(&realtime.Change{
		Type:     realtime.EventInsert,
		Resource: realtime.NotificationsResource,
		Record:   row.Record(),
	})
	return row.Clone(), nil
}

// GetNotification returns one notification row
func (s *Store) GetNotification(ctx context.Context, id string) (*realtime.Notification, error) {
	var n *realtime.Notification
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		n, err = getNotification(txn, id)
		return err
	})
	if err != nil {
		s.metrics.StoreOperations.WithLabelValues("get_notification", "false").Inc()
		return nil, err
	}
	s.metrics.StoreOperations.WithLabelValues("get_notification", "true").Inc()
	return n, nil
}

// ListNotifications returns up to limit notifications of userID, newest
// first. A limit of zero or less returns all of them.
func (s *Store) ListNotifications(ctx context.Context, userID string, limit int) ([]*realtime.Notification, error) {
	if err := realtime.ValidateUserID(userID); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	var out []*realtime.Notification

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := userPrefix(userID)
		// seek past the last key of the prefix for reverse iteration
		seek := append(append([]byte{}, prefix...), 0xFF)

		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			id := string(it.Item().Key()[len(prefix)+8:])
			n, err := getNotification(txn, id)
			if err != nil {
				s.logger.Error().Err(err).Str("id", id).Msg("Dangling user index entry")
				continue
			}
			out = append(out, n)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		s.metrics.StoreOperations.WithLabelValues("list_notifications", "false").Inc()
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}

	s.metrics.StoreOperations.WithLabelValues("list_notifications", "true").Inc()
	return out, nil
}

// MarkRead marks one notification of userID read. Marking a read
// notification again is a no-op and emits nothing.
func (s *Store) MarkRead(ctx context.Context, userID, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ErrClosed
	}

	var changes []*realtime.Change
	err := s.db.Update(func(txn *badger.Txn) error {
		n, err := getNotification(txn, id)
		if err != nil {
			return err
		}
		if n.UserId != userID {
			return fmt.Errorf("%w: notification %s", ErrNotFound, id)
		}
		change, err := markRead(txn, n)
		if change != nil {
			changes = append(changes, change)
		}
		return err
	})
	if err != nil {
		s.metrics.StoreOperations.WithLabelValues("mark_read", "false").Inc()
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	s.metrics.StoreOperations.WithLabelValues("mark_read", "true").Inc()

	for _, change := range changes {
		s.emitLocked(change)
	}
	return nil
}

// MarkAllRead marks every unread notification of userID read
func (s *Store) MarkAllRead(ctx context.Context, userID string) error {
	if err := realtime.ValidateUserID(userID); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ErrClosed
	}

	var changes []*realtime.Change
	err := s.db.Update(func(txn *badger.Txn) error {
		unread, err := unreadOf(txn, userID)
		if err != nil {
			return err
		}

		for _, n := range unread {
			change, err := markRead(txn, n)
			if err != nil {
				return err
			}
			if change != nil {
				changes = append(changes, change)
			}
		}
		return nil
	})
	if err != nil {
		s.metrics.StoreOperations.WithLabelValues("mark_all_read", "false").Inc()
		return fmt.Errorf("failed to mark all notifications read: %w", err)
	}
	s.metrics.StoreOperations.WithLabelValues("mark_all_read", "true").Inc()

	for _, change := range changes {
		s.emitLocked(change)
	}
	return nil
}

// DeleteNotification removes one notification of userID
func (s *Store) DeleteNotification(ctx context.Context, userID, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ErrClosed
	}

	var old *realtime.Notification
	err := s.db.Update(func(txn *badger.Txn) error {
		n, err := getNotification(txn, id)
		if err != nil {
			return err
		}
		if n.UserId != userID {
			return fmt.Errorf("%w: notification %s", ErrNotFound, id)
		}
		old = n
		if err := txn.Delete(notificationKey(id)); err != nil {
			return err
		}
		return txn.Delete(userIndexKey(n))
	})
	if err != nil {
		s.metrics.StoreOperations.WithLabelValues("delete_notification", "false").Inc()
		return fmt.Errorf("failed to delete notification: %w", err)
	}
	s.metrics.StoreOperations.WithLabelValues("delete_notification", "true").Inc()

	s.emitLocked(&realtime.Change{
		Type:      realtime.EventDelete,
		Resource:  realtime.NotificationsResource,
		OldRecord: old.Record(),
	})
	return nil
}

// Close closes the database and the event stream
func (s *Store) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	close(s.lost)

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close Badger: %w", err)
	}
	return nil
}

// emitLocked puts a change on the event stream without blocking writers. A
// change that does not fit is dropped and reported on Lost.
func (s *Store) emitLocked(change *realtime.Change) {
	if change.Id == "" {
		change.Id = uuid.NewString()
	}
	if change.CommitTs == nil {
		change.CommitTs = timestamppb.Now()
	}

	select {
	case s.events <- change:
		return
	default:
	}

	s.metrics.StoreOperations.WithLabelValues("emit", "false").Inc()
	s.logger.Warn().
		Str("resource", change.Resource).
		Str("type", string(change.Type)).
		Msg("Event stream buffer full, dropping change")

	select {
	case s.lost <- struct{}{}:
	default:
	}
}

// unreadOf returns the unread notifications of userID, oldest first
func unreadOf(txn *badger.Txn, userID string) ([]*realtime.Notification, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	prefix := userPrefix(userID)
	var unread []*realtime.Notification
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		id := string(it.Item().Key()[len(prefix)+8:])
		n, err := getNotification(txn, id)
		if err != nil {
			return nil, err
		}
		if !n.IsRead {
			unread = append(unread, n)
		}
	}
	return unread, nil
}

func markRead(txn *badger.Txn, n *realtime.Notification) (*realtime.Change, error) {
	if n.IsRead {
		return nil, nil
	}
	old := n.Record()
	n.IsRead = true
	n.UpdatedAt = timestamppb.Now()
	if err := putNotification(txn, n); err != nil {
		return nil, err
	}
	return &realtime.Change{
		Type:      realtime.EventUpdate,
		Resource:  realtime.NotificationsResource,
		Record:    n.Record(),
		OldRecord: old,
	}, nil
}

func putNotification(txn *badger.Txn, n *realtime.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	if err := txn.Set(notificationKey(n.Id), data); err != nil {
		return err
	}
	return txn.Set(userIndexKey(n), nil)
}

func getNotification(txn *badger.Txn, id string) (*realtime.Notification, error) {
	item, err := txn.Get(notificationKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: notification %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to retrieve notification: %w", err)
	}

	var n realtime.Notification
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &n)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal notification: %w", err)
	}
	return &n, nil
}

func notificationKey(id string) []byte {
	return []byte(prefixNotifications + id)
}

// userPrefix ends in NUL, which user ids never contain, so one user's
// prefix is never the prefix of another's
func userPrefix(userID string) []byte {
	return []byte(prefixUserIndex + userID + "\x00")
}

// userIndexKey orders a user's notifications by creation time, then id:
// u:{userID}\x00{created unix nanos, big endian}{id}
func userIndexKey(n *realtime.Notification) []byte {
	prefix := userPrefix(n.UserId)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(n.Created().UnixNano()))

	var buf bytes.Buffer
	buf.Grow(len(prefix) + len(ts) + len(n.Id))
	buf.Write(prefix)
	buf.Write(ts[:])
	buf.WriteString(n.Id)
	return buf.Bytes()
}
