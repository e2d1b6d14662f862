package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/ternarybob/crawjud/internal/interfaces"
	"github.com/ternarybob/crawjud/internal/models"
)

// envelope is the structure stored in Badger for each message
type envelope struct {
	ID           string              `json:"id"`
	Body         models.QueueMessage `json:"body"`
	EnqueuedAt   time.Time           `json:"enqueued_at"`
	VisibleAt    time.Time           `json:"visible_at"`
	ReceiveCount int                 `json:"receive_count"`
}

// BadgerManager is a persistent task queue on BadgerDB.
// Data lives at queue:{name}:msg:{id}; a visibility index queue:{name}:index:{visibleAt}:{id}
// orders messages by the time they become receivable.
type BadgerManager struct {
	db                *badger.DB
	queueName         string
	visibilityTimeout time.Duration
	maxReceive        int
}

var _ interfaces.TaskQueue = (*BadgerManager)(nil)

// NewBadgerManager creates a Badger-backed queue
func NewBadgerManager(db *badger.DB, queueName string, visibilityTimeout time.Duration, maxReceive int) (*BadgerManager, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if queueName == "" {
		return nil, errors.New("queue name is required")
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = 5 * time.Minute
	}
	if maxReceive <= 0 {
		maxReceive = 1
	}

	return &BadgerManager{
		db:                db,
		queueName:         queueName,
		visibilityTimeout: visibilityTimeout,
		maxReceive:        maxReceive,
	}, nil
}

// Enqueue adds a message, immediately visible, and returns its id
func (m *BadgerManager) Enqueue(ctx context.Context, msg models.QueueMessage) (string, error) {
	id := uuid.New().String()
	now := time.Now()
	env := envelope{
		ID:         id,
		Body:       msg,
		EnqueuedAt: now,
		VisibleAt:  now,
	}

	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to marshal queue message: %w", err)
	}

	err = m.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(m.msgKey(id), data); err != nil {
			return err
		}
		return txn.Set(m.indexKey(env.VisibleAt, id), []byte{})
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue message: %w", err)
	}
	return id, nil
}

// Receive claims the next visible message, hiding it for the visibility timeout.
// Messages received maxReceive times are discarded. Returns models.ErrNoMessage when empty.
func (m *BadgerManager) Receive(ctx context.Context) (*interfaces.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var env envelope
	err := m.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := m.indexPrefix()
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()
		var claimedIndex []byte

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)

			ts, id, err := m.parseIndexKey(key)
			if err != nil {
				continue
			}
			// keys sort by timestamp, nothing after this one is ready either
			if ts.After(now) {
				break
			}

			item, err := txn.Get(m.msgKey(id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				if err := txn.Delete(key); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &env)
			}); err != nil {
				return err
			}

			// an expired claim of a message that may not be redelivered
			if env.ReceiveCount >= m.maxReceive {
				if err := txn.Delete(key); err != nil {
					return err
				}
				if err := txn.Delete(m.msgKey(id)); err != nil {
					return err
				}
				continue
			}

			claimedIndex = key
			break
		}

		if claimedIndex == nil {
			return models.ErrNoMessage
		}

		env.ReceiveCount++
		env.VisibleAt = now.Add(m.visibilityTimeout)
		data, err := json.Marshal(env)
		if err != nil {
			return err
		}
		if err := txn.Set(m.msgKey(env.ID), data); err != nil {
			return err
		}
		if err := txn.Delete(claimedIndex); err != nil {
			return err
		}
		return txn.Set(m.indexKey(env.VisibleAt, env.ID), []byte{})
	})
	if err != nil {
		return nil, err
	}

	id := env.ID
	return &interfaces.Delivery{
		ID:           id,
		Message:      env.Body,
		ReceiveCount: env.ReceiveCount,
		Delete:       func() error { return m.delete(id) },
	}, nil
}

// delete removes a message and its current index entry
func (m *BadgerManager) delete(id string) error {
	return m.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(m.msgKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		var current envelope
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &current)
		}); err != nil {
			return err
		}

		if err := txn.Delete(m.indexKey(current.VisibleAt, id)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Delete(m.msgKey(id))
	})
}

// Extend keeps a claimed message hidden for duration from now
func (m *BadgerManager) Extend(ctx context.Context, messageID string, duration time.Duration) error {
	return m.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(m.msgKey(messageID))
		if err != nil {
			return err
		}

		var env envelope
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &env)
		}); err != nil {
			return err
		}

		oldVisibleAt := env.VisibleAt
		env.VisibleAt = time.Now().Add(duration)

		data, err := json.Marshal(env)
		if err != nil {
			return err
		}
		if err := txn.Set(m.msgKey(messageID), data); err != nil {
			return err
		}
		if err := txn.Delete(m.indexKey(oldVisibleAt, messageID)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(m.indexKey(env.VisibleAt, messageID), []byte{})
	})
}

// Len returns the number of stored messages, claimed ones included
func (m *BadgerManager) Len() (int, error) {
	n := 0
	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(fmt.Sprintf("queue:%s:msg:", m.queueName))
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Close is a no-op, the database is owned by the storage layer
func (m *BadgerManager) Close() error {
	return nil
}

func (m *BadgerManager) msgKey(id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", m.queueName, id))
}

func (m *BadgerManager) indexPrefix() []byte {
	return []byte(fmt.Sprintf("queue:%s:index:", m.queueName))
}

// indexKey zero-pads the timestamp so lexical order is time order
func (m *BadgerManager) indexKey(visibleAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:index:%020d:%s", m.queueName, visibleAt.UnixNano(), id))
}

func (m *BadgerManager) parseIndexKey(key []byte) (time.Time, string, error) {
	prefix := m.indexPrefix()
	if len(key) <= len(prefix) {
		return time.Time{}, "", fmt.Errorf("invalid key length")
	}

	// {20-digit-ts}:{id}
	suffix := string(key[len(prefix):])
	if len(suffix) < 22 {
		return time.Time{}, "", fmt.Errorf("invalid suffix length")
	}

	var ts int64
	if _, err := fmt.Sscanf(suffix[:20], "%d", &ts); err != nil {
		return time.Time{}, "", err
	}
	return time.Unix(0, ts), suffix[21:], nil
}
