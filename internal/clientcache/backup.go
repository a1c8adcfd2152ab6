package clientcache

import (
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var unreadBucket = []byte("unread")

// UnreadSnapshot is the locally persisted unread state for one conversation.
// Confirmed is the last server-reported count; Pending counts increments
// applied locally after that sync.
type UnreadSnapshot struct {
	Confirmed int       `json:"confirmed"`
	Pending   int       `json:"pending"`
	SyncedAt  time.Time `json:"synced_at"`
}

// Backup persists unread snapshots across restarts so a badge bumped just
// before a reload is not lost while the server event is still in flight.
type Backup struct {
	db *bolt.DB
}

func OpenBackup(path string) (*Backup, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "open unread backup")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, berr := tx.CreateBucketIfNotExists(unreadBucket)
		return berr
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "init unread backup")
	}
	return &Backup{db: db}, nil
}

func (b *Backup) Save(conversationID string, snap UnreadSnapshot) {
	err := b.db.Update(func(tx *bolt.Tx) error {
		data, merr := jsoniter.Marshal(snap)
		if merr != nil {
			return merr
		}
		return tx.Bucket(unreadBucket).Put([]byte(conversationID), data)
	})
	if err != nil {
		zap.L().Warn("clientcache: unread backup save failed",
			zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

func (b *Backup) Load(conversationID string) (UnreadSnapshot, bool) {
	var snap UnreadSnapshot
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(unreadBucket).Get([]byte(conversationID))
		if data == nil {
			return nil
		}
		if merr := jsoniter.Unmarshal(data, &snap); merr != nil {
			return merr
		}
		found = true
		return nil
	})
	if err != nil {
		zap.L().Warn("clientcache: unread backup load failed",
			zap.String("conversation_id", conversationID), zap.Error(err))
		return UnreadSnapshot{}, false
	}
	return snap, found
}

func (b *Backup) Delete(conversationID string) {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(unreadBucket).Delete([]byte(conversationID))
	})
	if err != nil {
		zap.L().Warn("clientcache: unread backup delete failed",
			zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

func (b *Backup) Close() error {
	return b.db.Close()
}
