package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"muxpool/internal/pool"
)

const authoritiesBucket = "authorities"

// AuthorityRecord est l'historique d'établissement persisté pour une autorité.
type AuthorityRecord struct {
	Authority    string    `json:"authority"`
	Protocol     string    `json:"protocol,omitempty"`
	SuccessCount uint64    `json:"success_count"`
	FailureCount uint64    `json:"failure_count"`
	LastSuccess  time.Time `json:"last_success,omitzero"`
	LastFailure  time.Time `json:"last_failure,omitzero"`
	LastError    string    `json:"last_error,omitempty"`
}

// Config contient la configuration pour le Journal.
type Config struct {
	DBPath string
	// Protocol est une étiquette libre posée sur chaque enregistrement
	// ("h2", "quic"...), purement informative.
	Protocol string
	Logger   *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Journal est un historique d'établissement par autorité, persisté dans
// BoltDB. Il implémente pool.Observer: branché sur le manager, il journalise
// chaque succès et échec d'établissement, write-through.
type Journal struct {
	mu     sync.Mutex
	db     *bbolt.DB
	config Config
}

// Open ouvre (ou crée) le journal au chemin configuré.
func Open(config Config) (*Journal, error) {
	config.setDefaults()
	if config.DBPath == "" {
		return nil, errors.New("DBPath must be specified in journal Config")
	}

	db, err := bbolt.Open(config.DBPath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database at %s: %w", config.DBPath, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(authoritiesBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create %q bucket: %w", authoritiesBucket, err)
	}

	config.Logger.Info("Dial journal opened", "db_path", config.DBPath)
	return &Journal{db: db, config: config}, nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return nil
	}
	db := j.db
	j.db = nil
	j.config.Logger.Info("Closing dial journal")
	return db.Close()
}

// ConnectionEstablished implémente pool.Observer.
func (j *Journal) ConnectionEstablished(authority string) {
	j.update(authority, func(rec *AuthorityRecord) {
		rec.SuccessCount++
		rec.LastSuccess = time.Now()
		rec.LastError = ""
	})
}

// ConnectionFailed implémente pool.Observer.
func (j *Journal) ConnectionFailed(authority string, err error) {
	j.update(authority, func(rec *AuthorityRecord) {
		rec.FailureCount++
		rec.LastFailure = time.Now()
		if err != nil {
			rec.LastError = err.Error()
		}
	})
}

// ConnectionEvicted implémente pool.Observer. L'éviction n'est pas un fait
// durable sur l'autorité: trace de debug seulement.
func (j *Journal) ConnectionEvicted(authority string, reason string) {
	j.config.Logger.Debug("Connection evicted", "authority", authority, "reason", reason)
}

// Records retourne tous les enregistrements du journal.
func (j *Journal) Records() ([]AuthorityRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return nil, errors.New("journal is closed")
	}

	var records []AuthorityRecord
	err := j.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(authoritiesBucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var rec AuthorityRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				// Entrée corrompue: la signaler mais continuer à charger.
				j.config.Logger.Error("Failed to deserialize journal record", "authority", string(k), "error", err)
				return nil
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("iterating over %q bucket: %w", authoritiesBucket, err)
	}
	return records, nil
}

// update applique une mutation read-modify-write sur l'enregistrement d'une
// autorité. Les erreurs de persistance sont journalisées, jamais propagées:
// l'Observer n'a pas de canal de retour et le pool ne doit pas en souffrir.
func (j *Journal) update(authority string, mutate func(*AuthorityRecord)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return
	}

	err := j.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(authoritiesBucket))
		if b == nil {
			return fmt.Errorf("%q bucket not found", authoritiesBucket)
		}
		rec := AuthorityRecord{Authority: authority, Protocol: j.config.Protocol}
		if existing := b.Get([]byte(authority)); existing != nil {
			if err := json.Unmarshal(existing, &rec); err != nil {
				j.config.Logger.Error("Overwriting corrupted journal record", "authority", authority, "error", err)
				rec = AuthorityRecord{Authority: authority, Protocol: j.config.Protocol}
			}
		}
		mutate(&rec)
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("serializing record for %s: %w", authority, err)
		}
		return b.Put([]byte(authority), data)
	})
	if err != nil {
		j.config.Logger.Error("Failed to persist journal record", "authority", authority, "error", err)
	}
}

var _ pool.Observer = (*Journal)(nil)
