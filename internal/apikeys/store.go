// Package apikeys manages API key records: metadata on disk, plaintext
// secrets in the OS keychain. Creation and deletion keep the two halves
// consistent; a keychain entry that vanished out from under a metadata
// record makes the key absent on the next load.
package apikeys

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"localrouter/internal/api"
	"localrouter/internal/keychain"
	"localrouter/pkg/logging"

	"github.com/google/uuid"
)

const metadataFileName = "api_keys.json"
const clientsFileName = "mcp_clients.json"

// Store manages API key and MCP client records.
type Store struct {
	mu       sync.RWMutex
	dataDir  string
	keych    keychain.KeychainStorage
	records  map[string]*Record
	clients  map[string]*ClientRecord
	// secretIndex maps sha256(secret) -> key ID for O(1) verification.
	// Secrets are loaded from the keychain at startup and on create.
	secretIndex map[string]string
	// clientIndex maps sha256(secret) -> client ID.
	clientIndex map[string]string
}

// NewStore loads existing records from dataDir, dropping any record
// whose keychain entry is gone (a partial delete from a previous run).
func NewStore(dataDir string, keych keychain.KeychainStorage) (*Store, error) {
	s := &Store{
		dataDir:     dataDir,
		keych:       keych,
		records:     make(map[string]*Record),
		clients:     make(map[string]*ClientRecord),
		secretIndex: make(map[string]string),
		clientIndex: make(map[string]string),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func secretDigest(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func (s *Store) load() error {
	if err := s.loadFile(metadataFileName, &s.records); err != nil {
		return err
	}
	if err := s.loadFile(clientsFileName, &s.clients); err != nil {
		return err
	}

	// Reconcile with the keychain: a record without a secret is the
	// residue of a partial delete and must be treated as absent.
	var orphans []string
	for id := range s.records {
		secret, err := s.keych.Get(keychain.ServiceAPIKeys, id)
		if err != nil {
			if keychain.IsNotFound(err) {
				orphans = append(orphans, id)
				continue
			}
			return err
		}
		s.secretIndex[secretDigest(secret)] = id
	}
	for _, id := range orphans {
		logging.Warn("ApiKeys", "Dropping key %s: keychain entry missing", id)
		delete(s.records, id)
	}

	var clientOrphans []string
	for id := range s.clients {
		secret, err := s.keych.Get(keychain.ServiceAPIKeys, id)
		if err != nil {
			if keychain.IsNotFound(err) {
				clientOrphans = append(clientOrphans, id)
				continue
			}
			return err
		}
		s.clientIndex[secretDigest(secret)] = id
	}
	for _, id := range clientOrphans {
		logging.Warn("ApiKeys", "Dropping MCP client %s: keychain entry missing", id)
		delete(s.clients, id)
	}

	if len(orphans) > 0 || len(clientOrphans) > 0 {
		if err := s.persist(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) loadFile(name string, into interface{}) error {
	data, err := os.ReadFile(filepath.Join(s.dataDir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return api.WrapError(api.ErrKindStorage, err, "failed to read %s", name)
	}
	if err := json.Unmarshal(data, into); err != nil {
		return api.WrapError(api.ErrKindSerialization, err, "failed to parse %s", name)
	}
	return nil
}

// persist writes both metadata files atomically (write to temp file,
// rename). Caller must hold the write lock.
func (s *Store) persist() error {
	if err := s.persistFile(metadataFileName, s.records); err != nil {
		return err
	}
	return s.persistFile(clientsFileName, s.clients)
}

func (s *Store) persistFile(name string, from interface{}) error {
	data, err := json.MarshalIndent(from, "", "  ")
	if err != nil {
		return api.WrapError(api.ErrKindSerialization, err, "failed to encode %s", name)
	}
	path := filepath.Join(s.dataDir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return api.WrapError(api.ErrKindStorage, err, "failed to write %s", name)
	}
	if err := os.Rename(tmp, path); err != nil {
		return api.WrapError(api.ErrKindStorage, err, "failed to replace %s", name)
	}
	return nil
}

// Create generates a new API key, stores the plaintext in the keychain
// and the metadata on disk. A metadata write failure rolls the keychain
// entry back so no orphan secret survives.
func (s *Store) Create(name string, selection api.ModelSelection, limits *RateLimitOverride) (*Record, string, error) {
	if selection.Direct == nil && selection.Router == nil {
		return nil, "", api.NewError(api.ErrKindInvalidParams, "model selection must name a direct model or a router")
	}

	secret, err := keychain.GenerateSecret()
	if err != nil {
		return nil, "", err
	}
	hash, err := keychain.HashSecret(secret)
	if err != nil {
		return nil, "", err
	}

	record := &Record{
		ID:         uuid.NewString(),
		Name:       name,
		SecretHash: hash,
		Enabled:    true,
		CreatedAt:  time.Now(),
		RateLimits: limits,
		Selection:  selection,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.keych.Set(keychain.ServiceAPIKeys, record.ID, secret); err != nil {
		return nil, "", err
	}

	s.records[record.ID] = record
	s.secretIndex[secretDigest(secret)] = record.ID

	if err := s.persist(); err != nil {
		// Roll back: no orphan metadata, no orphan keychain entry.
		delete(s.records, record.ID)
		delete(s.secretIndex, secretDigest(secret))
		if delErr := s.keych.Delete(keychain.ServiceAPIKeys, record.ID); delErr != nil && !keychain.IsNotFound(delErr) {
			logging.Error("ApiKeys", delErr, "Rollback of keychain entry %s failed", record.ID)
		}
		logging.Audit(logging.AuditEvent{Action: "key_create", Outcome: "failure", KeyID: record.ID, Error: err.Error()})
		return nil, "", err
	}

	logging.Audit(logging.AuditEvent{Action: "key_create", Outcome: "success", KeyID: record.ID})
	return record, secret, nil
}

// Delete removes a key. The keychain entry goes first: if the metadata
// delete then fails, the next load treats the key as absent anyway.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return api.NewError(api.ErrKindNotFound, "API key %s not found", id)
	}

	if secret, err := s.keych.Get(keychain.ServiceAPIKeys, id); err == nil {
		delete(s.secretIndex, secretDigest(secret))
	}
	if err := s.keych.Delete(keychain.ServiceAPIKeys, id); err != nil && !keychain.IsNotFound(err) {
		logging.Audit(logging.AuditEvent{Action: "key_delete", Outcome: "failure", KeyID: id, Error: err.Error()})
		return err
	}

	delete(s.records, id)
	if err := s.persist(); err != nil {
		// The keychain entry is gone; the stale metadata record will be
		// dropped on the next load.
		logging.Error("ApiKeys", err, "Metadata delete for %s failed; key is absent either way", id)
		return err
	}

	logging.Audit(logging.AuditEvent{Action: "key_delete", Outcome: "success", KeyID: id})
	return nil
}

// Update mutates a record's name, enabled flag, selection, or limits.
func (s *Store) Update(id string, mutate func(*Record)) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return nil, api.NewError(api.ErrKindNotFound, "API key %s not found", id)
	}
	updated := *record
	mutate(&updated)
	// Identity and secret are immutable.
	updated.ID = record.ID
	updated.SecretHash = record.SecretHash
	updated.CreatedAt = record.CreatedAt

	s.records[id] = &updated
	if err := s.persist(); err != nil {
		s.records[id] = record
		return nil, err
	}
	return &updated, nil
}

// Get returns a record by ID.
func (s *Store) Get(id string) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[id]
	if !ok {
		return nil, false
	}
	copied := *record
	return &copied, true
}

// List returns all records.
func (s *Store) List() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.records))
	for _, record := range s.records {
		out = append(out, *record)
	}
	return out
}

// VerifyKey implements api.KeyStoreHandler. A disabled key is
// indistinguishable from an absent one.
func (s *Store) VerifyKey(secret string) (*api.AuthContext, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.secretIndex[secretDigest(secret)]
	if !ok {
		return nil, false
	}
	record, ok := s.records[id]
	if !ok || !record.Enabled {
		return nil, false
	}
	return &api.AuthContext{
		APIKeyID:  record.ID,
		Selection: record.Selection,
	}, true
}

// Register registers the store with the api locator.
func (s *Store) Register() {
	api.RegisterKeyStore(s)
}

// CreateClient generates a new MCP bridge client with a fresh secret.
func (s *Store) CreateClient(name string) (*ClientRecord, string, error) {
	secret, err := keychain.GenerateSecret()
	if err != nil {
		return nil, "", err
	}

	client := &ClientRecord{
		ID:        fmt.Sprintf("client-%s", uuid.NewString()),
		Name:      name,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.keych.Set(keychain.ServiceAPIKeys, client.ID, secret); err != nil {
		return nil, "", err
	}
	s.clients[client.ID] = client
	s.clientIndex[secretDigest(secret)] = client.ID

	if err := s.persist(); err != nil {
		delete(s.clients, client.ID)
		delete(s.clientIndex, secretDigest(secret))
		if delErr := s.keych.Delete(keychain.ServiceAPIKeys, client.ID); delErr != nil && !keychain.IsNotFound(delErr) {
			logging.Error("ApiKeys", delErr, "Rollback of client keychain entry %s failed", client.ID)
		}
		return nil, "", err
	}

	logging.Audit(logging.AuditEvent{Action: "client_create", Outcome: "success", KeyID: client.ID})
	return client, secret, nil
}

// DeleteClient revokes an MCP bridge client.
func (s *Store) DeleteClient(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[id]; !ok {
		return api.NewError(api.ErrKindNotFound, "MCP client %s not found", id)
	}
	if secret, err := s.keych.Get(keychain.ServiceAPIKeys, id); err == nil {
		delete(s.clientIndex, secretDigest(secret))
	}
	if err := s.keych.Delete(keychain.ServiceAPIKeys, id); err != nil && !keychain.IsNotFound(err) {
		return err
	}
	delete(s.clients, id)
	return s.persist()
}

// ListClients returns all MCP bridge clients.
func (s *Store) ListClients() []ClientRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ClientRecord, 0, len(s.clients))
	for _, client := range s.clients {
		out = append(out, *client)
	}
	return out
}

// VerifyClientSecret resolves an MCP bridge bearer token to a client ID.
func (s *Store) VerifyClientSecret(secret string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.clientIndex[secretDigest(secret)]
	return id, ok
}

// ClientSecret fetches a client's plaintext secret from the keychain,
// for the bridge process running on the same machine.
func (s *Store) ClientSecret(id string) (string, error) {
	return s.keych.Get(keychain.ServiceAPIKeys, id)
}
