package keychain

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cuemby/securityd/pkg/cryptocore"
	"github.com/cuemby/securityd/pkg/errs"
	"github.com/cuemby/securityd/pkg/keystore"
	"github.com/cuemby/securityd/pkg/log"
	"github.com/cuemby/securityd/pkg/metrics"
	"github.com/cuemby/securityd/pkg/object"
	"github.com/cuemby/securityd/pkg/registry"
)

// maxUnlockTryCount caps passphrase attempts per logical unlock
// request at 3, matching KeychainDatabase::maxUnlockTryCount in
// original_source/src/kcdatabase.h.
const maxUnlockTryCount = 3

// payload is the in-memory parsed state a blob encodes: arbitrated
// parameters plus a simplified ACL (name -> opaque rule data). The
// original's rich CSSM ACL graph has no Go-idiomatic analogue worth
// inventing; this keeps the same round-trip contract (spec §4.6
// encode/decode) without modeling CSSM's ACL sample types.
type payload struct {
	Params DBParameters      `json:"params"`
	ACL    map[string][]byte `json:"acl"`
}

// KeychainDatabase is one client handle onto a shared DbCommon (spec
// §4.6): it owns the encoded blob cache and this handle's own
// unlock-attempt counter.
type KeychainDatabase struct {
	base *object.Base

	Handle registry.Handle

	id      DbIdentifier
	common  *DbCommon
	commons *CommonTable
	store   keystore.Store
	crypto  cryptocore.Engine

	mu              sync.Mutex
	validData       bool
	versionSnapshot uint32
	data            payload
	salt            []byte
	sig             []byte
	blob            []byte
	failedAttempts  int
}

// New creates a brand-new keychain container, unlocked immediately
// under the supplied passphrase (spec §4.6 construction from fresh
// credentials).
func New(reg *registry.Registry, commons *CommonTable, store keystore.Store, crypto cryptocore.Engine, session registry.Handle, id DbIdentifier, params DBParameters, passphrase []byte) (*KeychainDatabase, error) {
	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, errs.New(errs.Transient, "failed to generate salt: %v", err)
	}
	mk, err := crypto.DeriveMasterKey(passphrase, salt)
	if err != nil {
		return nil, errs.New(errs.Transient, "failed to derive master key: %v", err)
	}

	common := commons.Acquire(session, id)
	common.Unlock(mk)

	db := &KeychainDatabase{
		id:      id,
		common:  common,
		commons: commons,
		store:   store,
		crypto:  crypto,
		salt:    salt,
		data:    payload{Params: params, ACL: make(map[string][]byte)},
	}
	db.base = object.New(func() {
		db.common.Release()
		reg.Remove(db.Handle)
	})
	db.Handle = reg.Register(db)

	if err := db.encodeLocked(); err != nil {
		db.base.Kill()
		return nil, err
	}
	return db, nil
}

// Open attaches a new handle to an existing on-disk container,
// starting Locked until a passphrase is supplied.
func Open(reg *registry.Registry, commons *CommonTable, store keystore.Store, crypto cryptocore.Engine, session registry.Handle, id DbIdentifier) (*KeychainDatabase, error) {
	rec, err := store.GetBlob(id.key(session))
	if err != nil {
		return nil, errs.New(errs.InvalidHandle, "no keychain blob for %s: %v", id.DbName, err)
	}
	common := commons.Acquire(session, id)

	db := &KeychainDatabase{
		id:      id,
		common:  common,
		commons: commons,
		store:   store,
		crypto:  crypto,
		salt:    rec.Salt,
		blob:    rec.Data,
		sig:     rec.Sig,
	}
	db.base = object.New(func() {
		db.common.Release()
		reg.Remove(db.Handle)
	})
	db.Handle = reg.Register(db)
	return db, nil
}

// persist flushes the current blob/salt/signature to the storage
// collaborator; caller must hold db.mu.
func (db *KeychainDatabase) persist() error {
	return db.store.PutBlob(db.id.key(db.common.SessionHandle), keystore.BlobRecord{
		DbName:    db.id.DbName,
		Data:      db.blob,
		Salt:      db.salt,
		Sig:       db.sig,
		UpdatedAt: time.Now(),
	})
}

// IsLocked reports the shared DbCommon's lock status.
func (db *KeychainDatabase) IsLocked() bool { return db.common.IsLocked() }

// Activity resets the shared idle-lock clock.
func (db *KeychainDatabase) Activity() { db.common.Activity() }

// ValidBlob reports whether the cached blob is known up to date with
// the shared DbCommon's version (spec §4.6 validBlob / invariant 4).
func (db *KeychainDatabase) ValidBlob() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.validData && db.versionSnapshot == db.common.Version()
}

// ResetUnlockAttempts starts a fresh logical unlock request, per
// boundary behavior 11: three failed passphrases exhaust the try
// count until a new request resets it.
func (db *KeychainDatabase) ResetUnlockAttempts() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.failedAttempts = 0
}

// UnlockWithMasterKey transitions the shared DbCommon directly from
// an already-derived key (e.g. produced by a smartcard collaborator),
// bypassing passphrase validation (spec §4.5 row 1).
func (db *KeychainDatabase) UnlockWithMasterKey(mk *cryptocore.MasterKey) {
	db.common.Unlock(mk)
}

// UnlockWithPassphrase validates passphrase against the stored blob
// signature and, on success, unlocks the shared DbCommon. At most
// maxUnlockTryCount attempts are permitted per logical request; the
// (maxUnlockTryCount+1)th call — whether or not the passphrase is
// actually correct — fails with AuthenticationFailed (spec §4.6 /
// boundary behavior 11).
func (db *KeychainDatabase) UnlockWithPassphrase(passphrase []byte) error {
	db.mu.Lock()
	if db.failedAttempts >= maxUnlockTryCount {
		db.mu.Unlock()
		return errs.New(errs.AuthenticationFailed, "maximum unlock attempts exceeded for this request")
	}
	salt := db.salt
	sig := db.sig
	blob := db.blob
	db.mu.Unlock()

	mk, err := db.crypto.DeriveMasterKey(passphrase, salt)
	if err != nil {
		return errs.New(errs.Transient, "failed to derive master key: %v", err)
	}

	valid := len(sig) > 0 && db.crypto.Verify(mk, blob, sig)
	if !valid {
		db.mu.Lock()
		db.failedAttempts++
		exhausted := db.failedAttempts >= maxUnlockTryCount
		db.mu.Unlock()
		mk.Zero()
		metrics.UnlockFailuresTotal.Inc()
		log.WithHandle(uint64(db.Handle)).Warn().Bool("exhausted", exhausted).Msg("keychain unlock attempt failed")
		if exhausted {
			return errs.New(errs.AuthenticationFailed, "maximum unlock attempts exceeded for this request")
		}
		return errs.New(errs.InvalidCredentials, "passphrase does not validate keychain blob")
	}

	db.mu.Lock()
	db.failedAttempts = 0
	db.mu.Unlock()
	db.common.Unlock(mk)
	metrics.DatabasesUnlockedTotal.Inc()
	log.WithHandle(uint64(db.Handle)).Info().Msg("keychain unlocked")
	return nil
}

// LockDb unconditionally locks the shared DbCommon.
func (db *KeychainDatabase) LockDb() { db.common.LockDb(false) }

// Decode verifies and parses the cached blob into in-memory state
// using the established master key, setting valid_data and capturing
// the version snapshot (spec §4.6 decode).
func (db *KeychainDatabase) Decode() error {
	mk := db.common.MasterKey()
	if mk == nil {
		return errs.New(errs.Locked, "database is locked")
	}

	db.mu.Lock()
	blob := db.blob
	db.mu.Unlock()
	if blob == nil {
		return errs.New(errs.InvalidHandle, "no blob to decode")
	}

	plaintext, err := db.crypto.Unwrap(mk, blob)
	if err != nil {
		return errs.New(errs.InvalidCredentials, "failed to decode blob: %v", err)
	}
	var p payload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return errs.New(errs.InvalidCredentials, "corrupt blob contents: %v", err)
	}

	db.mu.Lock()
	db.data = p
	db.validData = true
	db.versionSnapshot = db.common.Version()
	db.mu.Unlock()
	return nil
}

// Encode returns the cached blob if it is already valid and current;
// otherwise it re-serializes under the DbCommon, bumps the version,
// and updates the cached snapshot (spec §4.6 encode).
func (db *KeychainDatabase) Encode() ([]byte, error) {
	if db.ValidBlob() {
		db.mu.Lock()
		defer db.mu.Unlock()
		return db.blob, nil
	}
	if err := db.encodeLocked(); err != nil {
		return nil, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.blob, nil
}

func (db *KeychainDatabase) encodeLocked() error {
	mk := db.common.MasterKey()
	if mk == nil {
		return errs.New(errs.Locked, "database is locked")
	}

	db.mu.Lock()
	p := db.data
	db.mu.Unlock()

	plaintext, err := json.Marshal(p)
	if err != nil {
		return errs.New(errs.Transient, "failed to marshal database state: %v", err)
	}
	ciphertext, err := db.crypto.Wrap(mk, plaintext)
	if err != nil {
		return errs.New(errs.Transient, "failed to encode blob: %v", err)
	}
	sig := db.crypto.Sign(mk, ciphertext)

	if err := db.common.SetParameters(p.Params); err != nil {
		return err
	}

	db.mu.Lock()
	db.blob = ciphertext
	db.sig = sig
	db.validData = true
	db.versionSnapshot = db.common.Version()
	err = db.persist()
	db.mu.Unlock()
	if err != nil {
		return errs.New(errs.Transient, "failed to persist blob: %v", err)
	}
	return nil
}

// ChangePassphrase atomically replaces the passphrase protecting this
// container: either the new passphrase fully replaces the old (blob
// re-encrypted under a freshly derived key) or, on any failure, the
// old master key and blob are left completely untouched (spec §4.6:
// "no half-state").
func (db *KeychainDatabase) ChangePassphrase(newPassphrase []byte) error {
	oldMK := db.common.MasterKey()
	if oldMK == nil {
		return errs.New(errs.Locked, "database is locked")
	}

	db.mu.Lock()
	p := db.data
	db.mu.Unlock()

	newSalt, err := db.crypto.NewSalt()
	if err != nil {
		return errs.New(errs.Transient, "failed to generate salt: %v", err)
	}
	newMK, err := db.crypto.DeriveMasterKey(newPassphrase, newSalt)
	if err != nil {
		return errs.New(errs.Transient, "failed to derive master key: %v", err)
	}
	plaintext, err := json.Marshal(p)
	if err != nil {
		newMK.Zero()
		return errs.New(errs.Transient, "failed to marshal database state: %v", err)
	}
	ciphertext, err := db.crypto.Wrap(newMK, plaintext)
	if err != nil {
		newMK.Zero()
		return errs.New(errs.Transient, "failed to re-encode blob: %v", err)
	}
	sig := db.crypto.Sign(newMK, ciphertext)

	// Every fallible step is done; commit atomically.
	db.common.Unlock(newMK)
	db.mu.Lock()
	db.salt = newSalt
	db.blob = ciphertext
	db.sig = sig
	db.validData = true
	db.versionSnapshot = db.common.Version()
	err = db.persist()
	db.mu.Unlock()
	if err != nil {
		return errs.New(errs.Transient, "failed to persist blob: %v", err)
	}
	return nil
}

// ExtractMasterKey returns the container's current master key, for a
// caller whose ACL check (approved) has already succeeded (spec §4.6
// extractMasterKey: "subject to ACL approval").
func (db *KeychainDatabase) ExtractMasterKey(approved bool) (*cryptocore.MasterKey, error) {
	if !approved {
		return nil, errs.New(errs.InvalidCredentials, "ACL check denied master key extraction")
	}
	mk := db.common.MasterKey()
	if mk == nil {
		return nil, errs.New(errs.Locked, "database is locked")
	}
	return mk, nil
}

// DecodeKey unwraps an individual key blob under the container's
// current master key (spec §4.6 decodeKey).
func (db *KeychainDatabase) DecodeKey(blob []byte) ([]byte, error) {
	mk := db.common.MasterKey()
	if mk == nil {
		return nil, errs.New(errs.Locked, "database is locked")
	}
	key, err := db.crypto.Unwrap(mk, blob)
	if err != nil {
		return nil, errs.New(errs.InvalidCredentials, "failed to unwrap key: %v", err)
	}
	return key, nil
}

// EncodeKey wraps an individual key under the container's current
// master key (spec §4.6 encodeKey).
func (db *KeychainDatabase) EncodeKey(key []byte) ([]byte, error) {
	mk := db.common.MasterKey()
	if mk == nil {
		return nil, errs.New(errs.Locked, "database is locked")
	}
	wrapped, err := db.crypto.Wrap(mk, key)
	if err != nil {
		return nil, errs.New(errs.Transient, "failed to wrap key: %v", err)
	}
	return wrapped, nil
}

// SetACLEntry stores one ACL rule by name.
func (db *KeychainDatabase) SetACLEntry(name string, rule []byte) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.data.ACL == nil {
		db.data.ACL = make(map[string][]byte)
	}
	db.data.ACL[name] = rule
	db.validData = false
}

// Kill tears this handle down and releases its DbCommon reference,
// destroying the shared lock state once the last sibling handle goes
// away (spec §4.1 ownership summary).
func (db *KeychainDatabase) Kill() { db.base.Kill() }

// IsDead reports whether Kill has already run.
func (db *KeychainDatabase) IsDead() bool { return db.base.IsDead() }
