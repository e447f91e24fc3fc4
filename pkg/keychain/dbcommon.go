// Package keychain implements KeychainDatabase and its shared
// DbCommon lock-state machine (spec §4.5/§4.6): the on-disk,
// passphrase-protected container for a client's keys and ACL state.
//
// Grounded directly on original_source/src/kcdatabase.h for the exact
// field/operation contract (DbIdentifier's lexicographic ordering,
// maxUnlockTryCount=3, the valid_data/version_snapshot invariant),
// with one method per lock-state transition, and on
// warren/pkg/storage/boltdb.go for blob persistence via pkg/keystore.
package keychain

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/securityd/pkg/cryptocore"
	"github.com/cuemby/securityd/pkg/errs"
	"github.com/cuemby/securityd/pkg/log"
	"github.com/cuemby/securityd/pkg/metrics"
	"github.com/cuemby/securityd/pkg/object"
	"github.com/cuemby/securityd/pkg/registry"
	"github.com/cuemby/securityd/pkg/timer"
)

// DbIdentifier names one on-disk keychain container: a logical name
// plus the blob signature distinguishing format generations.
// Lexicographic ordering (name, then signature) matches the
// original's DbIdentifier::operator< (spec §9's grounding note).
type DbIdentifier struct {
	DbName    string
	Signature []byte
}

// Less implements the DbIdentifier ordering used by the common table.
func (id DbIdentifier) Less(other DbIdentifier) bool {
	if id.DbName != other.DbName {
		return id.DbName < other.DbName
	}
	return string(id.Signature) < string(other.Signature)
}

// Equal reports whether id and other name the same container.
func (id DbIdentifier) Equal(other DbIdentifier) bool {
	return id.DbName == other.DbName && string(id.Signature) == string(other.Signature)
}

func (id DbIdentifier) key(session registry.Handle) string {
	return fmt.Sprintf("%d\x00%s\x00%x", session, id.DbName, id.Signature)
}

// DBParameters are the arbitrated database parameters (spec §4.5
// mParams); simplified to the one parameter the lock-timeout
// automaton actually needs plus a free-form extension map.
type DBParameters struct {
	IdleTimeout time.Duration
	Extra       map[string]string
}

// DbCommon is the shared, session-scoped lock state of a keychain
// container: the lock-state machine of spec §4.5, independent of any
// particular client handle onto it.
type DbCommon struct {
	base *object.Base

	Identifier    DbIdentifier
	SessionHandle registry.Handle

	crypto  cryptocore.Engine
	wheel   *timer.Wheel
	onEmpty func()

	mu          sync.Mutex
	sequence    uint32
	params      DBParameters
	validParams bool
	version     uint32
	isLocked    bool
	sleeping    bool
	masterKey   *cryptocore.MasterKey
	lockTimer   timer.Handle
	hasTimer    bool
}

func newDbCommon(id DbIdentifier, sessionHandle registry.Handle, crypto cryptocore.Engine, wheel *timer.Wheel, onEmpty func()) *DbCommon {
	c := &DbCommon{
		Identifier:    id,
		SessionHandle: sessionHandle,
		crypto:        crypto,
		wheel:         wheel,
		onEmpty:       onEmpty,
		isLocked:      true,
		params:        DBParameters{IdleTimeout: 5 * time.Minute, Extra: make(map[string]string)},
	}
	c.base = object.New(func() {
		c.zeroize()
		if c.onEmpty != nil {
			c.onEmpty()
		}
	})
	return c
}

// Retain increments the sharing refcount (another sibling handle onto
// the same identifier).
func (c *DbCommon) Retain() { c.base.Retain() }

// Release decrements the sharing refcount; when it reaches zero the
// common state is killed and master secrets zeroized (spec §4.1/§4.5:
// "the DbCommon dies when the last sibling goes away").
func (c *DbCommon) Release() {
	if c.base.Release() {
		c.base.Kill()
	}
}

// IsLocked reports the current lock status.
func (c *DbCommon) IsLocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isLocked
}

// Version returns the current change-tracking version stamp.
func (c *DbCommon) Version() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Unlock transitions Locked -> Unlocked given an already-derived and
// already-validated master key, arming the lock-timer (spec §4.5 row
// 1: "derive master secret, set is_locked=false, arm lock-timer").
// The caller (KeychainDatabase) is responsible for deriving/
// validating the key; DbCommon only performs the state transition.
func (c *DbCommon) Unlock(mk *cryptocore.MasterKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.masterKey != nil {
		c.masterKey.Zero()
	}
	c.masterKey = mk
	c.isLocked = false
	c.armTimerLocked()
}

// MasterKey returns the current master key, or nil if locked.
func (c *DbCommon) MasterKey() *cryptocore.MasterKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isLocked {
		return nil
	}
	return c.masterKey
}

// Activity resets the idle lock-timeout clock (spec §4.5 row 3:
// "re-arm lock-timer (sliding window)").
func (c *DbCommon) Activity() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isLocked {
		c.armTimerLocked()
	}
}

// LockDb zeroizes master secrets and clears the timer, transitioning
// Unlocked -> Locked. forSleep marks that re-unlock on wake may
// require re-entry (spec §4.5 rows 4/5); this implementation records
// it only by setting the sleeping flag, which WakeProcessing clears and
// no other operation reads.
func (c *DbCommon) LockDb(forSleep bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lockLocked()
	if forSleep {
		c.sleeping = true
	}
}

// SetParameters updates the arbitrated parameters, bumps sequence and
// version, and re-arms the timer (spec §4.5 row: setParameters).
// Fails with Locked if the container is currently locked.
func (c *DbCommon) SetParameters(params DBParameters) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isLocked {
		return errs.New(errs.Locked, "database %s is locked", c.Identifier.DbName)
	}
	c.params = params
	c.validParams = true
	c.sequence++
	c.version++
	c.armTimerLocked()
	return nil
}

// Parameters returns the currently arbitrated parameters.
func (c *DbCommon) Parameters() (DBParameters, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params, c.validParams
}

// SleepProcessing forces Locked regardless of current state and
// clears the idle timer, broadcasting lock-for-sleep (spec §4.5 row
// "any -> sleepProcessing() -> Locked").
func (c *DbCommon) SleepProcessing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lockLocked()
	c.sleeping = true
}

// WakeProcessing clears the sleep marker. It does not itself unlock
// the container; a fresh unlockDb is still required (spec §6 "on
// wake: clear marker").
func (c *DbCommon) WakeProcessing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeping = false
}

// lockLocked performs the Locked transition; caller must hold mu.
func (c *DbCommon) lockLocked() {
	if c.masterKey != nil {
		c.masterKey.Zero()
		c.masterKey = nil
	}
	c.isLocked = true
	c.clearTimerLocked()
}

// armTimerLocked (re-)schedules the idle lock-timeout; caller must
// hold mu.
func (c *DbCommon) armTimerLocked() {
	c.clearTimerLocked()
	if c.wheel == nil {
		return
	}
	c.lockTimer = c.wheel.After(c.params.IdleTimeout, func() {
		c.mu.Lock()
		if !c.isLocked {
			c.lockLocked()
			metrics.LockTimeoutsTotal.Inc()
			log.WithComponent("keychain").Info().Str("db", c.Identifier.DbName).Msg("keychain auto-locked on idle timeout")
		}
		c.mu.Unlock()
	})
	c.hasTimer = true
}

// clearTimerLocked cancels any armed timer; caller must hold mu.
func (c *DbCommon) clearTimerLocked() {
	if c.hasTimer && c.wheel != nil {
		c.wheel.ClearTimer(c.lockTimer)
	}
	c.hasTimer = false
}

func (c *DbCommon) zeroize() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lockLocked()
}

// CommonTable is the process-wide table of live DbCommon instances,
// shared by every KeychainDatabase handle onto the same (session,
// identifier) pair (spec §4.1 ownership summary). Modeled on
// pkg/session.Table's map-plus-dedicated-lock shape.
type CommonTable struct {
	mu     sync.Mutex
	byKey  map[string]*DbCommon
	crypto cryptocore.Engine
	wheel  *timer.Wheel
}

// NewCommonTable creates an empty table.
func NewCommonTable(crypto cryptocore.Engine, wheel *timer.Wheel) *CommonTable {
	return &CommonTable{byKey: make(map[string]*DbCommon), crypto: crypto, wheel: wheel}
}

// Acquire returns the DbCommon for (session, id), creating it on
// first use and retaining a reference on every call. Callers must
// call Release exactly once per Acquire.
func (t *CommonTable) Acquire(session registry.Handle, id DbIdentifier) *DbCommon {
	k := id.key(session)
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.byKey[k]; ok {
		c.Retain()
		return c
	}
	c := newDbCommon(id, session, t.crypto, t.wheel, func() {
		t.mu.Lock()
		delete(t.byKey, k)
		t.mu.Unlock()
	})
	t.byKey[k] = c
	return c
}
