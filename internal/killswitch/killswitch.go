// Package killswitch implements the process-wide trading kill switch
// consulted by the Approval Service's auto-approval check and the Safety
// Gate's check_kill_switch. State is durable across
// restarts: an operator who activates the switch must not have it
// silently reset by a redeploy.
package killswitch

import (
	"encoding/json"
	"time"

	"go.etcd.io/bbolt"
)

var bucketName = []byte("kill_switch")
var stateKey = []byte("state")

// State is the persisted kill switch record.
type State struct {
	Active      bool      `json:"active"`
	Reason      string    `json:"reason"`
	ActivatedBy string    `json:"activated_by"`
	ActivatedAt time.Time `json:"activated_at"`
}

// Switch is a bbolt-backed durable flag. All reads/writes go through a
// single bolt transaction; bbolt itself serializes writers.
type Switch struct {
	db *bbolt.DB
}

// Open opens (or creates) the bbolt database backing the switch.
func Open(path string) (*Switch, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Switch{db: db}, nil
}

// Close releases the database handle.
func (s *Switch) Close() error { return s.db.Close() }

// Activate turns trading off, recording who and why.
func (s *Switch) Activate(reason, activatedBy string, now time.Time) error {
	return s.write(State{Active: true, Reason: reason, ActivatedBy: activatedBy, ActivatedAt: now})
}

// Deactivate turns trading back on.
func (s *Switch) Deactivate() error {
	return s.write(State{Active: false})
}

func (s *Switch) write(st State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put(stateKey, raw)
	})
}

// Get reads the current state. A fresh database (no prior Activate call)
// reads as inactive.
func (s *Switch) Get() (State, error) {
	var st State
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketName).Get(stateKey)
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &st)
	})
	return st, err
}

// IsActive is a convenience read used by the Safety Gate.
func (s *Switch) IsActive() (bool, error) {
	st, err := s.Get()
	if err != nil {
		return false, err
	}
	return st.Active, nil
}

// Inactive satisfies lifecycle.KillSwitch: it reports true when trading
// is allowed, i.e. the switch is NOT active. Errors are treated as
// "not safe to trade" (fail closed).
type Inactive struct{ sw *Switch }

// AsLifecycleKillSwitch adapts the durable switch to the fail-closed
// predicate the Approval Service consults.
func (s *Switch) AsLifecycleKillSwitch() Inactive {
	return Inactive{sw: s}
}

func (k Inactive) Inactive() bool {
	active, err := k.sw.IsActive()
	if err != nil {
		return false
	}
	return !active
}
