// Package history persists per-device install records in a SQLite-
// compatible key-value store, grounded on the pack's sqlite-backed event
// history idiom.
package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fluxfirm/fluxfirm/internal/device"
	"github.com/fluxfirm/fluxfirm/internal/fwerr"
	"github.com/fluxfirm/fluxfirm/internal/release"
)

// UpdateState is the lifecycle state of one history entry.
type UpdateState string

const (
	StatePending         UpdateState = "pending"
	StateSuccess         UpdateState = "success"
	StateFailed          UpdateState = "failed"
	StateNeedsReboot     UpdateState = "needs-reboot"
	StateNeedsActivation UpdateState = "needs-activation"
)

// Entry is a per-device install record: a snapshot of the device and the
// chosen release at install time, plus lifecycle state.
type Entry struct {
	DeviceID    string          `json:"device_id"`
	Device      *device.Device  `json:"device"`
	Release     *release.Release `json:"release"`
	UpdateState UpdateState     `json:"update_state"`
	UpdateError string          `json:"update_error,omitempty"`
	Modified    time.Time       `json:"modified"`
}

// Store is the persistent history backend.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite-compatible history database
// at path and ensures its schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fwerr.Wrap(fwerr.KindInternal, fmt.Errorf("open history db: %w", err))
	}
	const schema = `CREATE TABLE IF NOT EXISTS history (
		device_id TEXT PRIMARY KEY,
		payload   TEXT NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fwerr.Wrap(fwerr.KindInternal, fmt.Errorf("migrate history db: %w", err))
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Add upserts a pending record for (d, r).
func (s *Store) Add(d *device.Device, r *release.Release) error {
	e := &Entry{
		DeviceID:    d.ID,
		Device:      d,
		Release:     r,
		UpdateState: StatePending,
		Modified:    time.Now(),
	}
	return s.put(e)
}

// SetState finalizes a record's lifecycle state. A crash between Add and
// SetState(success) leaves the record pending, which callers must
// interpret as "possibly applied".
func (s *Store) SetState(deviceID string, state UpdateState, installErr error) error {
	e, err := s.GetDevice(deviceID)
	if err != nil {
		return err
	}
	e.UpdateState = state
	if installErr != nil {
		e.UpdateError = installErr.Error()
	}
	e.Modified = time.Now()
	return s.put(e)
}

// GetDevice returns the history entry for deviceID.
func (s *Store) GetDevice(deviceID string) (*Entry, error) {
	row := s.db.QueryRow(`SELECT payload FROM history WHERE device_id = ?`, deviceID)
	var payload string
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, fwerr.New(fwerr.KindNotFound, "no history for device %s", deviceID)
		}
		return nil, fwerr.Wrap(fwerr.KindInternal, err)
	}
	var e Entry
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return nil, fwerr.Wrap(fwerr.KindInternal, err)
	}
	return &e, nil
}

// GetAll returns every history entry.
func (s *Store) GetAll() ([]*Entry, error) {
	rows, err := s.db.Query(`SELECT payload FROM history`)
	if err != nil {
		return nil, fwerr.Wrap(fwerr.KindInternal, err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fwerr.Wrap(fwerr.KindInternal, err)
		}
		var e Entry
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fwerr.Wrap(fwerr.KindInternal, err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Remove deletes deviceID's history entry.
func (s *Store) Remove(deviceID string) error {
	_, err := s.db.Exec(`DELETE FROM history WHERE device_id = ?`, deviceID)
	if err != nil {
		return fwerr.Wrap(fwerr.KindInternal, err)
	}
	return nil
}

func (s *Store) put(e *Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fwerr.Wrap(fwerr.KindInternal, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO history (device_id, payload) VALUES (?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET payload = excluded.payload`,
		e.DeviceID, string(payload))
	if err != nil {
		return fwerr.Wrap(fwerr.KindInternal, err)
	}
	return nil
}

// InheritActivation applies the startup activation-inheritance rule: for
// every pending needs-activation history entry, if the matching live
// device carries the inherit-activation private flag, set its
// needs-activation flag.
func InheritActivation(entries []*Entry, live map[string]*device.Device) {
	for _, e := range entries {
		if e.UpdateState != StateNeedsActivation {
			continue
		}
		d, ok := live[e.DeviceID]
		if !ok || !d.HasPrivateFlag(device.PrivateInheritActivation) {
			continue
		}
		d.SetFlag(device.FlagNeedsActivation, true)
	}
}
