package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hotelkey/keyservice/internal/model"
)

const registrationCols = "id, key_id, device_id, pass_type_id, serial, push_token, active, created_at, updated_at"

type RegistrationStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewRegistrationStore(db *sql.DB) *RegistrationStore {
	return &RegistrationStore{db: db, now: time.Now}
}

func scanRegistration(scanner interface{ Scan(...any) error }) (*model.DeviceRegistration, error) {
	var r model.DeviceRegistration
	var created, updated string
	err := scanner.Scan(&r.ID, &r.KeyID, &r.DeviceID, &r.PassTypeID, &r.Serial, &r.PushToken, &r.Active, &created, &updated)
	if err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseTime(created, nil); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updated, nil); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *RegistrationStore) Get(ctx context.Context, deviceID, passTypeID, serial string) (*model.DeviceRegistration, error) {
	r, err := scanRegistration(s.db.QueryRowContext(ctx,
		"SELECT "+registrationCols+" FROM device_registrations WHERE device_id = ? AND pass_type_id = ? AND serial = ?",
		deviceID, passTypeID, serial,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query registration: %w", err)
	}
	return r, nil
}

// Upsert registers a device for a serial, reactivating a soft-deleted row and
// replacing its push token. created is true for a new or reactivated row and
// false only when the triple was already active.
func (s *RegistrationStore) Upsert(ctx context.Context, keyID, deviceID, passTypeID, serial, pushToken string) (reg *model.DeviceRegistration, created bool, err error) {
	existing, err := s.Get(ctx, deviceID, passTypeID, serial)
	if err != nil {
		return nil, false, err
	}
	now := formatTime(s.now())
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO device_registrations (id, key_id, device_id, pass_type_id, serial, push_token, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)
		 ON CONFLICT (device_id, pass_type_id, serial)
		 DO UPDATE SET push_token = excluded.push_token, key_id = excluded.key_id, active = 1, updated_at = excluded.updated_at`,
		uuid.NewString(), keyID, deviceID, passTypeID, serial, pushToken, now, now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("upsert registration: %w", err)
	}
	reg, err = s.Get(ctx, deviceID, passTypeID, serial)
	if err != nil {
		return nil, false, err
	}
	return reg, existing == nil || !existing.Active, nil
}

// Deactivate soft-deletes a registration by its triple. It reports whether an
// active row was changed.
func (s *RegistrationStore) Deactivate(ctx context.Context, deviceID, passTypeID, serial string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE device_registrations SET active = 0, updated_at = ? WHERE device_id = ? AND pass_type_id = ? AND serial = ? AND active = 1",
		formatTime(s.now()), deviceID, passTypeID, serial,
	)
	if err != nil {
		return false, fmt.Errorf("deactivate registration: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// DeactivateByID soft-deletes one registration after its push token was
// reported gone.
func (s *RegistrationStore) DeactivateByID(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE device_registrations SET active = 0, updated_at = ? WHERE id = ?",
		formatTime(s.now()), id,
	)
	if err != nil {
		return fmt.Errorf("deactivate registration: %w", err)
	}
	return nil
}

// ListActive returns the active registrations for a serial.
func (s *RegistrationStore) ListActive(ctx context.Context, passTypeID, serial string) ([]model.DeviceRegistration, error) {
	return s.list(ctx,
		"SELECT "+registrationCols+" FROM device_registrations WHERE pass_type_id = ? AND serial = ? AND active = 1 ORDER BY created_at",
		passTypeID, serial,
	)
}

// ListBySerial returns every registration for a serial, active or not.
func (s *RegistrationStore) ListBySerial(ctx context.Context, serial string) ([]model.DeviceRegistration, error) {
	return s.list(ctx,
		"SELECT "+registrationCols+" FROM device_registrations WHERE serial = ? ORDER BY created_at",
		serial,
	)
}

func (s *RegistrationStore) list(ctx context.Context, query string, args ...any) ([]model.DeviceRegistration, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query registrations: %w", err)
	}
	defer rows.Close()

	var regs []model.DeviceRegistration
	for rows.Next() {
		r, err := scanRegistration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan registration: %w", err)
		}
		regs = append(regs, *r)
	}
	return regs, rows.Err()
}
