package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hotelkey/keyservice/internal/model"
)

const keyCols = `k.id, k.reservation_id, k.serial, k.auth_token, k.pass_type, k.pass_url,
	k.valid_from, k.valid_until, k.is_active, k.status, k.activated_at, k.last_used,
	k.access_count, k.created_at, k.updated_at, h.time_zone`

const keyFrom = `digital_keys k
	JOIN reservations r ON r.id = k.reservation_id
	JOIN rooms m ON m.id = r.room_id
	JOIN hotels h ON h.id = m.hotel_id`

type KeyStore struct {
	db *sql.DB
}

func NewKeyStore(db *sql.DB) *KeyStore {
	return &KeyStore{db: db}
}

func scanKey(scanner interface{ Scan(...any) error }) (*model.Key, error) {
	var (
		k                                         model.Key
		ecosystem, status                         string
		validFrom, validUntil, createdAt, updated string
		activatedAt, lastUsed                     sql.NullString
		tz                                        string
	)
	err := scanner.Scan(&k.ID, &k.ReservationID, &k.Serial, &k.AuthToken, &ecosystem, &k.PassURL,
		&validFrom, &validUntil, &k.IsActive, &status, &activatedAt, &lastUsed,
		&k.AccessCount, &createdAt, &updated, &tz)
	if err != nil {
		return nil, err
	}
	k.Ecosystem = model.Ecosystem(ecosystem)
	k.Status = model.KeyStatus(status)

	loc := loadLocation(tz)
	if k.ValidFrom, err = parseTime(validFrom, loc); err != nil {
		return nil, err
	}
	if k.ValidUntil, err = parseTime(validUntil, loc); err != nil {
		return nil, err
	}
	if k.CreatedAt, err = parseTime(createdAt, loc); err != nil {
		return nil, err
	}
	if k.UpdatedAt, err = parseTime(updated, loc); err != nil {
		return nil, err
	}
	if k.ActivatedAt, err = parseNullTime(activatedAt, loc); err != nil {
		return nil, err
	}
	if k.LastUsed, err = parseNullTime(lastUsed, loc); err != nil {
		return nil, err
	}
	return &k, nil
}

func getKey(ctx context.Context, q querier, where string, args ...any) (*model.Key, error) {
	row := q.QueryRowContext(ctx, "SELECT "+keyCols+" FROM "+keyFrom+" WHERE "+where, args...)
	k, err := scanKey(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query key: %w", err)
	}
	return k, nil
}

func listKeys(ctx context.Context, q querier, where string, args ...any) ([]model.Key, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+keyCols+" FROM "+keyFrom+" WHERE "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}
	defer rows.Close()

	var keys []model.Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, *k)
	}
	return keys, rows.Err()
}

func insertKey(ctx context.Context, q querier, k *model.Key) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO digital_keys (id, reservation_id, serial, auth_token, pass_type, pass_url,
			valid_from, valid_until, is_active, status, activated_at, last_used, access_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.ReservationID, k.Serial, k.AuthToken, string(k.Ecosystem), k.PassURL,
		formatTime(k.ValidFrom), formatTime(k.ValidUntil), k.IsActive, string(k.Status),
		nullTime(k.ActivatedAt), nullTime(k.LastUsed), k.AccessCount,
		formatTime(k.CreatedAt), formatTime(k.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert key: %w", err)
	}
	return nil
}

func updateKey(ctx context.Context, q querier, k *model.Key) error {
	res, err := q.ExecContext(ctx,
		`UPDATE digital_keys SET auth_token = ?, pass_url = ?, valid_from = ?, valid_until = ?,
			is_active = ?, status = ?, activated_at = ?, last_used = ?, access_count = ?, updated_at = ?
		 WHERE id = ?`,
		k.AuthToken, k.PassURL, formatTime(k.ValidFrom), formatTime(k.ValidUntil),
		k.IsActive, string(k.Status), nullTime(k.ActivatedAt), nullTime(k.LastUsed), k.AccessCount,
		formatTime(k.UpdatedAt), k.ID,
	)
	if err != nil {
		return fmt.Errorf("update key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update key %s: no rows", k.ID)
	}
	return nil
}

func (s *KeyStore) GetByID(ctx context.Context, id string) (*model.Key, error) {
	return getKey(ctx, s.db, "k.id = ?", id)
}

func (s *KeyStore) GetBySerial(ctx context.Context, serial string) (*model.Key, error) {
	return getKey(ctx, s.db, "k.serial = ?", serial)
}

// ListByReservation returns a reservation's keys, newest first.
func (s *KeyStore) ListByReservation(ctx context.Context, reservationID string) ([]model.Key, error) {
	return listKeys(ctx, s.db, "k.reservation_id = ? ORDER BY k.created_at DESC", reservationID)
}

// ListActive returns every key with is_active set. Expiry is decided by the
// caller after parsing, since naive stored values cannot be compared as text.
func (s *KeyStore) ListActive(ctx context.Context) ([]model.Key, error) {
	return listKeys(ctx, s.db, "k.is_active = 1 ORDER BY k.valid_until")
}

// Detail loads a key with its reservation, room, guest and hotel.
func (s *KeyStore) Detail(ctx context.Context, id string) (*model.KeyDetail, error) {
	k, err := s.GetByID(ctx, id)
	if err != nil || k == nil {
		return nil, err
	}
	return loadDetail(ctx, s.db, k)
}

func (s *KeyStore) DetailBySerial(ctx context.Context, serial string) (*model.KeyDetail, error) {
	k, err := s.GetBySerial(ctx, serial)
	if err != nil || k == nil {
		return nil, err
	}
	return loadDetail(ctx, s.db, k)
}

func loadDetail(ctx context.Context, q querier, k *model.Key) (*model.KeyDetail, error) {
	res, err := getReservation(ctx, q, k.ReservationID)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("key %s: reservation %s missing", k.ID, k.ReservationID)
	}
	room, err := getRoom(ctx, q, res.RoomID)
	if err != nil {
		return nil, err
	}
	guest, err := getGuest(ctx, q, res.GuestID)
	if err != nil {
		return nil, err
	}
	if room == nil || guest == nil {
		return nil, fmt.Errorf("key %s: room or guest missing", k.ID)
	}
	hotel, err := getHotel(ctx, q, room.HotelID)
	if err != nil {
		return nil, err
	}
	if hotel == nil {
		return nil, fmt.Errorf("key %s: hotel missing", k.ID)
	}
	return &model.KeyDetail{Key: *k, Reservation: *res, Room: *room, Guest: *guest, Hotel: *hotel}, nil
}

// SetPassURL records where the latest artifact was published. The watermark
// is left alone so publishing does not look like a state change.
func (s *KeyStore) SetPassURL(ctx context.Context, id, url string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE digital_keys SET pass_url = ? WHERE id = ?", url, id)
	if err != nil {
		return fmt.Errorf("set pass url: %w", err)
	}
	return nil
}

// TouchLastUsed stamps last_used without bumping the watermark.
func (s *KeyStore) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, "UPDATE digital_keys SET last_used = ? WHERE id = ?", formatTime(at), id)
	if err != nil {
		return fmt.Errorf("touch last_used: %w", err)
	}
	return nil
}

// SerialUpdate is a serial with its watermark.
type SerialUpdate struct {
	Serial    string
	UpdatedAt time.Time
}

// ChangedSince returns the serials of one ecosystem whose watermark is after
// since. A zero since returns all of them.
func (s *KeyStore) ChangedSince(ctx context.Context, ecosystem model.Ecosystem, since time.Time) ([]SerialUpdate, error) {
	return querySerials(ctx, s.db,
		"SELECT serial, updated_at FROM digital_keys WHERE pass_type = ? AND updated_at > ? ORDER BY updated_at",
		string(ecosystem), sinceArg(since),
	)
}

// SerialsForDevice returns the serials a device holds active registrations
// for, limited to those changed after since.
func (s *KeyStore) SerialsForDevice(ctx context.Context, deviceID, passTypeID string, since time.Time) ([]SerialUpdate, error) {
	return querySerials(ctx, s.db,
		`SELECT k.serial, k.updated_at FROM device_registrations d
		 JOIN digital_keys k ON k.id = d.key_id
		 WHERE d.device_id = ? AND d.pass_type_id = ? AND d.active = 1 AND k.updated_at > ?
		 ORDER BY k.updated_at`,
		deviceID, passTypeID, sinceArg(since),
	)
}

func sinceArg(since time.Time) string {
	if since.IsZero() {
		return ""
	}
	return formatTime(since)
}

func querySerials(ctx context.Context, q querier, query string, args ...any) ([]SerialUpdate, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query serials: %w", err)
	}
	defer rows.Close()

	var out []SerialUpdate
	for rows.Next() {
		var su SerialUpdate
		var updated string
		if err := rows.Scan(&su.Serial, &updated); err != nil {
			return nil, fmt.Errorf("scan serial: %w", err)
		}
		if su.UpdatedAt, err = parseTime(updated, time.UTC); err != nil {
			return nil, err
		}
		out = append(out, su)
	}
	return out, rows.Err()
}
