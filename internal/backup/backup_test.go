package backup

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/hotelkey/keyservice/internal/database"
	"github.com/hotelkey/keyservice/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type object struct {
	data     []byte
	modified time.Time
}

// mockS3Client implements s3Client for testing.
type mockS3Client struct {
	mu      sync.Mutex
	objects map[string]object
	now     func() time.Time
	putErr  error
}

func newMockS3(now func() time.Time) *mockS3Client {
	return &mockS3Client{objects: make(map[string]object), now: now}
}

func (m *mockS3Client) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	data, _ := io.ReadAll(in.Body)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[*in.Key] = object{data: data, modified: m.now()}
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[*in.Key]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(obj.data))}, nil
}

func (m *mockS3Client) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3Client) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		obj := m.objects[k]
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(k),
			Size:         aws.Int64(int64(len(obj.data))),
			LastModified: aws.Time(obj.modified),
		})
	}
	return out, nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestManager(t *testing.T) (*Manager, *mockS3Client, *clock, *storetest.Fixture) {
	t.Helper()
	f := storetest.New(t)
	c := &clock{t: time.Date(2025, 1, 10, 3, 0, 0, 0, time.UTC)}
	client := newMockS3(c.now)
	cfg := Config{S3: S3Config{Bucket: "bkt", Prefix: "prod"}, Passphrase: "correct horse"}
	m := newManager(client, cfg, f.DB, slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.now = c.now
	return m, client, c, f
}

func TestSealOpen(t *testing.T) {
	sealed, err := Seal("secret", []byte("room keys"))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "room keys")

	plain, err := Open("secret", sealed)
	require.NoError(t, err)
	assert.Equal(t, "room keys", string(plain))

	_, err = Open("wrong", sealed)
	assert.ErrorIs(t, err, ErrBadPassphrase)
	_, err = Open("secret", sealed[:10])
	assert.ErrorIs(t, err, ErrBadPassphrase)

	_, err = Seal("", []byte("x"))
	assert.Error(t, err)
}

func TestNewManagerRequiresConfig(t *testing.T) {
	_, err := NewManager(Config{Passphrase: "p"}, nil, slog.Default())
	assert.ErrorContains(t, err, "S3")
	_, err = NewManager(Config{S3: S3Config{Bucket: "b", AccessKey: "a", SecretKey: "s"}}, nil, slog.Default())
	assert.ErrorContains(t, err, "passphrase")
}

func TestRunAndRestore(t *testing.T) {
	m, client, _, f := newTestManager(t)
	ctx := context.Background()

	key, err := m.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, "prod/backups/hotelkey-2025-01-10T030000Z.db.enc", key)
	assert.Contains(t, client.objects, key)

	dst := filepath.Join(t.TempDir(), "restored.db")
	require.NoError(t, m.Restore(ctx, key, dst))

	db, err := database.Open(dst)
	require.NoError(t, err)
	defer db.Close()
	var lock string
	require.NoError(t, db.QueryRow("SELECT nfc_lock_id FROM rooms WHERE id = ?", f.Room.ID).Scan(&lock))
	assert.Equal(t, storetest.LockID, lock)
}

func TestRestoreWrongPassphrase(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()
	key, err := m.Run(ctx)
	require.NoError(t, err)

	m.passphrase = "guess"
	dst := filepath.Join(t.TempDir(), "restored.db")
	assert.ErrorIs(t, m.Restore(ctx, key, dst), ErrBadPassphrase)
	assert.NoFileExists(t, dst)
}

func TestRunUploadFailure(t *testing.T) {
	m, client, _, _ := newTestManager(t)
	client.putErr = errors.New("bucket gone")
	_, err := m.Run(context.Background())
	assert.ErrorContains(t, err, "bucket gone")
}

func TestListAndPrune(t *testing.T) {
	m, client, c, _ := newTestManager(t)
	ctx := context.Background()

	var keys []string
	for i := 0; i < 3; i++ {
		key, err := m.Run(ctx)
		require.NoError(t, err)
		keys = append(keys, key)
		c.t = c.t.Add(24 * time.Hour)
	}
	client.objects["prod/backups/notes.txt"] = object{data: []byte("x"), modified: c.t.Add(-100 * 24 * time.Hour)}

	snaps, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	assert.Equal(t, keys[2], snaps[0].Key, "newest first")

	n, err := m.Prune(ctx, 60*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NotContains(t, client.objects, keys[0])
	assert.Contains(t, client.objects, keys[1])

	// The newest snapshot survives any retention.
	n, err = m.Prune(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, client.objects, keys[2])
	assert.Contains(t, client.objects, "prod/backups/notes.txt")
}
