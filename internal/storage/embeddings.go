package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// GetEmbedding returns the cached vector for (model, key). The boolean is
// false when nothing is cached.
func (s *Store) GetEmbedding(ctx context.Context, model, key string) ([]float32, bool, error) {
	var blob []byte
	var dim int
	err := s.db.QueryRowContext(ctx,
		"SELECT dim, vector FROM embeddings WHERE model = ? AND content_key = ?", model, key,
	).Scan(&dim, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	v, err := decodeFloat32s(blob)
	if err != nil {
		return nil, false, fmt.Errorf("decoding embedding %s/%s: %w", model, key, err)
	}
	if len(v) != dim {
		return nil, false, fmt.Errorf("embedding %s/%s: stored dim %d, decoded %d", model, key, dim, len(v))
	}
	return v, true, nil
}

// PutEmbedding stores vec for (model, key), replacing any previous entry.
func (s *Store) PutEmbedding(ctx context.Context, model, key string, vec []float32) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embeddings (model, content_key, dim, vector, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(model, content_key) DO UPDATE SET dim = excluded.dim, vector = excluded.vector, created_at = excluded.created_at`,
		model, key, len(vec), encodeFloat32s(vec), time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// CountEmbeddings returns the number of cached vectors for model, or for all
// models when model is empty.
func (s *Store) CountEmbeddings(ctx context.Context, model string) (int, error) {
	var n int
	var err error
	if model == "" {
		err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM embeddings").Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM embeddings WHERE model = ?", model).Scan(&n)
	}
	return n, err
}

// PruneEmbeddings deletes cache entries older than cutoff and reports how many were removed.
func (s *Store) PruneEmbeddings(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM embeddings WHERE created_at < ?", cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// encodeFloat32s serializes a float32 slice as little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
