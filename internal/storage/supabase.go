package storage

import (
	"bytes"
	"context"
	"fmt"

	"github.com/supabase-community/supabase-go"
)

// SupabaseConfig holds the connection settings for Supabase storage.
type SupabaseConfig struct {
	URL            string
	ServiceRoleKey string
	Bucket         string
}

// SupabaseStorage uploads recording chunks straight into a Supabase bucket.
type SupabaseStorage struct {
	client *supabase.Client
	url    string
	bucket string
}

// NewSupabase constructs the storage client.
func NewSupabase(cfg SupabaseConfig) (*SupabaseStorage, error) {
	client, err := supabase.NewClient(cfg.URL, cfg.ServiceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("storage: create supabase client: %w", err)
	}
	return &SupabaseStorage{client: client, url: cfg.URL, bucket: cfg.Bucket}, nil
}

// Upload writes the chunk and returns its public object URL.
func (s *SupabaseStorage) Upload(ctx context.Context, key, contentType string, data []byte) (string, error) {
	_, err := s.client.Storage.UploadFile(s.bucket, key, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("storage: upload %s: %w", key, err)
	}
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.url, s.bucket, key), nil
}
