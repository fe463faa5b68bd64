package content

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Storage persists synthesized audio objects and hands back a public URL.
type Storage interface {
	Upload(ctx context.Context, objectKey, contentType string, body []byte) (string, error)
}

// SupabaseStorage implements Storage against Supabase's Storage HTTP API.
type SupabaseStorage struct {
	BaseURL    string
	ServiceKey string
	Bucket     string
	Client     *http.Client
}

// NewSupabaseStorage constructs a Supabase storage client.
func NewSupabaseStorage(baseURL, serviceKey, bucket string) *SupabaseStorage {
	return &SupabaseStorage{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		ServiceKey: serviceKey,
		Bucket:     bucket,
		Client:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Upload stores the object with upsert semantics and returns its public URL.
func (s *SupabaseStorage) Upload(ctx context.Context, objectKey, contentType string, body []byte) (string, error) {
	if s.BaseURL == "" || s.ServiceKey == "" {
		return "", fmt.Errorf("storage: missing Supabase configuration: STORAGE_URL and STORAGE_SERVICE_KEY required")
	}

	uploadURL := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.BaseURL, s.Bucket, objectKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("storage: create upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.ServiceKey)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Cache-Control", "3600")
	req.Header.Set("x-upsert", "true")

	resp, err := s.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("storage: upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("storage: upload status %d", resp.StatusCode)
	}
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.BaseURL, s.Bucket, objectKey), nil
}
