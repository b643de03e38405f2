package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Shipper moves rotated audit files to S3 and serves as the media store:
// raw bytes in, public URL out.
type Shipper struct {
	s3Client      *s3.Client
	bucket        string
	mediaPrefix   string
	publicBaseURL string
	deleteAfter   bool
	maxRetries    uint64
	logger        *zap.Logger
}

// flyTokenRetriever implements stscreds.IdentityTokenRetriever for Fly.io OIDC
type flyTokenRetriever struct {
	socketPath string
	audience   string
}

// GetIdentityToken fetches an OIDC token from Fly.io's Unix socket API
func (f *flyTokenRetriever) GetIdentityToken() ([]byte, error) {
	// Create HTTP client with Unix socket transport
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", f.socketPath)
			},
		},
		Timeout: 5 * time.Second,
	}

	reqBody, err := json.Marshal(map[string]string{
		"aud": f.audience,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := client.Post("http://localhost/v1/tokens/oidc", "application/json", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("request token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("token request failed with status %d: %s", resp.StatusCode, string(body))
	}

	token, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}

	return token, nil
}

// New creates a shipper using OIDC authentication
func New(ctx context.Context, bucket, region, roleARN, mediaPrefix, publicBaseURL string, deleteAfter bool, maxRetries int, logger *zap.Logger) (*Shipper, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	// If roleARN is provided, assume role using OIDC credentials
	if roleARN != "" {
		stsClient := sts.NewFromConfig(cfg)

		tokenRetriever := &flyTokenRetriever{
			socketPath: "/.fly/api",
			audience:   "sts.amazonaws.com",
		}

		credProvider := stscreds.NewWebIdentityRoleProvider(
			stsClient,
			roleARN,
			tokenRetriever,
		)

		cfg.Credentials = aws.NewCredentialsCache(credProvider)
	}

	return &Shipper{
		s3Client:      s3.NewFromConfig(cfg),
		bucket:        bucket,
		mediaPrefix:   mediaPrefix,
		publicBaseURL: publicBaseURL,
		deleteAfter:   deleteAfter,
		maxRetries:    uint64(maxRetries),
		logger:        logger,
	}, nil
}

// NewWithStaticCredentials creates a shipper using static credentials (legacy)
func NewWithStaticCredentials(ctx context.Context, bucket, region, accessKeyID, secretAccessKey, mediaPrefix, publicBaseURL string, deleteAfter bool, maxRetries int, logger *zap.Logger) (*Shipper, error) {
	credProvider := credentials.NewStaticCredentialsProvider(
		accessKeyID,
		secretAccessKey,
		"",
	)

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credProvider),
	)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	return &Shipper{
		s3Client:      s3.NewFromConfig(cfg),
		bucket:        bucket,
		mediaPrefix:   mediaPrefix,
		publicBaseURL: publicBaseURL,
		deleteAfter:   deleteAfter,
		maxRetries:    uint64(maxRetries),
		logger:        logger,
	}, nil
}

// UploadBytes stores a media object and returns its public URL.
func (s *Shipper) UploadBytes(ctx context.Context, data []byte, name string) (string, error) {
	key := fmt.Sprintf("%s/%s_%s", strings.TrimSuffix(s.mediaPrefix, "/"), uuid.NewString(), name)

	_, err := s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}

	return s.publicBaseURL + "/" + key, nil
}

// ScanAndShipExisting scans a directory for leftover .jsonl files and ships them
func (s *Shipper) ScanAndShipExisting(ctx context.Context, outputDir string) error {
	s.logger.Info("Scanning for existing audit files to ship", zap.String("dir", outputDir))

	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return fmt.Errorf("read directory: %w", err)
	}

	var filesToShip []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(entry.Name(), ".jsonl") {
			filesToShip = append(filesToShip, filepath.Join(outputDir, entry.Name()))
		}
	}

	if len(filesToShip) == 0 {
		s.logger.Info("No existing audit files found")
		return nil
	}

	s.logger.Info("Found existing audit files", zap.Int("count", len(filesToShip)))
	for _, filePath := range filesToShip {
		go s.shipWithRetry(ctx, filePath)
	}

	return nil
}

// Start begins monitoring for rotated files to ship
func (s *Shipper) Start(ctx context.Context, fileChan <-chan string) error {
	for {
		select {
		case localPath := <-fileChan:
			// Ship in a goroutine so we don't block the recorder
			go s.shipWithRetry(ctx, localPath)

		case <-ctx.Done():
			s.logger.Info("Shipper shutting down")
			return ctx.Err()
		}
	}
}

// shipWithRetry uploads a file with bounded exponential backoff
func (s *Shipper) shipWithRetry(ctx context.Context, localPath string) {
	filename := filepath.Base(localPath)

	key, err := generateKey(filename)
	if err != nil {
		s.logger.Error("Error generating key", zap.String("file", filename), zap.Error(err))
		return
	}

	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.maxRetries)
	err = backoff.Retry(func() error {
		return s.shipFile(ctx, localPath, key)
	}, backoff.WithContext(b, ctx))
	if err != nil {
		s.logger.Error("Failed to ship audit file", zap.String("file", filename), zap.Error(err))
		return
	}

	s.logger.Info("Shipped audit file",
		zap.String("file", filename), zap.String("dest", "s3://"+s.bucket+"/"+key))

	if s.deleteAfter {
		if err := os.Remove(localPath); err != nil {
			s.logger.Error("Error deleting local file", zap.String("file", localPath), zap.Error(err))
		}
	}
}

// shipFile uploads a specific file to S3
func (s *Shipper) shipFile(ctx context.Context, localPath, key string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   file,
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}

	return nil
}

// generateKey generates an S3 key from an audit filename
// Input: speech-in-stream_20251230_1030.jsonl
// Output: audit/2025/12/30/speech-in-stream/speech-in-stream_20251230_1030.jsonl
func generateKey(filename string) (string, error) {
	nameWithoutExt := strings.TrimSuffix(filename, ".jsonl")

	// Parse filename: class_YYYYMMDD_HHMM. Class names may contain
	// underscores, so parse from the end.
	parts := strings.Split(nameWithoutExt, "_")
	if len(parts) < 3 {
		return "", fmt.Errorf("invalid filename format: %s", filename)
	}

	dateStr := parts[len(parts)-2] // YYYYMMDD
	timeStr := parts[len(parts)-1] // HHMM
	class := strings.Join(parts[:len(parts)-2], "_")

	t, err := time.Parse("20060102_1504", dateStr+"_"+timeStr)
	if err != nil {
		return "", fmt.Errorf("parse timestamp: %w", err)
	}

	key := fmt.Sprintf("audit/%04d/%02d/%02d/%s/%s",
		t.Year(), t.Month(), t.Day(), class, filename)

	return key, nil
}
