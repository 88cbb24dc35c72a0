package patchserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/errgroup"

	"github.com/vango-dev/approuter/pkg/flight"
)

// ExportedPage is one exported patch document.
type ExportedPage struct {
	Path string
	Key  string
	Data []byte
}

// Export renders the full patch document of every path, as served to a
// client without a tree. Static exports cannot diff against the client tree.
func (s *Server) Export(paths []string) ([]ExportedPage, error) {
	pages := make([]ExportedPage, 0, len(paths))
	for _, p := range paths {
		p, err := cleanPath(p)
		if err != nil {
			return nil, fmt.Errorf("export: %w", err)
		}
		resp, err := s.Respond(&flight.Request{URL: &url.URL{Path: p}})
		if err != nil {
			return nil, fmt.Errorf("export %s: %w", p, err)
		}
		data, err := json.Marshal(resp)
		if err != nil {
			return nil, fmt.Errorf("export %s: %w", p, err)
		}
		pages = append(pages, ExportedPage{Path: p, Key: flight.StaticExportKey(p), Data: data})
	}
	return pages, nil
}

// ExportDir writes the export of paths below dir.
func (s *Server) ExportDir(paths []string, dir string) error {
	pages, err := s.Export(paths)
	if err != nil {
		return err
	}
	for _, page := range pages {
		file := filepath.Join(dir, filepath.FromSlash(page.Key))
		if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(file, page.Data, 0o644); err != nil {
			return err
		}
	}
	s.logger.Info("export written", "dir", dir, "pages", len(pages))
	return nil
}

// S3PutAPI is the subset of the S3 client used for uploads.
type S3PutAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ExportS3 uploads the export of paths to bucket under prefix, where
// fetch.S3Source reads them.
func (s *Server) ExportS3(ctx context.Context, client S3PutAPI, bucket, prefix string, paths []string) error {
	pages, err := s.Export(paths)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, page := range pages {
		g.Go(func() error {
			_, err := client.PutObject(ctx, &s3.PutObjectInput{
				Bucket:      aws.String(bucket),
				Key:         aws.String(path.Join(prefix, page.Key)),
				Body:        bytes.NewReader(page.Data),
				ContentType: aws.String(flight.ContentType),
			})
			if err != nil {
				return fmt.Errorf("upload %s: %w", page.Key, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	s.logger.Info("export uploaded", "bucket", bucket, "prefix", prefix, "pages", len(pages))
	return nil
}
