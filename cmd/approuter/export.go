package main

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/cobra"

	"github.com/vango-dev/approuter/internal/config"
)

func exportCmd(opts *rootOptions) *cobra.Command {
	var (
		dir    string
		toS3   bool
		bucket string
		prefix string
	)

	cmd := &cobra.Command{
		Use:   "export [path...]",
		Short: "Write static patch documents",
		Long: `Render the full patch document of each path and write it to a
directory or an S3 bucket, keyed the way static-export clients request
them. Without paths, every page pattern without parameters is exported.

Examples:
  approuter export --dir=out / /blog /blog/a
  approuter export --s3 --bucket=site --prefix=patches`,
		RunE: func(cmd *cobra.Command, paths []string) error {
			logger := opts.logger()
			cfg, err := opts.load(logger)
			if err != nil {
				return err
			}
			if len(paths) == 0 {
				paths = staticPages(cfg)
			}
			if len(paths) == 0 {
				return errors.New("nothing to export: pass paths or configure server.pages")
			}

			srv := newServer(cfg, logger, nil)
			defer srv.Close()

			if !toS3 {
				if err := srv.ExportDir(paths, dir); err != nil {
					return err
				}
				success("Exported %d pages to %s", len(paths), dir)
				return nil
			}

			if bucket == "" {
				bucket = cfg.S3.Bucket
			}
			if prefix == "" {
				prefix = cfg.S3.Prefix
			}
			if bucket == "" {
				return errors.New("--s3 needs a bucket (flag or s3.bucket)")
			}
			client, err := newS3Uploader(cmd.Context(), cfg.S3)
			if err != nil {
				return err
			}
			if err := srv.ExportS3(cmd.Context(), client, bucket, prefix, paths); err != nil {
				return err
			}
			success("Exported %d pages to s3://%s/%s", len(paths), bucket, prefix)
			return nil
		},
	}

	cmd.Flags().StringVarP(&dir, "dir", "d", "out", "Output directory")
	cmd.Flags().BoolVar(&toS3, "s3", false, "Upload to S3 instead of writing files")
	cmd.Flags().StringVar(&bucket, "bucket", "", "S3 bucket (default from config)")
	cmd.Flags().StringVar(&prefix, "prefix", "", "S3 key prefix (default from config)")

	return cmd
}

// staticPages returns the configured page patterns that have no parameters.
func staticPages(cfg *config.Config) []string {
	var paths []string
	for _, p := range cfg.Server.Pages {
		if !strings.Contains(p, ":") {
			paths = append(paths, p)
		}
	}
	return paths
}

// newS3Uploader returns an S3 client using the default credential chain.
func newS3Uploader(ctx context.Context, settings config.S3Settings) (*s3.Client, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	if settings.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(settings.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = settings.PathStyle
		if settings.Endpoint != "" {
			o.BaseEndpoint = aws.String(settings.Endpoint)
		}
	}), nil
}
