// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Store License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package tiered arquiva artefatos selados do engine (segmentos de WAL
// comprimidos e checkpoints) em object storage compatível com S3.
package tiered

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/nishisan-dev/n-store/internal/config"
)

// queueDepth limita os uploads enfileirados; acima disso, Enqueue descarta
// com warn em vez de travar o caller (o artefato continua no disco local).
const queueDepth = 64

// ObjectPutter é a fatia do client S3 que o archiver usa. Permite um fake
// nos testes.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver consome uma fila de artefatos selados e os envia ao bucket
// configurado. A leitura dos arquivos passa por um ThrottledReader para o
// upload não saturar o link.
type Archiver struct {
	client     ObjectPutter
	bucket     string
	prefix     string
	uploadRate int64
	logger     *slog.Logger

	queue  chan string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New cria um Archiver a partir da configuração tiered. Com access_key usa
// credenciais estáticas; com endpoint customizado (MinIO etc.) usa
// path-style.
func New(ctx context.Context, cfg config.TieredInfo, logger *slog.Logger) (*Archiver, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewWithClient(client, cfg, logger), nil
}

// NewWithClient cria um Archiver com um client já construído (ou um fake).
func NewWithClient(client ObjectPutter, cfg config.TieredInfo, logger *slog.Logger) *Archiver {
	return &Archiver{
		client:     client,
		bucket:     cfg.Bucket,
		prefix:     cfg.Prefix,
		uploadRate: cfg.UploadRateRaw,
		logger:     logger.With("component", "archiver"),
		queue:      make(chan string, queueDepth),
	}
}

// Start dispara o worker de uploads.
func (a *Archiver) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.wg.Add(1)
	go a.run(ctx)
	a.logger.Info("archiver started", "bucket", a.bucket)
}

// Enqueue oferece um artefato selado para upload. Fila cheia descarta com
// warn; o arquivo permanece no disco local.
func (a *Archiver) Enqueue(path string) {
	select {
	case a.queue <- path:
	default:
		a.logger.Warn("archive queue full, skipping", "path", path)
	}
}

// Stop drena a fila pendente e para o worker.
func (a *Archiver) Stop() {
	close(a.queue)
	a.wg.Wait()
	if a.cancel != nil {
		a.cancel()
	}
	a.logger.Info("archiver stopped")
}

func (a *Archiver) run(ctx context.Context) {
	defer a.wg.Done()

	for p := range a.queue {
		if err := a.upload(ctx, p); err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Error("upload failed", "path", p, "error", err)
			continue
		}
		a.logger.Debug("artifact archived", "path", p)
	}
}

func (a *Archiver) upload(ctx context.Context, filePath string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("opening artifact: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat artifact: %w", err)
	}

	key := path.Join(a.prefix, filepath.Base(filePath))
	body := NewThrottledReader(ctx, f, a.uploadRate)

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(info.Size()),
	})
	if err != nil {
		return fmt.Errorf("putting %s: %w", key, err)
	}
	return nil
}
