package archive

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bytedance/sonic/encoder"
	"github.com/jeremywohl/flatten"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/n0needt0/go-goodies/log"
	"github.com/n0needt0/goodies/eventpipe/internal/config"
	"github.com/n0needt0/goodies/eventpipe/internal/domain"
	"github.com/n0needt0/goodies/eventpipe/internal/services"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// Archiver mirrors every delivered event batch to S3 as ndjson and
// optionally parquet. Archiving is best-effort: a failed upload is
// logged and dropped, it never blocks or fails delivery.
type Archiver struct {
	Services    *services.Services
	Config      *config.Config
	quit        chan bool
	wg          sync.WaitGroup
	archiveChan chan []domain.TrackingEvent
	schema      *SharedSchema
}

func NewArchiver(services *services.Services, config *config.Config) *Archiver {
	return &Archiver{
		Services:    services,
		Config:      config,
		quit:        make(chan bool),
		archiveChan: make(chan []domain.TrackingEvent, 64),
		schema:      NewSharedSchema(),
	}
}

// Enqueue hands a delivered batch to the archive worker. Drops the batch
// when the worker is backed up.
func (a *Archiver) Enqueue(events []domain.TrackingEvent) {
	select {
	case a.archiveChan <- events:
	default:
		log.Warnf("archive queue full, dropping batch of %d events", len(events))
	}
}

func (a *Archiver) Shutdown() error {
	log.Info("S3 Archiver shutting down")
	a.quit <- true
	a.wg.Wait()
	return nil
}

func (a *Archiver) Start() error {
	s3Client, err := minio.New(a.Config.S3.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(a.Config.S3.AccessKey, a.Config.S3.SecretKey, ""),
		Secure: a.Config.S3.Ssl,
	})
	if err != nil {
		return fmt.Errorf("failed to create S3 client: %w", err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		defer func() {
			if r := recover(); r != nil {
				log.Errorf("Recovered from panic in archiver goroutine: %v", r)
			}
		}()

		for {
			select {
			case events := <-a.archiveChan:
				func() {
					defer func() {
						if r := recover(); r != nil {
							log.Errorf("Recovered from panic while archiving batch: %v", r)
						}
					}()
					a.archiveBatch(events, s3Client)
				}()
			case <-a.quit:
				log.Info("Archiver received shutdown signal")
				return
			}
		}
	}()

	return nil
}

func (a *Archiver) archiveBatch(events []domain.TrackingEvent, s3Client *minio.Client) {
	if len(events) == 0 {
		return
	}

	timestamp := fmt.Sprintf("%d", time.Now().UnixNano())

	var ndjson bytes.Buffer
	for _, ev := range events {
		row, err := a.flattenEvent(ev)
		if err != nil {
			log.Errorf("Failed to flatten event %s for archive: %v", ev.ID, err)
			continue
		}
		a.schema.Observe(row)
		line, err := encoder.Encode(&row, encoder.SortMapKeys)
		if err != nil {
			log.Errorf("Failed to encode event %s for archive: %v", ev.ID, err)
			continue
		}
		ndjson.Write(line)
		ndjson.WriteByte('\n')
	}
	if ndjson.Len() == 0 {
		return
	}

	if a.Config.Archive.EnableJsonOutput {
		a.uploadJson(ndjson.Bytes(), s3Client, timestamp)
	}
	if a.Config.Archive.EnableParquetOutput {
		a.uploadParquet(ndjson.Bytes(), s3Client, timestamp)
	}
}

// flattenEvent turns an event into a flat row keyed by dotted paths so
// every value maps to a single parquet column.
func (a *Archiver) flattenEvent(ev domain.TrackingEvent) (map[string]interface{}, error) {
	row := map[string]interface{}{
		"id":        ev.ID,
		"type":      ev.Type,
		"timestamp": ev.Timestamp,
	}
	if len(ev.Context) > 0 {
		flat, err := flatten.Flatten(ev.Context, "context.", flatten.DotStyle)
		if err != nil {
			return nil, err
		}
		for k, v := range flat {
			row[k] = v
		}
	}
	return row, nil
}

func (a *Archiver) uploadJson(data []byte, s3Client *minio.Client, timestamp string) {
	objectKey := fmt.Sprintf("%s/%s/json/%s.ndjson", a.Config.App.Name, time.Now().Format("2006-01-02"), timestamp)
	contentType := "application/x-ndjson"

	if a.Config.S3.Compression {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(data); err != nil {
			gz.Close()
			log.Errorf("Failed to gzip archive batch: %v", err)
			return
		}
		gz.Close()
		data = buf.Bytes()
		objectKey += ".gz"
		contentType = "application/gzip"
	}

	_, err := s3Client.PutObject(context.Background(), a.Config.S3.BucketName, objectKey, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		log.Errorf("Failed to upload archive batch to S3: %v", err)
	} else {
		log.Infof("Uploaded archive %s to S3 successfully", objectKey)
	}
}

func (a *Archiver) uploadParquet(ndjson []byte, s3Client *minio.Client, timestamp string) {
	outPath := filepath.Join(os.TempDir(), fmt.Sprintf("eventpipe-%s.parquet", timestamp))

	fw, err := local.NewLocalFileWriter(outPath)
	if err != nil {
		log.Errorf("Failed to create Parquet file: %v", err)
		return
	}

	pw, err := writer.NewJSONWriter(a.schema.ParquetSchema(), fw, 4)
	if err != nil {
		fw.Close()
		log.Errorf("Failed to create Parquet JSON writer: %v", err)
		return
	}

	pw.CompressionType = parquet.CompressionCodec_GZIP

	scanner := bufio.NewScanner(bytes.NewReader(ndjson))
	rowCount := 0
	for scanner.Scan() {
		line := scanner.Text()
		if err := pw.Write(line); err != nil {
			log.Errorf("Error writing record to Parquet: %v", err)
			continue
		}
		rowCount++
	}

	if rowCount == 0 {
		log.Warn("No records written to Parquet file")
	} else {
		log.Debugf("Wrote %d rows to %s", rowCount, outPath)
	}

	if err := pw.WriteStop(); err != nil {
		fw.Close()
		log.Errorf("Error during WriteStop: %v", err)
		return
	}
	fw.Close()

	defer func() {
		_ = os.Remove(outPath)
	}()

	stat, err := os.Stat(outPath)
	if err != nil {
		log.Errorf("Failed to stat Parquet file: %v", err)
		return
	}
	pfile, err := os.Open(outPath)
	if err != nil {
		log.Errorf("Failed to open Parquet file for upload: %v", err)
		return
	}
	defer pfile.Close()

	objectKey := fmt.Sprintf("%s/%s/parquet/%s.parquet", a.Config.App.Name, time.Now().Format("2006-01-02"), timestamp)
	_, err = s3Client.PutObject(context.Background(), a.Config.S3.BucketName, objectKey, pfile, stat.Size(), minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		log.Errorf("Failed to upload Parquet file to S3: %v", err)
	} else {
		log.Infof("Uploaded Parquet file %s to S3 successfully", objectKey)
	}
}
