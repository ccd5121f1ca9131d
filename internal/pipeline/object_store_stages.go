package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/freakifranky/image-creator/internal/domain"
	"github.com/freakifranky/image-creator/internal/storage"
)

const DefaultOutputPrefix = "outputs"

type ObjectStore interface {
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

func NewObjectStoreProcessor(post *Postprocessor, store ObjectStore, outputPrefix string) (*Processor, error) {
	return NewProcessor(
		ObjectStoreFetcher{Storage: store},
		post,
		ObjectStoreEmitter{Storage: store, OutputPrefix: outputPrefix},
	)
}

type ObjectStoreFetcher struct {
	Storage ObjectStore
}

func (f ObjectStoreFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if f.Storage == nil {
		return nil, errors.New("storage client is required")
	}
	if strings.EqualFold(req.SourceType, SourceTypeLocalFile) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}
	return f.Storage.ReadObject(ctx, req.ObjectKey)
}

type ObjectStoreEmitter struct {
	Storage      ObjectStore
	OutputPrefix string
}

func (e ObjectStoreEmitter) Emit(ctx context.Context, req Request, variant domain.Variant, img Image) (Output, error) {
	if e.Storage == nil {
		return Output{}, errors.New("storage client is required")
	}
	if strings.TrimSpace(variant.ID) == "" {
		return Output{}, errors.New("variant id is required")
	}

	objectKey := OutputObjectKey(e.OutputPrefix, req.JobID, variant.ID)
	if err := e.Storage.WriteObject(ctx, objectKey, img.Data, storage.ContentTypePNG); err != nil {
		return Output{}, err
	}
	return outputFor(variant, objectKey, img), nil
}

// OutputObjectKey is <prefix>/<job_id>/<variant_id>.png with both ids sanitized.
func OutputObjectKey(prefix, jobID, variantID string) string {
	return path.Join(
		defaultOutputPrefix(prefix),
		sanitizePathToken(jobID),
		sanitizePathToken(variantID)+".png",
	)
}

func defaultOutputPrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return DefaultOutputPrefix
	}
	return prefix
}
