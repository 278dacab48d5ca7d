// Package ingest moves uploaded bytes into the content-addressed store. Every
// file is hashed with BLAKE3 while it streams in; the hex digest is the
// blob's identity, its object-store key and the dedup handle.
package ingest

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"lukechampine.com/blake3"

	"github.com/plectr/plectr/pkg/api"
	"github.com/plectr/plectr/pkg/blobstore"
)

// MaxUploadBytes caps a single multipart file part.
const MaxUploadBytes = 2 << 30

// Catalog is the slice of the relational store ingest needs.
type Catalog interface {
	BlobExists(ctx context.Context, hash string) (bool, error)
	InsertBlob(ctx context.Context, blob api.Blob) error
}

// Ingester writes blobs to object storage and records them in the catalog.
type Ingester struct {
	blobs   blobstore.Store
	catalog Catalog
}

func New(blobs blobstore.Store, catalog Catalog) *Ingester {
	return &Ingester{blobs: blobs, catalog: catalog}
}

// Result describes one ingested file.
type Result struct {
	Path    string `json:"path"`
	Hash    string `json:"hash"`
	Size    int64  `json:"size"`
	Existed bool   `json:"existed"`
}

// HashBytes returns the hex BLAKE3 digest of data.
func HashBytes(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Part ingests one multipart part, taking the declared content type from the
// part header.
func (i *Ingester) Part(ctx context.Context, part *multipart.Part, path string) (Result, error) {
	return i.File(ctx, part, path, part.Header.Get("Content-Type"))
}

// File ingests one upload stream. The content is hashed while buffering;
// when the digest is already known, the bytes are dropped and the existing
// blob is reused.
func (i *Ingester) File(ctx context.Context, r io.Reader, path, mimeType string) (Result, error) {
	hasher := blake3.New(32, nil)
	var buf bytes.Buffer
	size, err := io.Copy(io.MultiWriter(hasher, &buf), io.LimitReader(r, MaxUploadBytes))
	if err != nil {
		return Result{}, api.WrapError(api.KindBadRequest, err, "failed to read upload %q", path)
	}
	hash := hex.EncodeToString(hasher.Sum(nil))

	existed, err := i.catalog.BlobExists(ctx, hash)
	if err != nil {
		return Result{}, err
	}
	if existed {
		return Result{Path: path, Hash: hash, Size: size, Existed: true}, nil
	}

	if err := i.blobs.Put(ctx, hash, buf.Bytes()); err != nil {
		return Result{}, err
	}

	blob := api.Blob{
		Hash:        hash,
		Size:        size,
		MimeType:    sql.NullString{String: mimeType, Valid: mimeType != ""},
		StoragePath: hash,
	}
	if strings.HasSuffix(path, ".safetensors") {
		if metadata, err := SafetensorsMetadata(buf.Bytes()); err != nil {
			logrus.WithError(err).WithField("path", path).Warn("Could not extract safetensors metadata.")
		} else {
			blob.Metadata = metadata
		}
	}
	if err := i.catalog.InsertBlob(ctx, blob); err != nil {
		return Result{}, err
	}
	return Result{Path: path, Hash: hash, Size: size, Existed: false}, nil
}

// sampleLayerLimit caps how many per-tensor entries the metadata carries.
const sampleLayerLimit = 10

// ModelInfo is the summary extracted from a safetensors header.
type ModelInfo struct {
	Format       string      `json:"format"`
	TensorCount  int         `json:"tensor_count"`
	Parameters   int64       `json:"parameters"`
	DTypes       []string    `json:"dtypes"`
	SampleLayers []LayerInfo `json:"sample_layers"`
}

// LayerInfo describes one tensor from the header.
type LayerInfo struct {
	Name   string  `json:"name"`
	DType  string  `json:"dtype"`
	Shape  []int64 `json:"shape"`
	Params int64   `json:"params"`
}

type tensorHeader struct {
	DType string  `json:"dtype"`
	Shape []int64 `json:"shape"`
}

// SafetensorsMetadata parses the leading header of a safetensors file: an
// 8-byte little-endian length followed by that many bytes of JSON mapping
// tensor names to dtype and shape. Extraction is best effort; a malformed
// header fails the metadata, never the upload.
func SafetensorsMetadata(data []byte) (json.RawMessage, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("file too short for safetensors header")
	}
	headerLen := int64(0)
	for i := 7; i >= 0; i-- {
		headerLen = headerLen<<8 | int64(data[i])
	}
	if headerLen <= 0 || headerLen > int64(len(data)-8) {
		return nil, fmt.Errorf("implausible header length %d", headerLen)
	}
	var tensors map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerLen], &tensors); err != nil {
		return nil, fmt.Errorf("failed to decode header: %w", err)
	}

	// Sorted iteration keeps the extracted metadata stable across uploads
	// of the same file.
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		if name != "__metadata__" {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	info := ModelInfo{Format: "safetensors", SampleLayers: []LayerInfo{}}
	dtypes := map[string]bool{}
	for _, name := range names {
		var tensor tensorHeader
		if err := json.Unmarshal(tensors[name], &tensor); err != nil {
			continue
		}
		info.TensorCount++
		if tensor.DType != "" && !dtypes[tensor.DType] {
			dtypes[tensor.DType] = true
			info.DTypes = append(info.DTypes, tensor.DType)
		}
		params := int64(1)
		for _, dim := range tensor.Shape {
			params *= dim
		}
		if len(tensor.Shape) == 0 {
			params = 0
		}
		info.Parameters += params
		if len(info.SampleLayers) < sampleLayerLimit {
			info.SampleLayers = append(info.SampleLayers, LayerInfo{
				Name:   name,
				DType:  tensor.DType,
				Shape:  tensor.Shape,
				Params: params,
			})
		}
	}
	return json.Marshal(info)
}
