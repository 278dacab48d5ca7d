package ingest

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/plectr/plectr/pkg/api"
	"github.com/plectr/plectr/pkg/blobstore"
)

type fakeCatalog struct {
	blobs map[string]api.Blob
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{blobs: map[string]api.Blob{}}
}

func (c *fakeCatalog) BlobExists(_ context.Context, hash string) (bool, error) {
	_, ok := c.blobs[hash]
	return ok, nil
}

func (c *fakeCatalog) InsertBlob(_ context.Context, blob api.Blob) error {
	c.blobs[blob.Hash] = blob
	return nil
}

func TestFileDeduplicates(t *testing.T) {
	memory := blobstore.NewMemory()
	catalog := newFakeCatalog()
	ingester := New(memory, catalog)

	first, err := ingester.File(context.Background(), strings.NewReader("model weights"), "weights.bin", "application/octet-stream")
	if err != nil {
		t.Fatalf("first ingest failed: %v", err)
	}
	if first.Existed {
		t.Error("first ingest unexpectedly reported existing content")
	}
	if first.Size != int64(len("model weights")) {
		t.Errorf("expected size %d, got %d", len("model weights"), first.Size)
	}

	second, err := ingester.File(context.Background(), strings.NewReader("model weights"), "copy.bin", "application/octet-stream")
	if err != nil {
		t.Fatalf("second ingest failed: %v", err)
	}
	if !second.Existed {
		t.Error("second ingest of identical content should report existing")
	}
	if second.Hash != first.Hash {
		t.Errorf("identical content hashed differently: %s vs %s", first.Hash, second.Hash)
	}
	if puts := memory.PutsFor(first.Hash); puts != 1 {
		t.Errorf("expected exactly one object-store write, got %d", puts)
	}
}

func TestFileHashMatchesHashBytes(t *testing.T) {
	memory := blobstore.NewMemory()
	ingester := New(memory, newFakeCatalog())

	content := []byte("some file body")
	result, err := ingester.File(context.Background(), bytes.NewReader(content), "file.txt", "text/plain")
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if expected := HashBytes(content); result.Hash != expected {
		t.Errorf("expected hash %s, got %s", expected, result.Hash)
	}
	stored, err := memory.Get(context.Background(), result.Hash)
	if err != nil {
		t.Fatalf("stored blob is missing: %v", err)
	}
	if !bytes.Equal(stored, content) {
		t.Error("stored bytes differ from uploaded bytes")
	}
}

func safetensorsFile(t *testing.T, header map[string]interface{}, payload []byte) []byte {
	t.Helper()
	encoded, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("failed to marshal header: %v", err)
	}
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, uint64(len(encoded)))
	out = append(out, encoded...)
	return append(out, payload...)
}

func TestSafetensorsMetadata(t *testing.T) {
	file := safetensorsFile(t, map[string]interface{}{
		"__metadata__": map[string]string{"format": "pt"},
		"embed.weight": map[string]interface{}{"dtype": "F32", "shape": []int64{10, 4}, "data_offsets": []int64{0, 160}},
		"head.bias":    map[string]interface{}{"dtype": "F32", "shape": []int64{10}, "data_offsets": []int64{160, 200}},
	}, make([]byte, 200))

	raw, err := SafetensorsMetadata(file)
	if err != nil {
		t.Fatalf("extraction failed: %v", err)
	}
	var info ModelInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		t.Fatalf("metadata is not valid JSON: %v", err)
	}
	expected := ModelInfo{
		Format:      "safetensors",
		TensorCount: 2,
		Parameters:  50,
		DTypes:      []string{"F32"},
		SampleLayers: []LayerInfo{
			{Name: "embed.weight", DType: "F32", Shape: []int64{10, 4}, Params: 40},
			{Name: "head.bias", DType: "F32", Shape: []int64{10}, Params: 10},
		},
	}
	if diff := cmp.Diff(expected, info); diff != "" {
		t.Errorf("model info differs from expected: %s", diff)
	}
}

func TestSafetensorsMetadataSamplesFirstTenLayers(t *testing.T) {
	header := map[string]interface{}{}
	for i := 0; i < 12; i++ {
		header[fmt.Sprintf("layer.%02d.weight", i)] = map[string]interface{}{
			"dtype": "F16", "shape": []int64{2, 3}, "data_offsets": []int64{0, 0},
		}
	}
	raw, err := SafetensorsMetadata(safetensorsFile(t, header, nil))
	if err != nil {
		t.Fatalf("extraction failed: %v", err)
	}
	var info ModelInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		t.Fatalf("metadata is not valid JSON: %v", err)
	}
	if info.TensorCount != 12 {
		t.Errorf("expected 12 tensors, got %d", info.TensorCount)
	}
	if info.Parameters != 72 {
		t.Errorf("expected 72 parameters, got %d", info.Parameters)
	}
	if len(info.SampleLayers) != 10 {
		t.Fatalf("expected 10 sample layers, got %d", len(info.SampleLayers))
	}
	expected := LayerInfo{Name: "layer.00.weight", DType: "F16", Shape: []int64{2, 3}, Params: 6}
	if diff := cmp.Diff(expected, info.SampleLayers[0]); diff != "" {
		t.Errorf("first sample layer differs from expected: %s", diff)
	}
}

func TestSafetensorsMetadataRejectsGarbage(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
	}{
		{name: "too short", data: []byte{1, 2, 3}},
		{name: "header length beyond file", data: append([]byte{255, 255, 0, 0, 0, 0, 0, 0}, []byte("{}")...)},
		{name: "header is not json", data: append([]byte{4, 0, 0, 0, 0, 0, 0, 0}, []byte("????")...)},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := SafetensorsMetadata(tc.data); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}
