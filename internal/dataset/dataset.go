// Package dataset provides a concrete driver.Dataset backed by a
// storage.Backend, reading a small JSON descriptor and per-video metadata
// records. This is one convention for cmd/vflow-node to depend on, not a
// format the pipeline itself requires — any type satisfying
// driver.Dataset can be substituted.
package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/vflow-project/vflow/internal/model"
	"github.com/vflow-project/vflow/internal/storage"
)

// Descriptor is the top-level per-dataset JSON record at
// <db>/datasets/<name>/descriptor.
type Descriptor struct {
	VideoCount int `json:"video_count"`
}

// Dataset resolves video metadata/paths for one named dataset out of a
// storage backend.
type Dataset struct {
	Backend    storage.Backend
	Name       string
	videoCount int
}

// Load reads the dataset's descriptor and returns a ready Dataset.
func Load(ctx context.Context, backend storage.Backend, name string) (*Dataset, error) {
	var desc Descriptor
	if err := readJSON(ctx, backend, descriptorPath(name), &desc); err != nil {
		return nil, fmt.Errorf("dataset %q: reading descriptor: %w", name, err)
	}
	return &Dataset{Backend: backend, Name: name, videoCount: desc.VideoCount}, nil
}

func (d *Dataset) VideoCount() int { return d.videoCount }

func (d *Dataset) DataPath(videoIndex int) string {
	return fmt.Sprintf("datasets/%s/items/%d/data", d.Name, videoIndex)
}

func (d *Dataset) metadataPath(videoIndex int) string {
	return fmt.Sprintf("datasets/%s/items/%d/metadata", d.Name, videoIndex)
}

// Metadata reads one video's metadata record. Storage errors on read are
// treated as fatal.
func (d *Dataset) Metadata(videoIndex int) (model.VideoMetadata, error) {
	var meta model.VideoMetadata
	if err := readJSON(context.Background(), d.Backend, d.metadataPath(videoIndex), &meta); err != nil {
		return model.VideoMetadata{}, fmt.Errorf("dataset %q video %d: %w", d.Name, videoIndex, err)
	}
	return meta, nil
}

func descriptorPath(name string) string { return "datasets/" + name + "/descriptor" }

func readJSON(ctx context.Context, backend storage.Backend, path string, v any) error {
	rh, err := backend.OpenRead(ctx, path)
	if err != nil {
		return err
	}
	defer rh.Close()
	buf := make([]byte, rh.Size())
	if _, err := rh.ReadAt(buf, 0); err != nil && err != io.EOF {
		return err
	}
	return json.Unmarshal(buf, v)
}
