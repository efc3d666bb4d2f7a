package publish

import (
	"context"
	"path"
)

// FileUploader is satisfied by *objectstore.Store.
type FileUploader interface {
	PutFile(ctx context.Context, name, localPath string) (string, error)
}

// ArtifactUploader copies the matrix and index files to object storage
// under a per-run prefix.
type ArtifactUploader struct {
	store FileUploader
}

func NewArtifactUploader(store FileUploader) *ArtifactUploader {
	return &ArtifactUploader{store: store}
}

func (u *ArtifactUploader) Name() string { return "objectstore" }

func (u *ArtifactUploader) Publish(ctx context.Context, rep *Report) error {
	locals := []string{rep.MatrixPath, rep.IndexPath}
	for i, name := range artifactNames(rep) {
		if _, done := rep.ObjectKeys[name]; done {
			continue
		}
		key, err := u.store.PutFile(ctx, path.Join(rep.RunID, name), locals[i])
		if err != nil {
			return err
		}
		if rep.ObjectKeys == nil {
			rep.ObjectKeys = make(map[string]string)
		}
		rep.ObjectKeys[name] = key
	}
	return nil
}
