package repositoryimpl

import (
	"context"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/velohq/velo/internal/artifact"
	"github.com/velohq/velo/pkg/cerr"
	"github.com/velohq/velo/pkg/storage"
)

const artifactsPrefix = "artifacts"

type YAMLRepository struct {
	storage storage.Storage
}

func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{storage: s}
}

func path(id string) string {
	return fmt.Sprintf("%s/%s.yaml", artifactsPrefix, id)
}

func (r *YAMLRepository) Create(ctx context.Context, a *artifact.Artifact) error {
	exists, err := r.storage.Exists(ctx, path(a.ID))
	if err != nil {
		return cerr.WrapStorageWriteError("artifact", err)
	}
	if exists {
		return cerr.NewError(cerr.AlreadyExists, "artifact already exists", nil)
	}
	data, err := yaml.Marshal(a)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal artifact: %w", err))
	}
	if err := r.storage.Write(ctx, path(a.ID), data); err != nil {
		return cerr.WrapStorageWriteError("artifact", err)
	}
	return nil
}

func (r *YAMLRepository) Get(ctx context.Context, id string) (*artifact.Artifact, error) {
	data, err := r.storage.Read(ctx, path(id))
	if err != nil {
		return nil, cerr.WrapStorageReadError("artifact", err)
	}
	var a artifact.Artifact
	if err := yaml.Unmarshal(data, &a); err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to unmarshal artifact: %w", err))
	}
	return &a, nil
}

func (r *YAMLRepository) List(ctx context.Context, projectID, taskID string, limit, offset int) ([]*artifact.Artifact, int, error) {
	paths, err := r.storage.List(ctx, artifactsPrefix)
	if err != nil {
		return nil, 0, cerr.WrapStorageReadError("artifacts", err)
	}

	sort.Strings(paths)

	var all []*artifact.Artifact
	for _, p := range paths {
		data, err := r.storage.Read(ctx, p)
		if err != nil {
			continue
		}
		var a artifact.Artifact
		if err := yaml.Unmarshal(data, &a); err != nil {
			continue
		}
		if projectID != "" && a.ProjectID != projectID {
			continue
		}
		if taskID != "" && a.TaskID != taskID {
			continue
		}
		all = append(all, &a)
	}

	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, total, nil
}

func (r *YAMLRepository) Update(ctx context.Context, a *artifact.Artifact) error {
	exists, err := r.storage.Exists(ctx, path(a.ID))
	if err != nil {
		return cerr.WrapStorageWriteError("artifact", err)
	}
	if !exists {
		return cerr.NewError(cerr.NotFound, "artifact not found", nil)
	}
	data, err := yaml.Marshal(a)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal artifact: %w", err))
	}
	if err := r.storage.Write(ctx, path(a.ID), data); err != nil {
		return cerr.WrapStorageWriteError("artifact", err)
	}
	return nil
}

func (r *YAMLRepository) Delete(ctx context.Context, id string) error {
	if err := r.storage.Delete(ctx, path(id)); err != nil {
		return cerr.WrapStorageDeleteError("artifact", err)
	}
	return nil
}
