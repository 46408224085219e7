package artifact

import "context"

type Repository interface {
	Create(ctx context.Context, a *Artifact) error
	Get(ctx context.Context, id string) (*Artifact, error)
	List(ctx context.Context, projectID, taskID string, limit, offset int) ([]*Artifact, int, error)
	Update(ctx context.Context, a *Artifact) error
	Delete(ctx context.Context, id string) error
}
