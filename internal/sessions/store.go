package sessions

import (
	"context"

	"github.com/cocode/cocode/pkg/models"
)

// Store is the interface for session persistence.
type Store interface {
	// Session CRUD
	Create(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	Update(ctx context.Context, session *models.Session) error
	Delete(ctx context.Context, id string) error

	// GetOrCreate returns the session bound to cwd, creating one if none
	// exists yet. This backs `cocode chat`'s implicit resume-by-directory.
	GetOrCreate(ctx context.Context, cwd string) (*models.Session, error)
	List(ctx context.Context, opts ListOptions) ([]*models.Session, error)

	// Message history
	AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error
	GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)
}

// ListOptions configures session listing.
type ListOptions struct {
	Limit  int
	Offset int
}
