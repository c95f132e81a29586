package draft

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/debemdeboas/kbpreview/internal/model"
)

var ErrDraftNotFound = errors.New("draft not found")

type Repository interface {
	CreateDraft() (*Draft, error)
	GetDraft(id DraftID) (*Draft, error)
	DeleteDraft(id DraftID) error
}

type MemoryRepository struct {
	drafts sync.Map
	clock  *model.Clock
}

func NewMemoryRepository(clock *model.Clock) *MemoryRepository {
	if clock == nil {
		clock = model.NewClock()
	}
	return &MemoryRepository{clock: clock}
}

func (m *MemoryRepository) CreateDraft() (*Draft, error) {
	d := New(DraftID(uuid.New().String()), m.clock)
	m.drafts.Store(d.ID(), d)
	return d, nil
}

func (m *MemoryRepository) GetDraft(id DraftID) (*Draft, error) {
	if d, ok := m.drafts.Load(id); ok {
		return d.(*Draft), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrDraftNotFound, id)
}

func (m *MemoryRepository) DeleteDraft(id DraftID) error {
	m.drafts.Delete(id)
	return nil
}
