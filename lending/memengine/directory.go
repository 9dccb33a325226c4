package memengine

import (
	"context"
	"fmt"
	"sync"

	"github.com/bachducanh/E-Library/lending"
)

// Directory implements lending.MemberDirectory and lending.BookCatalog in memory.
type Directory struct {
	mu      sync.RWMutex
	members map[string]lending.Member
	books   map[string]struct{}
}

func NewDirectory() *Directory {
	return &Directory{
		members: make(map[string]lending.Member),
		books:   make(map[string]struct{}),
	}
}

// PutMember adds or replaces a member.
func (d *Directory) PutMember(member lending.Member) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.members[member.ID] = member
}

// PutBook registers a book id.
func (d *Directory) PutBook(bookID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.books[bookID] = struct{}{}
}

func (d *Directory) GetMember(_ context.Context, memberID string) (lending.Member, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	member, ok := d.members[memberID]
	if !ok {
		return lending.Member{}, fmt.Errorf("%w: member %s", lending.ErrNotFound, memberID)
	}

	return member, nil
}

func (d *Directory) BookExists(_ context.Context, bookID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	_, ok := d.books[bookID]

	return ok, nil
}
