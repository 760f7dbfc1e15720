package auth

import (
	"context"
	"errors"
	"strings"
	"sync"

	"loom/cmd/internal/docstore"
)

// Authorizer answers yes/no capability checks.
type Authorizer interface {
	// CanEdit reports whether userID may read and edit documentID.
	CanEdit(ctx context.Context, userID, documentID string) (bool, error)
	// IsWorkspaceMember reports whether userID belongs to workspaceID.
	IsWorkspaceMember(ctx context.Context, userID, workspaceID string) (bool, error)
}

// Role is a workspace membership role.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// CanWrite reports whether the role may edit workspace pages.
func (r Role) CanWrite() bool { return r == RoleOwner || r == RoleEditor }

// AllowAll grants every capability. Development only.
type AllowAll struct{}

func (AllowAll) CanEdit(context.Context, string, string) (bool, error)           { return true, nil }
func (AllowAll) IsWorkspaceMember(context.Context, string, string) (bool, error) { return true, nil }

// PageLookup resolves the workspace owning a document.
type PageLookup interface {
	GetPage(ctx context.Context, id string) (docstore.Page, error)
}

// StaticAuthorizer keeps memberships and per-page grants in memory and
// resolves document ownership through the page catalog.
type StaticAuthorizer struct {
	pages PageLookup

	mu      sync.RWMutex
	members map[string]map[string]Role // workspace -> user -> role
	grants  map[string]map[string]bool // page -> user -> can edit
}

// NewStaticAuthorizer constructs an empty StaticAuthorizer.
func NewStaticAuthorizer(pages PageLookup) *StaticAuthorizer {
	return &StaticAuthorizer{
		pages:   pages,
		members: make(map[string]map[string]Role),
		grants:  make(map[string]map[string]bool),
	}
}

// AddMember sets userID's role in workspaceID.
func (a *StaticAuthorizer) AddMember(workspaceID, userID string, role Role) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m := a.members[workspaceID]
	if m == nil {
		m = make(map[string]Role)
		a.members[workspaceID] = m
	}
	m[userID] = role
}

// RemoveMember drops userID from workspaceID.
func (a *StaticAuthorizer) RemoveMember(workspaceID, userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.members[workspaceID], userID)
}

// SetPageAccess overrides the workspace role for one page.
func (a *StaticAuthorizer) SetPageAccess(pageID, userID string, canEdit bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	g := a.grants[pageID]
	if g == nil {
		g = make(map[string]bool)
		a.grants[pageID] = g
	}
	g[userID] = canEdit
}

// CanEdit implements Authorizer.
func (a *StaticAuthorizer) CanEdit(ctx context.Context, userID, documentID string) (bool, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(documentID) == "" {
		return false, nil
	}
	page, err := a.pages.GetPage(ctx, documentID)
	if errors.Is(err, docstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if page.Deleted() {
		return false, nil
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if g, ok := a.grants[documentID][userID]; ok {
		return g, nil
	}
	role, ok := a.members[page.WorkspaceID][userID]
	return ok && role.CanWrite(), nil
}

// IsWorkspaceMember implements Authorizer.
func (a *StaticAuthorizer) IsWorkspaceMember(_ context.Context, userID, workspaceID string) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.members[workspaceID][userID]
	return ok, nil
}
