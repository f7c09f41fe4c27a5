package pages

// Role is the coarse permission level of an acting identity.
type Role string

// Roles, most to least privileged.
const (
	RoleAdmin     Role = "admin"
	RoleWriter    Role = "writer"
	RoleReader    Role = "reader"
	RoleAnonymous Role = "anonymous"
)

// Identity is the actor a permission check is evaluated against.
type Identity struct {
	ID   string
	Role Role
}

// System is the identity used for file-driven syncs.
var System = Identity{ID: "system", Role: RoleAdmin}

// Elevated reports whether the identity may see other users' drafts.
func (i Identity) Elevated() bool {
	return i.Role == RoleAdmin || i.Role == RoleWriter
}

func (i Identity) owns(p *Page) bool {
	return i.ID != "" && i.ID == p.CreatedBy
}

// CanView reports whether id may read p. Drafts are visible to their creator
// and to elevated roles only.
func CanView(id Identity, p *Page) bool {
	if p.Status != StatusDraft {
		return true
	}

	return id.Elevated() || id.owns(p)
}

// CanEdit reports whether id may modify p.
func CanEdit(id Identity, p *Page) bool {
	if id.Role == RoleAnonymous {
		return false
	}

	return id.Elevated() || id.owns(p)
}

// CanDelete reports whether id may delete p.
func CanDelete(id Identity, p *Page) bool {
	if id.Role == RoleAnonymous {
		return false
	}

	return id.Role == RoleAdmin || id.owns(p)
}

// CanCreate reports whether id may create pages.
func CanCreate(id Identity) bool {
	return id.Elevated()
}
