package volume

// Store holds at most one image per role. It is not safe for concurrent use;
// the viewer goroutine owns it.
type Store struct {
	images [NumRoles]*Image
}

// Get returns the image for r, or nil.
func (s *Store) Get(r Role) *Image {
	if !r.Valid() {
		return nil
	}
	return s.images[r]
}

// Has reports whether r holds an image.
func (s *Store) Has(r Role) bool {
	return s.Get(r) != nil
}

// Put replaces the image for r wholesale.
func (s *Store) Put(r Role, img *Image) {
	if !r.Valid() {
		return
	}
	s.images[r] = img
}

// Clear drops the image for r.
func (s *Store) Clear(r Role) {
	s.Put(r, nil)
}

// Populated lists roles holding an image, in table order.
func (s *Store) Populated() []Role {
	var out []Role
	for _, r := range Roles() {
		if s.images[r] != nil {
			out = append(out, r)
		}
	}
	return out
}
