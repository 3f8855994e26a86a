package api

import (
	"net/http"

	"library-server/auth"
	"library-server/library"
)

func (s *Server) register(w http.ResponseWriter, r *http.Request) error {
	var form library.Registration
	if err := decodeJSON(w, r, &form); err != nil {
		return err
	}
	m, err := s.lib.Register(r.Context(), auth.CallerFrom(r.Context()), form)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, render(library.ResourceRegistration, library.OpCreate, m))
	return nil
}

// ------------------ Members ------------------

func (s *Server) listMembers(w http.ResponseWriter, r *http.Request) error {
	members, err := s.lib.ListMembers(r.Context(), auth.CallerFrom(r.Context()))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, renderAll(library.ResourceMembers, library.OpList, members))
	return nil
}

func (s *Server) getMember(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	m, err := s.lib.GetMember(r.Context(), auth.CallerFrom(r.Context()), id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, render(library.ResourceMembers, library.OpRetrieve, m))
	return nil
}

func (s *Server) createMember(w http.ResponseWriter, r *http.Request) error {
	c := auth.CallerFrom(r.Context())
	if err := library.Authorize(c, library.ResourceMembers, library.OpCreate); err != nil {
		return err
	}
	var in library.IdentityInput
	if err := decodeJSON(w, r, &in); err != nil {
		return err
	}
	m, err := s.lib.CreateMember(r.Context(), c, in)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, render(library.ResourceMembers, library.OpCreate, m))
	return nil
}

func (s *Server) updateMember(w http.ResponseWriter, r *http.Request) error {
	c := auth.CallerFrom(r.Context())
	if err := library.Authorize(c, library.ResourceMembers, library.OpUpdate); err != nil {
		return err
	}
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	var in library.IdentityInput
	if err := decodeJSON(w, r, &in); err != nil {
		return err
	}
	m, err := s.lib.UpdateMember(r.Context(), c, id, in)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, render(library.ResourceMembers, library.OpUpdate, m))
	return nil
}

func (s *Server) deleteMember(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	if err := s.lib.DeleteMember(r.Context(), auth.CallerFrom(r.Context()), id); err != nil {
		return err
	}
	writeJSON(w, http.StatusNoContent, nil)
	return nil
}

// ------------------ Librarians ------------------

func (s *Server) listLibrarians(w http.ResponseWriter, r *http.Request) error {
	staff, err := s.lib.ListLibrarians(r.Context(), auth.CallerFrom(r.Context()))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, renderAll(library.ResourceLibrarians, library.OpList, staff))
	return nil
}

func (s *Server) getLibrarian(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	l, err := s.lib.GetLibrarian(r.Context(), auth.CallerFrom(r.Context()), id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, render(library.ResourceLibrarians, library.OpRetrieve, l))
	return nil
}

func (s *Server) createLibrarian(w http.ResponseWriter, r *http.Request) error {
	c := auth.CallerFrom(r.Context())
	if err := library.Authorize(c, library.ResourceLibrarians, library.OpCreate); err != nil {
		return err
	}
	var in library.IdentityInput
	if err := decodeJSON(w, r, &in); err != nil {
		return err
	}
	l, err := s.lib.CreateLibrarian(r.Context(), c, in)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, render(library.ResourceLibrarians, library.OpCreate, l))
	return nil
}

func (s *Server) updateLibrarian(w http.ResponseWriter, r *http.Request) error {
	c := auth.CallerFrom(r.Context())
	if err := library.Authorize(c, library.ResourceLibrarians, library.OpUpdate); err != nil {
		return err
	}
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	var in library.IdentityInput
	if err := decodeJSON(w, r, &in); err != nil {
		return err
	}
	l, err := s.lib.UpdateLibrarian(r.Context(), c, id, in)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, render(library.ResourceLibrarians, library.OpUpdate, l))
	return nil
}

func (s *Server) deleteLibrarian(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	if err := s.lib.DeleteLibrarian(r.Context(), auth.CallerFrom(r.Context()), id); err != nil {
		return err
	}
	writeJSON(w, http.StatusNoContent, nil)
	return nil
}
