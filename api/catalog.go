package api

import (
	"net/http"

	"library-server/auth"
	"library-server/library"
)

func (s *Server) listBooks(w http.ResponseWriter, r *http.Request) error {
	page, err := queryInt(r, "page")
	if err != nil {
		return err
	}
	size, err := queryInt(r, "page_size")
	if err != nil {
		return err
	}
	q := r.URL.Query()
	result, err := s.lib.ListBooks(r.Context(), auth.CallerFrom(r.Context()), library.BookFilter{
		Search:   q.Get("search"),
		Author:   q.Get("author"),
		Subject:  q.Get("subject"),
		Page:     int(page),
		PageSize: int(size),
	})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, Page{
		Count:    result.Total,
		Page:     result.Page,
		PageSize: result.PageSize,
		Results:  renderAll(library.ResourceBooks, library.OpList, result.Books),
	})
	return nil
}

func (s *Server) getBook(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	b, err := s.lib.GetBook(r.Context(), auth.CallerFrom(r.Context()), id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, render(library.ResourceBooks, library.OpRetrieve, b))
	return nil
}

func (s *Server) createBook(w http.ResponseWriter, r *http.Request) error {
	c := auth.CallerFrom(r.Context())
	// Authorise before reading the body so anonymous writes get 401, not 400.
	if err := library.Authorize(c, library.ResourceBooks, library.OpCreate); err != nil {
		return err
	}
	var in library.BookInput
	if err := decodeJSON(w, r, &in); err != nil {
		return err
	}
	b, err := s.lib.CreateBook(r.Context(), c, in)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, render(library.ResourceBooks, library.OpCreate, b))
	return nil
}

// updateBook serves both PUT and PATCH; absent fields are left unchanged.
func (s *Server) updateBook(w http.ResponseWriter, r *http.Request) error {
	c := auth.CallerFrom(r.Context())
	if err := library.Authorize(c, library.ResourceBooks, library.OpUpdate); err != nil {
		return err
	}
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	var in library.BookInput
	if err := decodeJSON(w, r, &in); err != nil {
		return err
	}
	b, err := s.lib.UpdateBook(r.Context(), c, id, in)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, render(library.ResourceBooks, library.OpUpdate, b))
	return nil
}

func (s *Server) deleteBook(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	if err := s.lib.DeleteBook(r.Context(), auth.CallerFrom(r.Context()), id); err != nil {
		return err
	}
	writeJSON(w, http.StatusNoContent, nil)
	return nil
}

// ------------------ Copies ------------------

func (s *Server) listItems(w http.ResponseWriter, r *http.Request) error {
	bookID, err := pathID(r, "book")
	if err != nil {
		return err
	}
	status := library.CopyStatus(r.URL.Query().Get("status"))
	items, err := s.lib.ListItems(r.Context(), auth.CallerFrom(r.Context()), bookID, status)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, renderAll(library.ResourceBookItems, library.OpList, items))
	return nil
}

func (s *Server) getItem(w http.ResponseWriter, r *http.Request) error {
	bookID, err := pathID(r, "book")
	if err != nil {
		return err
	}
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	it, err := s.lib.GetItem(r.Context(), auth.CallerFrom(r.Context()), bookID, id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, render(library.ResourceBookItems, library.OpRetrieve, it))
	return nil
}

func (s *Server) createItem(w http.ResponseWriter, r *http.Request) error {
	c := auth.CallerFrom(r.Context())
	if err := library.Authorize(c, library.ResourceBookItems, library.OpCreate); err != nil {
		return err
	}
	bookID, err := pathID(r, "book")
	if err != nil {
		return err
	}
	var in library.ItemInput
	if err := decodeJSON(w, r, &in); err != nil {
		return err
	}
	it, err := s.lib.CreateItem(r.Context(), c, bookID, in)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, render(library.ResourceBookItems, library.OpCreate, it))
	return nil
}

func (s *Server) updateItem(w http.ResponseWriter, r *http.Request) error {
	c := auth.CallerFrom(r.Context())
	if err := library.Authorize(c, library.ResourceBookItems, library.OpUpdate); err != nil {
		return err
	}
	bookID, err := pathID(r, "book")
	if err != nil {
		return err
	}
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	var in library.ItemInput
	if err := decodeJSON(w, r, &in); err != nil {
		return err
	}
	it, err := s.lib.UpdateItem(r.Context(), c, bookID, id, in)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, render(library.ResourceBookItems, library.OpUpdate, it))
	return nil
}

func (s *Server) deleteItem(w http.ResponseWriter, r *http.Request) error {
	bookID, err := pathID(r, "book")
	if err != nil {
		return err
	}
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	if err := s.lib.DeleteItem(r.Context(), auth.CallerFrom(r.Context()), bookID, id); err != nil {
		return err
	}
	writeJSON(w, http.StatusNoContent, nil)
	return nil
}

// ------------------ Authors ------------------

func (s *Server) listAuthors(w http.ResponseWriter, r *http.Request) error {
	c := auth.CallerFrom(r.Context())
	authors, err := s.lib.ListAuthors(r.Context(), c, r.URL.Query().Get("name"))
	if err != nil {
		return err
	}
	ids := make([]int64, 0, len(authors))
	for _, a := range authors {
		ids = append(ids, a.ID)
	}
	books, err := s.lib.AuthorBooks(r.Context(), c, ids)
	if err != nil {
		return err
	}
	listings := make([]authorListing, 0, len(authors))
	for _, a := range authors {
		listings = append(listings, authorListing{author: a, books: books[a.ID]})
	}
	writeJSON(w, http.StatusOK, renderAll(library.ResourceAuthors, library.OpList, listings))
	return nil
}

func (s *Server) getAuthor(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	a, err := s.lib.GetAuthor(r.Context(), auth.CallerFrom(r.Context()), id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, render(library.ResourceAuthors, library.OpRetrieve, a))
	return nil
}

func (s *Server) createAuthor(w http.ResponseWriter, r *http.Request) error {
	c := auth.CallerFrom(r.Context())
	if err := library.Authorize(c, library.ResourceAuthors, library.OpCreate); err != nil {
		return err
	}
	var in library.AuthorInput
	if err := decodeJSON(w, r, &in); err != nil {
		return err
	}
	a, err := s.lib.CreateAuthor(r.Context(), c, in)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, render(library.ResourceAuthors, library.OpCreate, a))
	return nil
}

func (s *Server) updateAuthor(w http.ResponseWriter, r *http.Request) error {
	c := auth.CallerFrom(r.Context())
	if err := library.Authorize(c, library.ResourceAuthors, library.OpUpdate); err != nil {
		return err
	}
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	var in library.AuthorInput
	if err := decodeJSON(w, r, &in); err != nil {
		return err
	}
	a, err := s.lib.UpdateAuthor(r.Context(), c, id, in)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, render(library.ResourceAuthors, library.OpUpdate, a))
	return nil
}

func (s *Server) deleteAuthor(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	if err := s.lib.DeleteAuthor(r.Context(), auth.CallerFrom(r.Context()), id); err != nil {
		return err
	}
	writeJSON(w, http.StatusNoContent, nil)
	return nil
}
