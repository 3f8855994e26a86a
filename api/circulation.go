package api

import (
	"net/http"

	"library-server/auth"
	"library-server/library"
)

// outcome labels a ledger operation result for metrics.
func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return string(FromError(err).Kind)
}

func (s *Server) borrow(w http.ResponseWriter, r *http.Request) error {
	c := auth.CallerFrom(r.Context())
	if err := library.Authorize(c, library.ResourceBorrowed, library.OpCreate); err != nil {
		return err
	}
	var req library.LedgerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	loan, err := s.lib.RequestBorrow(r.Context(), c, req)
	s.metrics.LedgerOperation("borrow", outcome(err))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, render(library.ResourceBorrowed, library.OpCreate, loan))
	return nil
}

// returnLoan is DELETE on a borrowed book: the loan is closed, not removed.
func (s *Server) returnLoan(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	loan, err := s.lib.ReturnBook(r.Context(), auth.CallerFrom(r.Context()), id)
	s.metrics.LedgerOperation("return", outcome(err))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, render(library.ResourceBorrowed, library.OpDelete, loan))
	return nil
}

func (s *Server) listLoans(w http.ResponseWriter, r *http.Request) error {
	member, err := queryInt(r, "member")
	if err != nil {
		return err
	}
	book, err := queryInt(r, "book")
	if err != nil {
		return err
	}
	open, err := queryBool(r, "open")
	if err != nil {
		return err
	}
	loans, err := s.lib.ListLoans(r.Context(), auth.CallerFrom(r.Context()), library.LoanFilter{
		MemberID: member,
		BookID:   book,
		OpenOnly: open,
	})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, renderAll(library.ResourceBorrowed, library.OpList, loans))
	return nil
}

func (s *Server) getLoan(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	loan, err := s.lib.GetLoan(r.Context(), auth.CallerFrom(r.Context()), id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, render(library.ResourceBorrowed, library.OpRetrieve, loan))
	return nil
}

// ------------------ Reservations ------------------

func (s *Server) reserve(w http.ResponseWriter, r *http.Request) error {
	c := auth.CallerFrom(r.Context())
	if err := library.Authorize(c, library.ResourceReserved, library.OpCreate); err != nil {
		return err
	}
	var req library.LedgerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	hold, err := s.lib.Reserve(r.Context(), c, req)
	s.metrics.LedgerOperation("reserve", outcome(err))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, render(library.ResourceReserved, library.OpCreate, hold))
	return nil
}

func (s *Server) cancelReservation(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	err = s.lib.CancelReservation(r.Context(), auth.CallerFrom(r.Context()), id)
	s.metrics.LedgerOperation("cancel", outcome(err))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusNoContent, nil)
	return nil
}

func (s *Server) listReservations(w http.ResponseWriter, r *http.Request) error {
	holds, err := s.lib.ListReservations(r.Context(), auth.CallerFrom(r.Context()))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, renderAll(library.ResourceReserved, library.OpList, holds))
	return nil
}

func (s *Server) getReservation(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	hold, err := s.lib.GetReservation(r.Context(), auth.CallerFrom(r.Context()), id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, render(library.ResourceReserved, library.OpRetrieve, hold))
	return nil
}

// ------------------ Fines ------------------

func (s *Server) listFines(w http.ResponseWriter, r *http.Request) error {
	member, err := queryInt(r, "member")
	if err != nil {
		return err
	}
	unpaid, err := queryBool(r, "unpaid")
	if err != nil {
		return err
	}
	fines, err := s.lib.ListFines(r.Context(), auth.CallerFrom(r.Context()), library.FineFilter{
		MemberID:   member,
		UnpaidOnly: unpaid,
	})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, renderAll(library.ResourceFines, library.OpList, fines))
	return nil
}

func (s *Server) getFine(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	f, err := s.lib.GetFine(r.Context(), auth.CallerFrom(r.Context()), id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, render(library.ResourceFines, library.OpRetrieve, f))
	return nil
}

func (s *Server) deleteFine(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	if err := s.lib.DeleteFine(r.Context(), auth.CallerFrom(r.Context()), id); err != nil {
		return err
	}
	writeJSON(w, http.StatusNoContent, nil)
	return nil
}
