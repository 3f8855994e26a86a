// Command import_books loads a JSON catalog into the library database.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"library-server/config"
	"library-server/library"
	"library-server/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Entry is one book in a catalog file.
type Entry struct {
	Title   string   `json:"title"`
	ISBN    string   `json:"isbn"`
	Subject string   `json:"subject"`
	Authors []string `json:"authors"`
	Copies  int      `json:"copies"`
}

// sampleCatalog seeds a fresh database when no file is given.
var sampleCatalog = []Entry{
	{Title: "1984", Authors: []string{"George Orwell"}, Subject: "Dystopian fiction", Copies: 3},
	{Title: "Animal Farm", Authors: []string{"George Orwell"}, Subject: "Political satire", Copies: 2},
	{Title: "The Diary of a Young Girl", Authors: []string{"Anne Frank"}, Subject: "Memoir", Copies: 2},
	{Title: "The Art of War", Authors: []string{"Sun Tzu"}, Subject: "Military strategy", Copies: 1},
	{Title: "The Fellowship of the Ring", Authors: []string{"J.R.R. Tolkien"}, Subject: "Fantasy", Copies: 3},
	{Title: "The Two Towers", Authors: []string{"J.R.R. Tolkien"}, Subject: "Fantasy", Copies: 2},
	{Title: "The Return of the King", Authors: []string{"J.R.R. Tolkien"}, Subject: "Fantasy", Copies: 2},
	{Title: "Harry Potter and the Philosopher's Stone", Authors: []string{"J.K. Rowling"}, Subject: "Fantasy", Copies: 4},
	{Title: "Harry Potter and the Chamber of Secrets", Authors: []string{"J.K. Rowling"}, Subject: "Fantasy", Copies: 3},
	{Title: "Harry Potter and the Prisoner of Azkaban", Authors: []string{"J.K. Rowling"}, Subject: "Fantasy", Copies: 3},
	{Title: "Romeo and Juliet", Authors: []string{"William Shakespeare"}, Subject: "Drama", Copies: 2},
	{Title: "The Three Musketeers", Authors: []string{"Alexandre Dumas"}, Subject: "Adventure", Copies: 1},
}

// Result counts what an import did.
type Result struct {
	Imported int
	Skipped  int
	Failed   int
}

func readCatalog(path string) ([]Entry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	return entries, nil
}

// importer resolves author names to ids once per run.
type importer struct {
	lib     *library.LibraryManager
	log     logrus.FieldLogger
	authors map[string]int64
}

func newImporter(ctx context.Context, lib *library.LibraryManager, log logrus.FieldLogger) (*importer, error) {
	existing, err := lib.ListAuthors(ctx, library.System(), "")
	if err != nil {
		return nil, err
	}
	im := &importer{lib: lib, log: log, authors: make(map[string]int64, len(existing))}
	for _, a := range existing {
		im.authors[strings.ToLower(a.Name)] = a.ID
	}
	return im, nil
}

func (im *importer) authorID(ctx context.Context, name string) (int64, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if id, ok := im.authors[key]; ok {
		return id, nil
	}
	name = strings.TrimSpace(name)
	a, err := im.lib.CreateAuthor(ctx, library.System(), library.AuthorInput{Name: &name})
	if err != nil {
		return 0, fmt.Errorf("author %q: %w", name, err)
	}
	im.authors[key] = a.ID
	return a.ID, nil
}

// exists reports a book with the same title and ISBN.
func (im *importer) exists(ctx context.Context, e Entry) (bool, error) {
	page, err := im.lib.ListBooks(ctx, library.System(), library.BookFilter{Search: e.Title, PageSize: library.MaxPageSize})
	if err != nil {
		return false, err
	}
	for _, b := range page.Books {
		if strings.EqualFold(b.Title, strings.TrimSpace(e.Title)) && b.ISBN == strings.TrimSpace(e.ISBN) {
			return true, nil
		}
	}
	return false, nil
}

func (im *importer) importEntry(ctx context.Context, e Entry) (*library.Book, error) {
	ids := make([]int64, 0, len(e.Authors))
	for _, name := range e.Authors {
		id, err := im.authorID(ctx, name)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	b, err := im.lib.CreateBook(ctx, library.System(), library.BookInput{
		Title:   &e.Title,
		ISBN:    &e.ISBN,
		Subject: &e.Subject,
		Authors: &ids,
	})
	if err != nil {
		return nil, err
	}
	if e.Copies > 0 {
		if _, err := im.lib.AddCopies(ctx, library.System(), b.ID, e.Copies); err != nil {
			return nil, fmt.Errorf("add copies: %w", err)
		}
	}
	return b, nil
}

// Run imports entries, skipping books already in the catalog.
func (im *importer) Run(ctx context.Context, entries []Entry) Result {
	var res Result
	for _, e := range entries {
		fmt.Printf("Importing: %s... ", e.Title)
		dup, err := im.exists(ctx, e)
		if err != nil {
			fmt.Printf("ERROR - %v\n", err)
			res.Failed++
			continue
		}
		if dup {
			fmt.Println("already present, skipped")
			res.Skipped++
			continue
		}
		b, err := im.importEntry(ctx, e)
		if err != nil {
			if v, ok := library.IsValidation(err); ok {
				err = v
			}
			fmt.Printf("ERROR - %v\n", err)
			im.log.WithError(err).WithField("title", e.Title).Warn("import failed")
			res.Failed++
			continue
		}
		fmt.Printf("SUCCESS (ID: %d)\n", b.ID)
		res.Imported++
	}
	return res
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

func printCatalog(ctx context.Context, lib *library.LibraryManager) error {
	page, err := lib.ListBooks(ctx, library.System(), library.BookFilter{PageSize: library.MaxPageSize})
	if err != nil {
		return err
	}
	fmt.Printf("%-4s %-45s %-28s %s\n", "ID", "Title", "Author", "Available")
	fmt.Println(strings.Repeat("-", 90))
	for _, b := range page.Books {
		names := make([]string, 0, len(b.Authors))
		for _, a := range b.Authors {
			names = append(names, a.Name)
		}
		fmt.Printf("%-4d %-45s %-28s %d/%d\n", b.ID, truncateString(b.Title, 45),
			truncateString(strings.Join(names, ", "), 28), b.AvailableCopies, b.TotalCopies)
	}
	if page.Total > len(page.Books) {
		fmt.Printf("... and %d more\n", page.Total-len(page.Books))
	}
	return nil
}

func main() {
	var file string
	cmd := &cobra.Command{
		Use:          "import_books [--file catalog.json]",
		Short:        "Import books into the library catalog",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}

			entries := sampleCatalog
			if file != "" {
				if entries, err = readCatalog(file); err != nil {
					return err
				}
			}

			db, err := library.Open(cfg.DBDriver, cfg.DBDSN)
			if err != nil {
				return fmt.Errorf("error opening database: %w", err)
			}
			lib := library.NewManager(db, library.WithLogger(log))
			defer lib.Close()

			ctx := cmd.Context()
			im, err := newImporter(ctx, lib, log)
			if err != nil {
				return err
			}
			res := im.Run(ctx, entries)
			fmt.Printf("\nImport complete!\n")
			fmt.Printf("Imported: %d, skipped: %d, errors: %d\n\n", res.Imported, res.Skipped, res.Failed)
			return printCatalog(ctx, lib)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "JSON catalog file (default: built-in sample catalog)")
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
