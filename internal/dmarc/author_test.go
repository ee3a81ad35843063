package dmarc

import "testing"

func TestExtractAuthorsSingle(t *testing.T) {
	headers := []Header{{Name: "From", Value: "Alice <alice@example.com>"}}
	authors, err := ExtractAuthors(headers)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(authors) != 1 || authors[0].Domain != "example.com" || authors[0].Local != "alice" {
		t.Fatalf("got %+v", authors)
	}
}

func TestExtractAuthorsMultipleMailboxesInOneField(t *testing.T) {
	headers := []Header{{Name: "From", Value: "alice@example.com, bob@example.org"}}
	authors, err := ExtractAuthors(headers)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(authors) != 2 {
		t.Fatalf("got %d authors, want 2: %+v", len(authors), authors)
	}
}

func TestExtractAuthorsNoFromIsError(t *testing.T) {
	headers := []Header{{Name: "To", Value: "bob@example.org"}}
	if _, err := ExtractAuthors(headers); err != ErrNoAuthor {
		t.Fatalf("got %v, want ErrNoAuthor", err)
	}
}

func TestExtractAuthorsEmptyFromIgnored(t *testing.T) {
	headers := []Header{
		{Name: "From", Value: ""},
		{Name: "From", Value: "alice@example.com"},
	}
	authors, err := ExtractAuthors(headers)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(authors) != 1 {
		t.Fatalf("got %+v", authors)
	}
}

func TestExtractAuthorsMultipleNonEmptyFromIsError(t *testing.T) {
	headers := []Header{
		{Name: "From", Value: "alice@example.com"},
		{Name: "From", Value: "bob@example.org"},
	}
	if _, err := ExtractAuthors(headers); err != ErrMultipleAuthors {
		t.Fatalf("got %v, want ErrMultipleAuthors", err)
	}
}
