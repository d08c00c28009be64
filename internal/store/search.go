package store

import (
	"context"
	"fmt"
	"strings"
)

const snippetRadius = 32

// SearchMessages finds messages whose text or caption contains query,
// newest first. Messages deleted for everyone are skipped.
func (db *DB) SearchMessages(ctx context.Context, query, chatID string, limit int) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	pattern := "%" + escapeLike(query) + "%"
	q := `
		SELECT ` + messageColumns + ` FROM messages
		WHERE deleted_for_everyone = 0
		  AND (text LIKE ? ESCAPE '\' OR media_caption LIKE ? ESCAPE '\')`
	args := []any{pattern, pattern}
	if chatID != "" {
		q += " AND chat_id = ?"
		args = append(args, chatID)
	}
	q += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	results := make([]SearchResult, 0, len(msgs))
	for _, m := range msgs {
		results = append(results, SearchResult{Message: m, Snippet: snippet(m.Preview(), query)})
	}
	return results, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// snippet marks the first case-insensitive match of query in text with << >>.
func snippet(text, query string) string {
	lt, lq := strings.ToLower(text), strings.ToLower(query)
	if len(lt) != len(text) || len(lq) != len(query) {
		lt, lq = text, query
	}
	i := strings.Index(lt, lq)
	if i < 0 {
		return text
	}
	start := max(0, i-snippetRadius)
	end := min(len(text), i+len(query)+snippetRadius)
	var b strings.Builder
	if start > 0 {
		b.WriteString("...")
	}
	b.WriteString(text[start:i])
	b.WriteString("<<")
	b.WriteString(text[i : i+len(query)])
	b.WriteString(">>")
	b.WriteString(text[i+len(query) : end])
	if end < len(text) {
		b.WriteString("...")
	}
	return b.String()
}
