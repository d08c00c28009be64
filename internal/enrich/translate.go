package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/workset"
)

// TranslationKey is the annotation under which a translation to lang is kept.
func TranslationKey(lang string) string {
	return "translation:" + lang
}

// Translator translates received text through an HTTP endpoint and keeps the
// result as a device-local annotation.
//
// The endpoint takes {"text": ..., "target": ...} and answers {"text": ...}.
type Translator struct {
	endpoint string
	lang     string
	viewer   string
	client   *http.Client
	db       *store.DB
	set      *workset.Set
}

// NewTranslator creates a translator to lang.
func NewTranslator(endpoint, lang, viewer string, db *store.DB, set *workset.Set) *Translator {
	return &Translator{
		endpoint: endpoint,
		lang:     lang,
		viewer:   viewer,
		client:   &http.Client{Timeout: 15 * time.Second},
		db:       db,
		set:      set,
	}
}

type translateRequest struct {
	Text   string `json:"text"`
	Target string `json:"target"`
}

type translateResponse struct {
	Text string `json:"text"`
}

func (tr *Translator) Handle(ctx context.Context, t Task) error {
	m := t.Message
	if t.Origin != Arrived || m.SenderID == tr.viewer || strings.TrimSpace(m.Text) == "" {
		return nil
	}
	if _, done := m.Annotations[TranslationKey(tr.lang)]; done {
		return nil
	}
	text, err := tr.Translate(ctx, m.Text)
	if err != nil {
		return err
	}
	if text == "" || text == m.Text {
		return nil
	}
	if err := tr.db.SetAnnotation(ctx, m.ID, TranslationKey(tr.lang), text); err != nil {
		return err
	}
	cur, err := tr.db.GetMessage(ctx, m.ID)
	if err != nil || cur == nil {
		return err
	}
	tr.set.UpsertMessages(*cur)
	return nil
}

// Translate sends text to the endpoint.
func (tr *Translator) Translate(ctx context.Context, text string) (string, error) {
	body, err := json.Marshal(translateRequest{Text: text, Target: tr.lang})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tr.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := tr.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("translate: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	var out translateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("translate: decode response: %w", err)
	}
	return out.Text, nil
}
