package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ImJafran/facto/internal/memory"
)

type NoteStore interface {
	SaveNote(ctx context.Context, note memory.Note) error
}

type SaveNoteTool struct {
	store NoteStore
	now   func() time.Time
}

func NewSaveNote(store NoteStore) *SaveNoteTool {
	return &SaveNoteTool{store: store, now: time.Now}
}

func (t *SaveNoteTool) Name() string        { return "save_note" }
func (t *SaveNoteTool) Description() string { return "Save a note for the user with a title, content and optional tags." }
func (t *SaveNoteTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"title": {
				"type": "string",
				"description": "Short title of the note"
			},
			"content": {
				"type": "string",
				"description": "The note body"
			},
			"tags": {
				"type": "array",
				"items": {"type": "string"},
				"description": "Optional tags"
			}
		},
		"required": ["title", "content"]
	}`)
}

type saveNoteParams struct {
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Tags    []string `json:"tags"`
}

func (t *SaveNoteTool) Execute(ctx context.Context, params json.RawMessage) (Result, error) {
	var p saveNoteParams
	if err := json.Unmarshal(params, &p); err != nil {
		return Result{}, fmt.Errorf("parsing params: %w", err)
	}
	if strings.TrimSpace(p.Title) == "" {
		return Failure("title is required"), nil
	}
	if p.Tags == nil {
		p.Tags = []string{}
	}

	note := memory.Note{
		ID:        strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		Title:     p.Title,
		Content:   p.Content,
		Tags:      p.Tags,
		CreatedAt: t.now().UTC(),
	}
	if err := t.store.SaveNote(ctx, note); err != nil {
		return Failure("Failed to save note: %v", err), nil
	}

	return Success(map[string]any{
		"message": fmt.Sprintf("Note '%s' saved successfully", note.Title),
		"note":    note,
	}), nil
}
