package executor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"

	"github.com/kalambet/aide/internal/approval"
	"github.com/kalambet/aide/internal/intent"
	"github.com/kalambet/aide/internal/planner"
	"github.com/kalambet/aide/internal/storage"
)

const (
	maxTextBytes = 1 << 20
	// Stored bodies keep only the head of the extracted text.
	maxBodyChars = 2000
)

// documentClasses is checked in order; the first class with a keyword hit wins.
var documentClasses = []struct {
	class    string
	keywords []string
}{
	{"invoice", []string{"invoice", "amount due", "bill to"}},
	{"receipt", []string{"receipt", "total paid", "thank you for your purchase"}},
	{"contract", []string{"agreement", "contract", "hereinafter", "party"}},
	{"letter", []string{"dear ", "sincerely", "regards"}},
}

// Document uploads and signs documents. Text is pulled out of PDFs with
// ledongthuc/pdf; other files are read as plain text.
type Document struct {
	store    EntityStore
	readText func(path string) (string, error)
}

// NewDocument returns a Document executor over store.
func NewDocument(store EntityStore) *Document {
	return &Document{store: store, readText: extractText}
}

// Execute runs action's steps.
func (d *Document) Execute(ctx context.Context, action planner.PlannedAction, tok approval.Token) (approval.Result, error) {
	handlers := map[planner.StepType]stepFunc{
		planner.StepValidate: d.validate,
		planner.StepConfirm:  confirmStep,
		planner.StepOCR:      d.ocr,
		planner.StepClassify: classifyStep,
		planner.StepSign:     d.sign,
		planner.StepStore:    d.storeStep,
	}
	return runSteps(ctx, action, tok, handlers)
}

func (d *Document) validate(_ context.Context, st *runState, _ planner.ActionStep) error {
	p, ok := st.action.Intent.Payload.(intent.DocumentPayload)
	if !ok {
		return fmt.Errorf("%w: payload %T for %s", ErrInvalidInput, st.action.Intent.Payload, st.action.Intent.Action)
	}
	if p.Path == "" {
		if st.action.Intent.Action == intent.ActionSignDocument && targetID(st.action.Intent) != "" {
			return nil
		}
		return fmt.Errorf("%w: no document path", ErrInvalidInput)
	}
	if _, err := os.Stat(p.Path); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

func (d *Document) ocr(_ context.Context, st *runState, _ planner.ActionStep) error {
	p := st.action.Intent.Payload.(intent.DocumentPayload)
	text, err := d.readText(p.Path)
	if err != nil {
		return err
	}
	st.scratch["text"] = text
	return nil
}

func classifyStep(_ context.Context, st *runState, _ planner.ActionStep) error {
	st.scratch["class"] = ClassifyText(st.scratch["text"])
	return nil
}

// ClassifyText assigns a coarse document class by keyword.
func ClassifyText(text string) string {
	lower := strings.ToLower(text)
	for _, c := range documentClasses {
		for _, kw := range c.keywords {
			if strings.Contains(lower, kw) {
				return c.class
			}
		}
	}
	return "other"
}

func (d *Document) sign(_ context.Context, st *runState, _ planner.ActionStep) error {
	p := st.action.Intent.Payload.(intent.DocumentPayload)
	var content []byte
	if p.Path != "" {
		b, err := os.ReadFile(p.Path)
		if err != nil {
			return fmt.Errorf("reading document: %w", err)
		}
		content = b
	} else {
		e, err := d.store.GetEntity(targetID(st.action.Intent))
		if err != nil {
			return fmt.Errorf("loading document: %w", err)
		}
		content = []byte(e.Body)
	}
	sum := sha256.Sum256(content)
	signer := p.SignerID
	if signer == "" {
		signer = "user"
	}
	st.scratch["signature"] = hex.EncodeToString(sum[:])
	st.scratch["signer"] = signer
	return nil
}

func (d *Document) storeStep(_ context.Context, st *runState, _ planner.ActionStep) error {
	in := st.action.Intent
	p := in.Payload.(intent.DocumentPayload)

	// Signing a document that is already stored only changes its status.
	if in.Action == intent.ActionSignDocument {
		if id := targetID(in); id != "" {
			err := d.store.SetEntityStatus(id, "signed")
			if err == nil {
				st.entityID = id
				st.message = fmt.Sprintf("signed %s as %s", id, st.scratch["signer"])
				return nil
			}
			if !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("marking %s signed: %w", id, err)
			}
		}
	}

	meta := map[string]string{"path": p.Path}
	for _, k := range []string{"class", "signature", "signer"} {
		if v := st.scratch[k]; v != "" {
			meta[k] = v
		}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding document metadata: %w", err)
	}
	title := p.Title
	if title == "" && p.Path != "" {
		title = filepath.Base(p.Path)
	}
	e := storage.Entity{
		ID:          "document-" + uuid.New().String()[:8],
		Kind:        string(intent.EntityDocument),
		Title:       title,
		Body:        truncateRunes(st.scratch["text"], maxBodyChars),
		PayloadJSON: string(raw),
	}
	if in.Action == intent.ActionSignDocument {
		e.Status = "signed"
	}
	if err := d.store.SaveEntity(e); err != nil {
		return fmt.Errorf("saving document: %w", err)
	}
	st.entityID = e.ID
	if in.Action == intent.ActionSignDocument {
		st.message = fmt.Sprintf("signed %q as %s", title, st.scratch["signer"])
	} else {
		st.message = fmt.Sprintf("stored %q as %s", title, st.scratch["class"])
	}
	return nil
}

func extractText(path string) (string, error) {
	if !strings.EqualFold(filepath.Ext(path), ".pdf") {
		f, err := os.Open(path)
		if err != nil {
			return "", fmt.Errorf("opening document: %w", err)
		}
		defer f.Close()
		b, err := io.ReadAll(io.LimitReader(f, maxTextBytes))
		if err != nil {
			return "", fmt.Errorf("reading document: %w", err)
		}
		return string(b), nil
	}

	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()
	rd, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(io.LimitReader(rd, maxTextBytes)); err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return buf.String(), nil
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
