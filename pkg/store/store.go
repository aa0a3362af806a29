// Package store is the document-store adapter for the entities the
// pipeline orchestrator reads and writes: Work, Chapter, Summary, Note,
// Analysis, and the Folders singleton. It is backed by Neo4j through the
// generic repository primitive in pkg/repo, generalizing the teacher's
// single-shape node mapping (pkg/graph.componentToMap) into a JSON-blob
// "data" property so heterogeneous documents can share one storage
// mechanism while still exposing a few scalar properties for Cypher-side
// lookups (id, work_id, chapter_id); no index is created on them. List/cascade queries that
// don't fit repo.Neo4jRepo's single-entity CRUD shape (ListChaptersByWork,
// DeleteWork's multi-node cascade) still run hand-written Cypher directly
// against the session.
//
// The Graph singleton is handled separately by engine/graph, which models
// notes and their links as native Neo4j nodes/relationships rather than a
// JSON blob (see SPEC_FULL.md §9 Open Question resolution).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/loreweaver-ai/loreweaver/engine/domain"
	"github.com/loreweaver-ai/loreweaver/pkg/repo"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// DocStore implements the document-store contract in spec §6.1.
type DocStore struct {
	driver neo4j.DriverWithContext
}

// New creates a DocStore over an existing Neo4j driver.
func New(driver neo4j.DriverWithContext) *DocStore {
	return &DocStore{driver: driver}
}

func (s *DocStore) session(ctx context.Context) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{})
}

// --- generic JSON-blob document helpers, built on pkg/repo.Neo4jRepo ---

// decodeDocNode extracts the JSON-blob "data" property off a whole-node
// result (the shape repo.Neo4jRepo's Get/Upsert return) and decodes it
// into T. An empty blob decodes to the zero value, not an error, so
// callers can distinguish "node exists but blob empty" from "malformed".
func decodeDocNode[T any](rec *neo4j.Record) (T, error) {
	var out T
	raw, ok := rec.Get("n")
	if !ok {
		return out, fmt.Errorf("store: result missing node")
	}
	node, ok := raw.(neo4j.Node)
	if !ok {
		return out, fmt.Errorf("store: unexpected node type %T", raw)
	}
	data, _ := node.Props["data"].(string)
	if data == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return out, fmt.Errorf("store: decode node: %w", err)
	}
	return out, nil
}

// getDoc reads a single document node by label+id into out. Returns
// (false, nil) if no node exists, matching the "entity or null" contract.
func getDoc[T any](ctx context.Context, s *DocStore, label, id string) (T, bool, error) {
	var zero T
	r := repo.NewNeo4jRepo[T, string](s.driver, label, nil, decodeDocNode[T])
	out, err := r.Get(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("store: get %s %s: %w", label, id, err)
	}
	return out, true, nil
}

// saveDoc upserts a document node by label+id, with extra indexed scalar
// properties alongside the JSON blob.
func saveDoc[T any](ctx context.Context, s *DocStore, label, id string, extra map[string]any, entity T) error {
	data, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("store: encode %s %s: %w", label, id, err)
	}
	props := map[string]any{"id": id, "data": string(data)}
	for k, v := range extra {
		props[k] = v
	}
	r := repo.NewNeo4jRepo[map[string]any, string](s.driver, label,
		func(m map[string]any) map[string]any { return m },
		decodeDocNode[map[string]any],
	)
	if _, err := r.Upsert(ctx, props); err != nil {
		return fmt.Errorf("store: save %s %s: %w", label, id, err)
	}
	return nil
}

// deleteDoc removes a single document node by label+id. These JSON-blob
// document nodes never carry graph relationships (notes' links live as
// separate nodes/edges in engine/graph), so a plain DELETE, no DETACH,
// always suffices.
func deleteDoc(ctx context.Context, s *DocStore, label, id string) error {
	r := repo.NewNeo4jRepo[struct{}, string](s.driver, label, nil, nil)
	if err := r.Delete(ctx, id); err != nil {
		return fmt.Errorf("store: delete %s %s: %w", label, id, err)
	}
	return nil
}

// --- Work ---

func (s *DocStore) GetWork(ctx context.Context, id string) (*domain.Work, error) {
	w, ok, err := getDoc[domain.Work](ctx, s, "Work", id)
	if err != nil || !ok {
		return nil, err
	}
	return &w, nil
}

func (s *DocStore) SaveWork(ctx context.Context, w domain.Work) error {
	return saveDoc(ctx, s, "Work", w.ID, map[string]any{"overall_status": string(w.OverallStatus)}, w)
}

// --- Chapter ---

func (s *DocStore) GetChapter(ctx context.Context, id string) (*domain.Chapter, error) {
	c, ok, err := getDoc[domain.Chapter](ctx, s, "Chapter", id)
	if err != nil || !ok {
		return nil, err
	}
	return &c, nil
}

func (s *DocStore) SaveChapter(ctx context.Context, c domain.Chapter) error {
	extra := map[string]any{"work_id": c.WorkID, "chapter_index": c.ChapterIndex}
	return saveDoc(ctx, s, "Chapter", c.ID, extra, c)
}

// ListChaptersByWork returns all chapters belonging to a work, unordered;
// callers sort by ChapterIndex.
func (s *DocStore) ListChaptersByWork(ctx context.Context, workID string) ([]domain.Chapter, error) {
	sess := s.session(ctx)
	defer sess.Close(ctx)

	result, err := sess.Run(ctx, "MATCH (n:Chapter {work_id: $workID}) RETURN n.data AS data", map[string]any{"workID": workID})
	if err != nil {
		return nil, fmt.Errorf("store: list chapters for %s: %w", workID, err)
	}
	var out []domain.Chapter
	for result.Next(ctx) {
		raw, _ := result.Record().Get("data")
		s2, _ := raw.(string)
		var c domain.Chapter
		if err := json.Unmarshal([]byte(s2), &c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// UpdateChapter performs an atomic field-level patch, returning the
// resulting document (spec §6.1). patch keys are JSON field names, e.g.
// {"overviewStatus": "processing"}.
func (s *DocStore) UpdateChapter(ctx context.Context, id string, patch map[string]any) (*domain.Chapter, error) {
	sess := s.session(ctx)
	defer sess.Close(ctx)

	result, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, "MATCH (n:Chapter {id: $id}) RETURN n.data AS data", map[string]any{"id": id})
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			return nil, domain.ErrEntityMissing
		}
		raw, _ := res.Record().Get("data")
		s2, _ := raw.(string)
		var c domain.Chapter
		if err := json.Unmarshal([]byte(s2), &c); err != nil {
			return nil, err
		}
		if err := applyPatch(&c, patch); err != nil {
			return nil, err
		}
		data, err := json.Marshal(c)
		if err != nil {
			return nil, err
		}
		_, err = tx.Run(ctx, "MATCH (n:Chapter {id: $id}) SET n.data = $data, n.work_id = $workID, n.chapter_index = $idx",
			map[string]any{"id": id, "data": string(data), "workID": c.WorkID, "idx": c.ChapterIndex})
		if err != nil {
			return nil, err
		}
		return c, nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: update chapter %s: %w", id, err)
	}
	c := result.(domain.Chapter)
	return &c, nil
}

// applyPatch merges a JSON-keyed patch map onto a Chapter via round-trip
// JSON marshaling, keeping the single source of truth for field names in
// the domain struct tags.
func applyPatch(c *domain.Chapter, patch map[string]any) error {
	base, err := json.Marshal(c)
	if err != nil {
		return err
	}
	var merged map[string]any
	if err := json.Unmarshal(base, &merged); err != nil {
		return err
	}
	for k, v := range patch {
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	return json.Unmarshal(out, c)
}

// --- Summary ---

func (s *DocStore) GetSummary(ctx context.Context, id string) (*domain.Summary, error) {
	sum, ok, err := getDoc[domain.Summary](ctx, s, "Summary", id)
	if err != nil || !ok {
		return nil, err
	}
	return &sum, nil
}

func (s *DocStore) SaveSummary(ctx context.Context, sum domain.Summary) error {
	return saveDoc(ctx, s, "Summary", sum.ID, map[string]any{"chapter_id": sum.ChapterID}, sum)
}

// --- Note ---

func (s *DocStore) GetNote(ctx context.Context, id string) (*domain.Note, error) {
	n, ok, err := getDoc[domain.Note](ctx, s, "Note", id)
	if err != nil || !ok {
		return nil, err
	}
	return &n, nil
}

func (s *DocStore) SaveNote(ctx context.Context, n domain.Note) error {
	extra := map[string]any{
		"work_id":    n.Source.WorkID,
		"chapter_id": n.Source.ChapterID,
		"title":      n.Title,
		"content":    n.Content,
	}
	return saveDoc(ctx, s, "Note", n.ID, extra, n)
}

// DeleteNotesByChapter deletes every note from (workId, chapterId). It
// returns the deleted note ids so the caller can prune incident graph
// nodes/edges through engine/graph.
func (s *DocStore) DeleteNotesByChapter(ctx context.Context, workID, chapterID string) ([]string, error) {
	sess := s.session(ctx)
	defer sess.Close(ctx)

	result, err := sess.Run(ctx, "MATCH (n:Note {work_id: $workID, chapter_id: $chapterID}) RETURN n.id AS id",
		map[string]any{"workID": workID, "chapterID": chapterID})
	if err != nil {
		return nil, fmt.Errorf("store: list notes for delete: %w", err)
	}
	var ids []string
	for result.Next(ctx) {
		id, _ := result.Record().Get("id")
		if s2, ok := id.(string); ok {
			ids = append(ids, s2)
		}
	}

	_, err = sess.Run(ctx, "MATCH (n:Note {work_id: $workID, chapter_id: $chapterID}) DETACH DELETE n",
		map[string]any{"workID": workID, "chapterID": chapterID})
	if err != nil {
		return nil, fmt.Errorf("store: delete notes for chapter %s: %w", chapterID, err)
	}
	return ids, nil
}

// ListNotes returns a paginated, optionally-filtered view over all notes
// (spec §6.1). search matches title/content substrings, case-insensitive.
func (s *DocStore) ListNotes(ctx context.Context, offset, limit int, search string) ([]domain.Note, int, error) {
	if limit <= 0 {
		limit = 50
	}
	sess := s.session(ctx)
	defer sess.Close(ctx)

	// engine/graph's cached nodes share the Note label but carry no data
	// blob; they are not documents and are skipped.
	where := "WHERE n.data IS NOT NULL"
	params := map[string]any{"offset": offset, "limit": limit}
	if search != "" {
		where += " AND (toLower(n.title) CONTAINS toLower($q) OR toLower(n.content) CONTAINS toLower($q))"
		params["q"] = search
	}

	countCypher := fmt.Sprintf("MATCH (n:Note) %s RETURN count(n) AS total", where)
	countRes, err := sess.Run(ctx, countCypher, params)
	if err != nil {
		return nil, 0, fmt.Errorf("store: count notes: %w", err)
	}
	var total int
	if countRes.Next(ctx) {
		v, _ := countRes.Record().Get("total")
		if i64, ok := v.(int64); ok {
			total = int(i64)
		}
	}

	listCypher := fmt.Sprintf("MATCH (n:Note) %s RETURN n.data AS data ORDER BY n.id SKIP $offset LIMIT $limit", where)
	result, err := sess.Run(ctx, listCypher, params)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list notes: %w", err)
	}
	var notes []domain.Note
	for result.Next(ctx) {
		raw, _ := result.Record().Get("data")
		s2, _ := raw.(string)
		var n domain.Note
		if err := json.Unmarshal([]byte(s2), &n); err != nil {
			return nil, 0, err
		}
		notes = append(notes, n)
	}
	return notes, total, nil
}

// ListAllNotes returns every note in the store, across all works. Folder
// organization (spec §4.7) operates over the whole corpus rather than one
// work at a time, unlike every other stage.
func (s *DocStore) ListAllNotes(ctx context.Context) ([]domain.Note, error) {
	sess := s.session(ctx)
	defer sess.Close(ctx)

	// engine/graph's cached nodes share the Note label without a data blob.
	result, err := sess.Run(ctx, "MATCH (n:Note) WHERE n.data IS NOT NULL RETURN n.data AS data ORDER BY n.id", nil)
	if err != nil {
		return nil, fmt.Errorf("store: list all notes: %w", err)
	}
	var notes []domain.Note
	for result.Next(ctx) {
		raw, _ := result.Record().Get("data")
		s2, _ := raw.(string)
		var n domain.Note
		if err := json.Unmarshal([]byte(s2), &n); err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	return notes, nil
}

// --- Analysis ---

func (s *DocStore) GetAnalysis(ctx context.Context, workID string) (*domain.Analysis, error) {
	a, ok, err := getDoc[domain.Analysis](ctx, s, "Analysis", workID)
	if err != nil || !ok {
		return nil, err
	}
	return &a, nil
}

func (s *DocStore) SaveAnalysis(ctx context.Context, a domain.Analysis) error {
	return saveDoc(ctx, s, "Analysis", a.WorkID, nil, a)
}

// --- Folders (singleton) ---

const foldersSingletonID = "singleton"

func (s *DocStore) GetFolders(ctx context.Context) ([]domain.Folder, error) {
	folders, ok, err := getDoc[[]domain.Folder](ctx, s, "Folders", foldersSingletonID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return folders, nil
}

func (s *DocStore) SaveFolders(ctx context.Context, folders []domain.Folder) error {
	return saveDoc(ctx, s, "Folders", foldersSingletonID, nil, folders)
}

// --- DeleteWork cascade ---

// DeleteWork cascades: all chapters of the work, their summaries, their
// notes (caller prunes incident graph state), the work-level analysis,
// then the work itself (spec §6.1).
func (s *DocStore) DeleteWork(ctx context.Context, id string) ([]string, error) {
	chapters, err := s.ListChaptersByWork(ctx, id)
	if err != nil {
		return nil, err
	}

	var deletedNoteIDs []string
	for _, c := range chapters {
		ids, err := s.DeleteNotesByChapter(ctx, id, c.ID)
		if err != nil {
			return nil, err
		}
		deletedNoteIDs = append(deletedNoteIDs, ids...)

		if c.SummaryRef != "" {
			if err := deleteDoc(ctx, s, "Summary", c.SummaryRef); err != nil {
				return nil, err
			}
		}
		if err := deleteDoc(ctx, s, "Chapter", c.ID); err != nil {
			return nil, err
		}
	}

	if err := deleteDoc(ctx, s, "Analysis", id); err != nil {
		return nil, err
	}
	if err := deleteDoc(ctx, s, "Work", id); err != nil {
		return nil, err
	}
	return deletedNoteIDs, nil
}
