// Package graph stores the cross-work knowledge graph: cached display
// metadata for each note plus the directed/bidirectional links between
// them, as native Neo4j nodes and relationships (spec §4.8, §9 Open
// Question 1 resolved in favor of this native shape over a mutex-guarded
// singleton document).
package graph

import (
	"context"
	"fmt"

	"github.com/loreweaver-ai/loreweaver/engine/domain"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// linksToRelType is the sole relationship type connecting notes; edge
// metadata (reason, createdBy, confidence, direction) lives on the
// relationship itself rather than varying the type per the teacher's
// connects_to/part_of/powers/grounds scheme, since this domain has one
// semantic relationship ("related"), not several wiring roles.
const linksToRelType = "LINKS_TO"

// Store provides graph operations over notes and their links.
type Store struct {
	driver neo4j.DriverWithContext
}

// New creates a Store over an existing Neo4j driver.
func New(driver neo4j.DriverWithContext) *Store {
	return &Store{driver: driver}
}

func (g *Store) session(ctx context.Context) neo4j.SessionWithContext {
	return g.driver.NewSession(ctx, neo4j.SessionConfig{})
}

// UpsertNode creates or refreshes a note's cached display metadata.
func (g *Store) UpsertNode(ctx context.Context, n domain.GraphNode) error {
	sess := g.session(ctx)
	defer sess.Close(ctx)

	_, err := sess.Run(ctx, `MERGE (n:Note {noteId: $id}) SET n += $props`, map[string]any{
		"id": n.NoteID,
		"props": map[string]any{
			"noteId":    n.NoteID,
			"title":     n.Title,
			"tags":      n.Tags,
			"createdAt": n.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		},
	})
	if err != nil {
		return fmt.Errorf("graph: upsert node %s: %w", n.NoteID, err)
	}
	return nil
}

// AddEdge creates a link between two notes. Idempotent: re-adding the
// same (from,to) pair updates reason/createdBy/confidence rather than
// creating a duplicate relationship. Bidirectional edges additionally
// MERGE the reverse relationship so LinksOf sees it from either side.
func (g *Store) AddEdge(ctx context.Context, e domain.GraphEdge) error {
	sess := g.session(ctx)
	defer sess.Close(ctx)

	_, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if err := mergeEdge(ctx, tx, e.From, e.To, e); err != nil {
			return nil, err
		}
		if e.Direction == domain.DirectBidirectional {
			if err := mergeEdge(ctx, tx, e.To, e.From, e); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("graph: add edge %s->%s: %w", e.From, e.To, err)
	}
	return nil
}

func mergeEdge(ctx context.Context, tx neo4j.ManagedTransaction, from, to string, e domain.GraphEdge) error {
	cypher := fmt.Sprintf(
		`MATCH (a:Note {noteId: $from}), (b:Note {noteId: $to})
		 MERGE (a)-[r:%s]->(b)
		 SET r.reason = $reason, r.createdBy = $createdBy, r.confidence = $confidence, r.direction = $direction`,
		linksToRelType,
	)
	_, err := tx.Run(ctx, cypher, map[string]any{
		"from":       from,
		"to":         to,
		"reason":     e.Reason,
		"createdBy":  string(e.CreatedBy),
		"confidence": e.Confidence,
		"direction":  string(e.Direction),
	})
	return err
}

// RemoveEdge deletes a link between two notes in both directions,
// regardless of how it was originally created (spec §4.8: "RemoveEdge
// removes both directions").
func (g *Store) RemoveEdge(ctx context.Context, from, to string) error {
	sess := g.session(ctx)
	defer sess.Close(ctx)

	cypher := fmt.Sprintf(
		`MATCH (a:Note {noteId: $from})-[r:%s]-(b:Note {noteId: $to}) DELETE r`,
		linksToRelType,
	)
	_, err := sess.Run(ctx, cypher, map[string]any{"from": from, "to": to})
	if err != nil {
		return fmt.Errorf("graph: remove edge %s<->%s: %w", from, to, err)
	}
	return nil
}

// Link is one endpoint-resolved edge, used by LinksOf.
type Link struct {
	NoteID     string
	Title      string
	Reason     string
	CreatedBy  domain.EdgeCreator
	Confidence float64
	Direction  domain.EdgeDirection
	Outgoing   bool
}

// LinksOf returns every edge incident to noteID, both outgoing and
// incoming, with the neighbor's cached title resolved from its GraphNode
// (falling back to the bare id if the node was never cached).
func (g *Store) LinksOf(ctx context.Context, noteID string) ([]Link, error) {
	sess := g.session(ctx)
	defer sess.Close(ctx)

	cypher := fmt.Sprintf(
		`MATCH (n:Note {noteId: $id})-[r:%s]->(b:Note)
		 RETURN b.noteId AS neighbor, coalesce(b.title, b.noteId) AS title,
		        r.reason AS reason, r.createdBy AS createdBy, r.confidence AS confidence, r.direction AS direction, true AS outgoing
		 UNION
		 MATCH (n:Note {noteId: $id})<-[r:%s]-(b:Note)
		 RETURN b.noteId AS neighbor, coalesce(b.title, b.noteId) AS title,
		        r.reason AS reason, r.createdBy AS createdBy, r.confidence AS confidence, r.direction AS direction, false AS outgoing`,
		linksToRelType, linksToRelType,
	)
	result, err := sess.Run(ctx, cypher, map[string]any{"id": noteID})
	if err != nil {
		return nil, fmt.Errorf("graph: links of %s: %w", noteID, err)
	}

	var links []Link
	for result.Next(ctx) {
		rec := result.Record()
		link := Link{
			NoteID:    strField(rec, "neighbor"),
			Title:     strField(rec, "title"),
			Reason:    strField(rec, "reason"),
			CreatedBy: domain.EdgeCreator(strField(rec, "createdBy")),
			Direction: domain.EdgeDirection(strField(rec, "direction")),
		}
		if v, ok := rec.Get("confidence"); ok {
			if f, ok := v.(float64); ok {
				link.Confidence = f
			}
		}
		if v, ok := rec.Get("outgoing"); ok {
			if b, ok := v.(bool); ok {
				link.Outgoing = b
			}
		}
		links = append(links, link)
	}
	return links, nil
}

// DeleteNotesCascade removes the given notes' cached nodes and all
// incident relationships, called by the notes stage after
// pkg/store.DeleteNotesByChapter and by the API after pkg/store.DeleteWork
// (spec §6.1 cascade).
func (g *Store) DeleteNotesCascade(ctx context.Context, noteIDs []string) error {
	if len(noteIDs) == 0 {
		return nil
	}
	sess := g.session(ctx)
	defer sess.Close(ctx)

	_, err := sess.Run(ctx, `MATCH (n:Note) WHERE n.noteId IN $ids DETACH DELETE n`, map[string]any{"ids": noteIDs})
	if err != nil {
		return fmt.Errorf("graph: delete notes cascade: %w", err)
	}
	return nil
}

func strField(rec *neo4j.Record, key string) string {
	v, ok := rec.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
