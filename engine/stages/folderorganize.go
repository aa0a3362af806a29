package stages

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"

	"github.com/loreweaver-ai/loreweaver/engine/domain"
	"github.com/loreweaver-ai/loreweaver/pkg/fn"
)

// folderBatchSize is how many notes are classified per AI call (spec §4.7).
const folderBatchSize = 20

// folderBatchRetries is how many attempts a batch gets before its notes
// are routed to the Uncategorized folder.
const folderBatchRetries = 3

// taxonomySampleSize bounds how many note titles are sampled to seed a
// fresh folder taxonomy when no folders exist yet.
const taxonomySampleSize = 100

// defaultFolderNames seeds the taxonomy when the AI gateway cannot
// produce one (spec §4.7 fallback).
var defaultFolderNames = []string{
	"Concepts", "Methods", "Principles", "Case Studies",
	"Definitions", "Frameworks", "Examples", "Open Questions",
}

// organizing guards against two concurrent folder-organize jobs running
// at once (spec §4.7: the operation is process-wide mutually exclusive).
var organizing atomic.Bool

// FolderOrganize implements the folder-organize handler (spec §4.7). It
// operates over every note in the store, not a single work.
func FolderOrganize(ctx context.Context, d *Deps) error {
	if !organizing.CompareAndSwap(false, true) {
		if err := d.Publish.PublishEvent(ctx, domain.Event{
			Type: domain.EventFoldersError, Error: "folder organization already in progress",
		}); err != nil {
			d.logger().Warn("publish foldersError", "error", err)
		}
		return nil
	}
	defer organizing.Store(false)

	notes, err := d.Store.ListAllNotes(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreError, err)
	}
	folders, err := d.Store.GetFolders(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreError, err)
	}

	if err := d.Publish.PublishEvent(ctx, domain.Event{Type: domain.EventFoldersProcessing}); err != nil {
		d.logger().Warn("publish foldersProcessing", "error", err)
	}

	if len(folders) == 0 {
		folders = seedTaxonomy(ctx, d, notes)
	}

	assigned := make(map[string]bool)
	for _, f := range folders {
		for _, id := range f.NoteIDs {
			assigned[id] = true
		}
	}
	var toAssign []domain.Note
	for _, n := range notes {
		if !assigned[n.ID] {
			toAssign = append(toAssign, n)
		}
	}

	batches := fn.Chunk(toAssign, folderBatchSize)
	totalBatches := len(batches)
	for i, batch := range batches {
		var err error
		var updated []domain.Folder
		for attempt := 1; attempt <= folderBatchRetries; attempt++ {
			updated, err = d.Gateway.GenerateFolderStructure(ctx, batch, nil, folders)
			if err == nil {
				break
			}
		}
		if err != nil {
			folders = routeToUncategorized(folders, batch)
		} else {
			folders = updated
		}

		if err := d.Store.SaveFolders(ctx, folders); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrStoreError, err)
		}
		if err := d.Publish.PublishEvent(ctx, domain.Event{
			Type: domain.EventFoldersProgress, Current: i + 1, Total: totalBatches, Folders: folders,
		}); err != nil {
			d.logger().Warn("publish foldersProgress", "error", err)
		}
	}

	if err := d.Publish.PublishEvent(ctx, domain.Event{Type: domain.EventFoldersDone, Folders: folders}); err != nil {
		d.logger().Warn("publish foldersDone", "error", err)
	}
	return nil
}

// seedTaxonomy establishes an initial folder taxonomy from a random
// sample of note titles when no folders exist yet, falling back to a
// built-in default list if the gateway cannot produce one.
func seedTaxonomy(ctx context.Context, d *Deps, notes []domain.Note) []domain.Folder {
	sample := notes
	if len(sample) > taxonomySampleSize {
		shuffled := make([]domain.Note, len(sample))
		copy(shuffled, sample)
		rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		sample = shuffled[:taxonomySampleSize]
	}
	folders, err := d.Gateway.GenerateFolderStructure(ctx, sample, nil, nil)
	if err != nil || len(folders) == 0 {
		folders = make([]domain.Folder, len(defaultFolderNames))
		for i, name := range defaultFolderNames {
			folders[i] = domain.Folder{Name: name}
		}
	}
	return folders
}

// routeToUncategorized assigns every note in batch to the catch-all
// folder after a batch has exhausted its classification retries.
func routeToUncategorized(folders []domain.Folder, batch []domain.Note) []domain.Folder {
	ids := make([]string, len(batch))
	for i, n := range batch {
		ids[i] = n.ID
	}
	for i := range folders {
		if folders[i].Name == domain.UncategorizedFolder {
			folders[i].NoteIDs = append(folders[i].NoteIDs, ids...)
			return folders
		}
	}
	return append(folders, domain.Folder{Name: domain.UncategorizedFolder, NoteIDs: ids})
}
