package adapter

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"mediatoolkit/internal/archive"
	"mediatoolkit/internal/artifact"
	"mediatoolkit/internal/task"
)

const maxFolderLen = 64

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// CreateArchive packs inputs into archive_{taskID}.{ext}. A non-empty name becomes the
// top-level folder inside the archive and never reaches the output filename.
func CreateArchive(store *artifact.Store, inputs []string, format archive.Format, name string) task.WorkFunc {
	return func(ctx context.Context, rep task.Reporter) error {
		taskID := rep.TaskID()
		defer removeInputs(taskID, inputs...)

		step(rep, startPercent, fmt.Sprintf("creating %s archive", format))
		folder := ArchiveFolder(name)
		dest := store.Path("archive", taskID, format.Extension())

		err := archive.Build(ctx, dest, format, inputs,
			func(p string) string { return path.Join(folder, DisplayName(taskID, p)) },
			func(doneItems, total int) {
				if doneItems < total {
					step(rep, scaled(doneItems, total), fmt.Sprintf("adding file %d of %d", doneItems+1, total))
				}
			})
		if err != nil {
			return fmt.Errorf("archive creation failed: %w", err)
		}
		done(rep, fmt.Sprintf("%s archive created", format))
		return nil
	}
}

// ArchiveFolder reduces a user-supplied archive name to a single safe path segment;
// the result is empty when nothing usable is left.
func ArchiveFolder(name string) string {
	folder := strings.Trim(unsafeNameChars.ReplaceAllString(name, "_"), "._")
	if len(folder) > maxFolderLen {
		folder = folder[:maxFolderLen]
	}
	return folder
}

// ExtractArchive unpacks input into extracted_{taskID}/ and then zips that directory to
// extracted_{taskID}.zip so the result downloads as a single file. maxBytes caps the
// expanded size; zero disables the cap.
func ExtractArchive(store *artifact.Store, input string, maxBytes int64) task.WorkFunc {
	return func(ctx context.Context, rep task.Reporter) error {
		taskID := rep.TaskID()
		defer removeInputs(taskID, input)

		step(rep, startPercent, "extracting archive")
		extractDir := filepath.Join(store.Dir(), "extracted_"+taskID)
		count, err := archive.Extract(ctx, input, extractDir, maxBytes, func(doneItems, total int) {
			if total > 0 {
				if doneItems < total {
					step(rep, startPercent+40*doneItems/total, fmt.Sprintf("extracting file %d of %d", doneItems+1, total))
				}
				return
			}
			step(rep, startPercent, fmt.Sprintf("extracting entry %d", doneItems+1))
		})
		if err != nil {
			_ = os.RemoveAll(extractDir)
			return fmt.Errorf("archive extraction failed: %w", err)
		}
		if count == 0 {
			return fmt.Errorf("archive extraction failed: archive is empty")
		}

		step(rep, 80, "packing extracted files")
		files, err := collectFiles(extractDir)
		if err != nil {
			return fmt.Errorf("archive extraction failed: %w", err)
		}
		dest := store.Path("extracted", taskID, archive.FormatZip.Extension())
		relName := func(p string) string {
			rel, relErr := filepath.Rel(extractDir, p)
			if relErr != nil {
				return filepath.Base(p)
			}
			return filepath.ToSlash(rel)
		}
		if err := archive.Build(ctx, dest, archive.FormatZip, files, relName, nil); err != nil {
			return fmt.Errorf("archive extraction failed: %w", err)
		}
		done(rep, fmt.Sprintf("archive extracted (%d files)", count))
		return nil
	}
}

func collectFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk extracted files: %w", err)
	}
	return files, nil
}
