package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/forgelabs/build-plane/internal/models"
	"github.com/forgelabs/build-plane/internal/store"
)

// languageByExtension maps a file extension to the language the
// builder should generate.
var languageByExtension = map[string]string{
	"py": "python",
	"js": "javascript",
	"ts": "typescript",
	"go": "go",
	"rs": "rust",
}

// defaultLanguage is used when the extension is unknown.
const defaultLanguage = "python"

// LanguageForPath derives the generation language from a file path.
func LanguageForPath(path string) string {
	idx := strings.LastIndex(path, ".")
	if idx < 0 || idx == len(path)-1 {
		return defaultLanguage
	}
	if lang, ok := languageByExtension[path[idx+1:]]; ok {
		return lang
	}
	return defaultLanguage
}

// LocalSplitter is the in-process Splitter stage: it turns the
// architect's file structure into an ordered fan-out manifest. The
// operation is pure over the stored architect output, so re-invoking
// it with the same input yields the same manifest.
type LocalSplitter struct {
	store store.Store
}

// NewLocalSplitter creates a splitter reading architect output from
// the record store.
func NewLocalSplitter(st store.Store) *LocalSplitter {
	return &LocalSplitter{store: st}
}

// architectDesign is the slice of the architect output the splitter
// consumes.
type architectDesign struct {
	FileStructure map[string]string `json:"file_structure"`
}

// Invoke produces the SplitterManifest for the build's current
// architect output.
func (s *LocalSplitter) Invoke(ctx context.Context, payload any) (*Result, error) {
	req, ok := payload.(SplitterPayload)
	if !ok {
		return nil, fmt.Errorf("unexpected splitter payload type %T", payload)
	}
	if req.Action != ActionPrepareParallelBuilds {
		return stageError(http.StatusBadRequest, fmt.Sprintf("unknown splitter action %q", req.Action))
	}

	record, err := s.store.Builds().Get(ctx, req.BuildID)
	if err != nil {
		return nil, fmt.Errorf("loading build for split: %w", err)
	}
	if len(record.ArchitectOutput) == 0 {
		return stageError(http.StatusInternalServerError, "no architect output to split")
	}

	var design architectDesign
	if err := json.Unmarshal(record.ArchitectOutput, &design); err != nil {
		return stageError(http.StatusInternalServerError, fmt.Sprintf("malformed architect output: %v", err))
	}

	paths := make([]string, 0, len(design.FileStructure))
	for path := range design.FileStructure {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	manifest := models.SplitterManifest{
		Tasks:      make([]models.FileTask, 0, len(paths)),
		TotalFiles: len(paths),
	}
	for _, path := range paths {
		manifest.Tasks = append(manifest.Tasks, models.FileTask{
			FilePath:      path,
			Specification: design.FileStructure[path],
			Language:      LanguageForPath(path),
		})
	}

	body, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal splitter manifest: %w", err)
	}
	return &Result{StatusCode: http.StatusOK, Body: body}, nil
}

// stageError builds a non-2xx result carrying an error body.
func stageError(code int, message string) (*Result, error) {
	body, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return nil, err
	}
	return &Result{StatusCode: code, Body: body}, nil
}
