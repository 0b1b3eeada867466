package schema

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"
)

//go:embed schemas/*.json
var embedded embed.FS

// Embedded returns the bundled schema documents as a flat file system.
func Embedded() fs.FS {
	sub, err := fs.Sub(embedded, "schemas")
	if err != nil {
		panic(err)
	}
	return sub
}

// LoadFS reads every *.schema.json file at the root of fsys. Files that
// cannot be read or parsed are logged and skipped.
func LoadFS(fsys fs.FS, logger *zap.Logger) (map[string]any, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	names, err := fs.Glob(fsys, "*"+documentSuffix)
	if err != nil {
		return nil, fmt.Errorf("list schemas: %w", err)
	}
	docs := make(map[string]any, len(names))
	for _, name := range names {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			logger.Error("failed to read schema", zap.String("schema", name), zap.Error(err))
			continue
		}
		var doc any
		if err := json.Unmarshal(data, &doc); err != nil {
			logger.Error("failed to parse schema", zap.String("schema", name), zap.Error(err))
			continue
		}
		docs[path.Base(name)] = doc
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("no schema documents found")
	}
	return docs, nil
}

// Names returns the document names in docs, core documents first in load
// order and the rest alphabetically.
func Names(docs map[string]any) []string {
	out := make([]string, 0, len(docs))
	for _, n := range LoadOrder {
		if _, ok := docs[n]; ok {
			out = append(out, n)
		}
	}
	var extra []string
	for n := range docs {
		if !inLoadOrder(n) {
			extra = append(extra, n)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}

// IsDocumentName reports whether name looks like a schema document file.
func IsDocumentName(name string) bool {
	return strings.HasSuffix(name, documentSuffix) && !strings.ContainsAny(name, `/\`)
}
