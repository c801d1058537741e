// Package splitter chunks source files for embedding.
package splitter

import (
	"path/filepath"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"
)

// pythonSeparators make chunk boundaries prefer top-level definitions so a
// chunk tends to hold a whole function or class.
var pythonSeparators = []string{"\nclass ", "\ndef ", "\n\tdef ", "\n\n", "\n", " ", ""}

// Splitter chunks file contents with a size/overlap budget.
type Splitter struct {
	chunkSize    int
	chunkOverlap int
}

func New(chunkSize, chunkOverlap int) *Splitter {
	return &Splitter{chunkSize: chunkSize, chunkOverlap: chunkOverlap}
}

// ChunkFile splits content into chunks. Python files get syntax-aware
// boundaries; everything else uses the generic recursive separators.
// Blank-only chunks are dropped.
func (s *Splitter) ChunkFile(path, content string) ([]string, error) {
	opts := []textsplitter.Option{
		textsplitter.WithChunkSize(s.chunkSize),
		textsplitter.WithChunkOverlap(s.chunkOverlap),
	}
	if strings.EqualFold(filepath.Ext(path), ".py") {
		opts = append(opts, textsplitter.WithSeparators(pythonSeparators))
	}

	chunks, err := textsplitter.NewRecursiveCharacter(opts...).SplitText(content)
	if err != nil {
		return nil, err
	}

	out := chunks[:0]
	for _, c := range chunks {
		if strings.TrimSpace(c) != "" {
			out = append(out, c)
		}
	}
	return out, nil
}
