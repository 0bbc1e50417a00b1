package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/calderahq/caldera"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// chunkTargetSize is the approximate chunk length in bytes. Markdown blocks
// are packed until the next block would cross it.
const chunkTargetSize = 1200

// IngestResult reports what an ingestion produced.
type IngestResult struct {
	Document caldera.KnowledgeDocument `json:"document"`
	Chunks   int                       `json:"chunks"`
	// Duplicate is true when the content hash matched an existing document
	// and nothing was written.
	Duplicate bool `json:"duplicate"`
}

// IngestDocument chunks markdown (or plain text) content, embeds each chunk
// when an embedder is available, and stores the document with its ordered
// chunks. Re-ingesting identical content is a no-op detected by content hash.
func (s *Store) IngestDocument(ctx context.Context, agentID, title, source, content string) (IngestResult, error) {
	if agentID == "" {
		return IngestResult{}, caldera.BadRequest("ingest requires an agent id")
	}
	if strings.TrimSpace(content) == "" {
		return IngestResult{}, caldera.BadRequest("ingest requires content")
	}

	hash := hashText(content)
	if existing, ok, err := s.backend.DocumentByHash(ctx, agentID, hash); err != nil {
		return IngestResult{}, caldera.BackendError("check document hash", err)
	} else if ok {
		return IngestResult{Document: existing, Duplicate: true}, nil
	}

	doc := caldera.KnowledgeDocument{
		ID:        caldera.NewID(),
		AgentID:   agentID,
		Title:     title,
		Source:    source,
		Hash:      hash,
		CreatedAt: caldera.NowUnixMilli(),
	}
	if err := s.backend.InsertDocument(ctx, doc); err != nil {
		return IngestResult{}, caldera.BackendError("insert document", err)
	}

	pieces := chunkMarkdown(content)

	var embeddings [][]float32
	if s.embedder != nil {
		texts := make([]string, len(pieces))
		for i, p := range pieces {
			texts[i] = p.text
		}
		vecs, err := s.embedder.Embed(ctx, texts)
		if err != nil {
			s.logger.Warn("embed document chunks", "document", doc.ID, "error", err)
		} else if len(vecs) == len(pieces) {
			embeddings = vecs
		}
	}

	for i, p := range pieces {
		chunk := caldera.KnowledgeChunk{
			ID:          caldera.NewID(),
			DocumentID:  doc.ID,
			ChunkIndex:  i,
			StartOffset: p.start,
			EndOffset:   p.end,
			Content:     p.text,
			Hash:        hashText(p.text),
		}
		if embeddings != nil {
			chunk.Embedding = embeddings[i]
		}
		if err := s.backend.InsertChunk(ctx, chunk); err != nil {
			return IngestResult{}, caldera.BackendError("insert chunk", err)
		}
	}

	return IngestResult{Document: doc, Chunks: len(pieces)}, nil
}

// ScoredChunk pairs a knowledge chunk with its retrieval relevance.
type ScoredChunk struct {
	Chunk     caldera.KnowledgeChunk `json:"chunk"`
	Relevance float64                `json:"relevance"`
}

// SearchKnowledge retrieves an agent's knowledge chunks for a query. With an
// embedder, lexical candidates are re-ranked by cosine similarity against
// the query embedding; without one, lexical order stands.
func (s *Store) SearchKnowledge(ctx context.Context, agentID, query string, limit int) ([]ScoredChunk, error) {
	if limit <= 0 {
		limit = s.searchLimit
	}
	chunks, err := s.backend.SearchChunks(ctx, agentID, query, limit*4)
	if err != nil {
		return nil, caldera.BackendError("search chunks", err)
	}

	scored := make([]ScoredChunk, 0, len(chunks))
	if s.embedder != nil && len(chunks) > 0 {
		if vecs, err := s.embedder.Embed(ctx, []string{query}); err == nil && len(vecs) == 1 {
			for _, c := range chunks {
				scored = append(scored, ScoredChunk{Chunk: c, Relevance: Cosine(vecs[0], c.Embedding)})
			}
			sort.Slice(scored, func(i, j int) bool { return scored[i].Relevance > scored[j].Relevance })
		}
	}
	if len(scored) == 0 {
		for i, c := range chunks {
			scored = append(scored, ScoredChunk{Chunk: c, Relevance: 1 - float64(i)/float64(len(chunks)+1)})
		}
	}
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

func hashText(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

type piece struct {
	text  string
	start int
	end   int
}

// chunkMarkdown splits content on top-level markdown block boundaries and
// packs consecutive blocks up to the target size. Content that parses to a
// single oversized block falls back to a flat byte split.
func chunkMarkdown(content string) []piece {
	src := []byte(content)
	doc := goldmark.DefaultParser().Parse(text.NewReader(src))

	type block struct{ start, end int }
	var blocks []block
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		start, end := blockSpan(n, src)
		if end > start {
			blocks = append(blocks, block{start: start, end: end})
		}
	}
	if len(blocks) == 0 {
		return splitFlat(content, 0)
	}

	var pieces []piece
	cur := block{start: -1}
	flush := func() {
		if cur.start < 0 || cur.end <= cur.start {
			return
		}
		segment := content[cur.start:cur.end]
		if len(segment) > 2*chunkTargetSize {
			pieces = append(pieces, splitFlat(segment, cur.start)...)
		} else {
			pieces = append(pieces, piece{text: segment, start: cur.start, end: cur.end})
		}
		cur = block{start: -1}
	}

	for _, b := range blocks {
		if cur.start < 0 {
			cur = b
			continue
		}
		if b.end-cur.start > chunkTargetSize {
			flush()
			cur = b
			continue
		}
		cur.end = b.end
	}
	flush()
	return pieces
}

// blockSpan returns the byte range a top-level AST node covers in src.
func blockSpan(n ast.Node, src []byte) (int, int) {
	lines := n.Lines()
	if lines == nil || lines.Len() == 0 {
		// Container nodes (lists) carry no lines themselves; descend.
		start, end := -1, -1
		for c := n.FirstChild(); c != nil; c = c.NextSibling() {
			cs, ce := blockSpan(c, src)
			if ce <= cs {
				continue
			}
			if start < 0 || cs < start {
				start = cs
			}
			if ce > end {
				end = ce
			}
		}
		if start < 0 {
			return 0, 0
		}
		return start, end
	}
	first := lines.At(0)
	last := lines.At(lines.Len() - 1)
	return first.Start, last.Stop
}

// splitFlat chops text into target-sized pieces on whitespace when possible.
func splitFlat(segment string, base int) []piece {
	var pieces []piece
	for off := 0; off < len(segment); {
		end := off + chunkTargetSize
		if end >= len(segment) {
			end = len(segment)
		} else {
			// Back up to the nearest whitespace to avoid mid-word cuts.
			cut := strings.LastIndexAny(segment[off:end], " \t\n")
			if cut > chunkTargetSize/2 {
				end = off + cut + 1
			}
		}
		pieces = append(pieces, piece{
			text:  segment[off:end],
			start: base + off,
			end:   base + end,
		})
		off = end
	}
	return pieces
}
