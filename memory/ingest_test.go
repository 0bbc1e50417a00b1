package memory

import (
	"context"
	"strings"
	"testing"
)

const sampleDoc = `# Deployment guide

The service deploys with a single binary. Configuration comes from a TOML
file next to it.

## Rollback

Keep the previous binary around. Rollback is a symlink flip and a restart.
`

func TestIngestDocument(t *testing.T) {
	b := newFakeBackend()
	s := NewStore(b)

	res, err := s.IngestDocument(context.Background(), "a1", "Deploy guide", "wiki", sampleDoc)
	if err != nil {
		t.Fatalf("IngestDocument: %v", err)
	}
	if res.Duplicate {
		t.Error("first ingest marked duplicate")
	}
	if res.Chunks == 0 {
		t.Error("no chunks produced")
	}
	if res.Document.Hash == "" || res.Document.AgentID != "a1" {
		t.Errorf("document = %+v", res.Document)
	}

	chunks, err := b.ListChunks(context.Background(), res.Document.ID)
	if err != nil || len(chunks) != res.Chunks {
		t.Fatalf("chunks = %d, %v", len(chunks), err)
	}
	for i, c := range chunks {
		if c.ChunkIndex != i {
			t.Errorf("chunk %d has index %d", i, c.ChunkIndex)
		}
		if c.Hash == "" || c.Content == "" {
			t.Errorf("chunk %d = %+v", i, c)
		}
	}
}

func TestIngestDocumentDedup(t *testing.T) {
	s := NewStore(newFakeBackend())

	first, err := s.IngestDocument(context.Background(), "a1", "guide", "", sampleDoc)
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	second, err := s.IngestDocument(context.Background(), "a1", "guide again", "", sampleDoc)
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if !second.Duplicate || second.Document.ID != first.Document.ID {
		t.Errorf("dedup = %+v", second)
	}

	// A different agent ingesting the same content is not a duplicate.
	other, err := s.IngestDocument(context.Background(), "a2", "guide", "", sampleDoc)
	if err != nil || other.Duplicate {
		t.Errorf("cross-agent ingest = %+v, %v", other, err)
	}
}

func TestIngestDocumentValidation(t *testing.T) {
	s := NewStore(newFakeBackend())
	if _, err := s.IngestDocument(context.Background(), "", "t", "", "content"); err == nil {
		t.Error("missing agent accepted")
	}
	if _, err := s.IngestDocument(context.Background(), "a1", "t", "", "   "); err == nil {
		t.Error("blank content accepted")
	}
}

func TestSearchKnowledgeLexical(t *testing.T) {
	s := NewStore(newFakeBackend())
	if _, err := s.IngestDocument(context.Background(), "a1", "guide", "", sampleDoc); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	hits, err := s.SearchKnowledge(context.Background(), "a1", "rollback", 5)
	if err != nil {
		t.Fatalf("SearchKnowledge: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("no hits")
	}
	if !strings.Contains(strings.ToLower(hits[0].Chunk.Content), "rollback") {
		t.Errorf("top hit = %q", hits[0].Chunk.Content)
	}
	if hits[0].Relevance <= 0 {
		t.Errorf("relevance = %v", hits[0].Relevance)
	}

	none, err := s.SearchKnowledge(context.Background(), "a1", "zeppelin", 5)
	if err != nil || len(none) != 0 {
		t.Errorf("miss = %v, %v", none, err)
	}
}

func TestChunkMarkdownPacksBlocks(t *testing.T) {
	pieces := chunkMarkdown(sampleDoc)
	if len(pieces) == 0 {
		t.Fatal("no pieces")
	}
	for _, p := range pieces {
		if p.text == "" || p.end <= p.start {
			t.Errorf("piece = %+v", p)
		}
	}

	long := strings.Repeat("aword ", 1000) // one giant paragraph
	pieces = chunkMarkdown(long)
	if len(pieces) < 2 {
		t.Errorf("oversized block not split: %d pieces", len(pieces))
	}
	for _, p := range pieces {
		if len(p.text) > 2*chunkTargetSize {
			t.Errorf("piece length %d exceeds bound", len(p.text))
		}
	}
}
