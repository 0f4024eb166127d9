package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	return rec.Body.String()
}

func TestCollector_Records(t *testing.T) {
	c := NewCollector("kgraph_test")

	c.RecordResolution("exact", 5*time.Millisecond)
	c.RecordResolution("exact", 5*time.Millisecond)
	c.RecordEdge("KNOWS", "created")
	c.RecordAccess("node", 3)
	c.RecordChunk("failed")
	c.RecordPhase("extract", time.Second)
	c.RecordNote()

	body := scrape(t, c)
	assert.Contains(t, body, `kgraph_test_resolutions_total{tier="exact"} 2`)
	assert.Contains(t, body, `kgraph_test_relationships_total{outcome="created",type="KNOWS"} 1`)
	assert.Contains(t, body, `kgraph_test_accesses_total{target="node"} 3`)
	assert.Contains(t, body, `kgraph_test_chunks_total{outcome="failed"} 1`)
	assert.Contains(t, body, `kgraph_test_relationship_notes_appended_total 1`)
	assert.Contains(t, body, `kgraph_test_phase_duration_seconds_count{phase="extract"} 1`)
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordResolution("none", time.Millisecond)
		c.RecordEdge("KNOWS", "duplicate")
		c.RecordAccess("edge", 1)
		c.RecordChunk("succeeded")
		c.RecordPhase("clean", time.Millisecond)
		c.RecordNote()
		c.RecordHTTP("GET", "/health", "200", time.Millisecond)
	})
}

func TestCollector_SeparateRegistries(t *testing.T) {
	a := NewCollector("kgraph_a")
	b := NewCollector("kgraph_a")
	a.RecordChunk("succeeded")

	assert.Contains(t, scrape(t, a), `kgraph_a_chunks_total{outcome="succeeded"} 1`)
	assert.NotContains(t, scrape(t, b), `kgraph_a_chunks_total{outcome="succeeded"} 1`)
}
