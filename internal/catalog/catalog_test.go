package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// A nil Catalog must accept every call and record nothing.
func TestNilCatalog(t *testing.T) {
	var c *Catalog
	assert.False(t, c.IsConnected())
	assert.NoError(t, c.Err())
	assert.Zero(t, c.Dropped())

	run := &RunMessage{ID: "run", Start: time.Now()}
	c.RecordRun(run)
	c.FinishRun(run)
	assert.False(t, run.End.IsZero(), "FinishRun should stamp the end time even when disconnected")

	file := &FileMessage{RunID: "run", Channel: "A"}
	c.RecordFile(file)
	assert.Empty(t, file.ID, "RecordFile on a nil catalog should not touch the message")
	c.RecordRun(nil)
	c.RecordFile(nil)
	assert.NoError(t, c.Close())
}

func TestConnectUnreachable(t *testing.T) {
	c, err := Connect(Options{
		Addr:        []string{"127.0.0.1:1"},
		DialTimeout: 200 * time.Millisecond,
	})
	if err == nil {
		c.Close()
		t.Fatal("Connect to a closed port succeeded, want error")
	}
	assert.Nil(t, c)
}
